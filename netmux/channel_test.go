package netmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.udp/protocol"
)

// channelFixture builds a connected peer on a stopped manager: channel
// traffic lands in the event queue, outbound datagrams go nowhere.
func channelFixture() (*NetManager, *Peer) {
	nm := NewNetManager(nil, DefaultConfig())
	peer := newPeer(nm, testEndpoint(1), 1, 0, StateConnected)
	return nm, peer
}

func inboundPacket(nm *NetManager, prop protocol.PacketProperty, seq uint16, payload []byte) *protocol.Packet {
	pkt := nm.pool.GetWithData(prop, payload, 0, len(payload))
	pkt.SetSequence(seq)
	return pkt
}

// drainPayloads empties the event queue and returns the Receive payloads
// in dispatch order.
func drainPayloads(nm *NetManager) [][]byte {
	var out [][]byte
	for _, ev := range nm.events.drain(nil) {
		if ev.kind == eventReceive {
			out = append(out, append([]byte(nil), ev.packet.Payload()...))
			nm.pool.Recycle(ev.packet)
		}
		nm.events.release(ev)
	}
	return out
}

func TestReliableOrderedReleasesRuns(t *testing.T) {
	nm, peer := channelFixture()
	ch := peer.relOrdered

	// 2 and 1 arrive before 0: nothing may surface early.
	ch.process(inboundPacket(nm, protocol.ReliableOrdered, 2, []byte("c")))
	ch.process(inboundPacket(nm, protocol.ReliableOrdered, 1, []byte("b")))
	assert.Empty(t, drainPayloads(nm))

	ch.process(inboundPacket(nm, protocol.ReliableOrdered, 0, []byte("a")))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, drainPayloads(nm))
}

func TestReliableOrderedDropsDuplicates(t *testing.T) {
	nm, peer := channelFixture()
	ch := peer.relOrdered

	ch.process(inboundPacket(nm, protocol.ReliableOrdered, 0, []byte("a")))
	ch.process(inboundPacket(nm, protocol.ReliableOrdered, 0, []byte("a")))
	assert.Len(t, drainPayloads(nm), 1)

	// Duplicate of a buffered future packet is dropped too.
	ch.process(inboundPacket(nm, protocol.ReliableOrdered, 3, []byte("d")))
	ch.process(inboundPacket(nm, protocol.ReliableOrdered, 3, []byte("d")))
	assert.Empty(t, drainPayloads(nm))
	assert.Equal(t, 1, ch.inHeap.Len())
}

func TestReliableUnorderedDeliversImmediately(t *testing.T) {
	nm, peer := channelFixture()
	ch := peer.relUnordered

	ch.process(inboundPacket(nm, protocol.ReliableUnordered, 2, []byte("c")))
	ch.process(inboundPacket(nm, protocol.ReliableUnordered, 0, []byte("a")))
	ch.process(inboundPacket(nm, protocol.ReliableUnordered, 2, []byte("c"))) // dup

	assert.Equal(t, [][]byte{[]byte("c"), []byte("a")}, drainPayloads(nm))
}

func TestReliableResendUntilAck(t *testing.T) {
	nm, peer := channelFixture()
	ch := peer.relUnordered

	ch.send(nm.pool.GetWithData(protocol.ReliableUnordered, []byte("x"), 0, 1))

	// No ack: the packet ages past the resend delay and goes out again.
	ch.update(minResendDelayMs, minResendDelayMs)
	assert.Equal(t, int64(1), ch.takeResendCount())

	ch.processAck(0)
	ch.update(10*minResendDelayMs, minResendDelayMs)
	assert.Equal(t, int64(0), ch.takeResendCount(), "acked packet must not resend")
}

func TestReliableWindowBacklog(t *testing.T) {
	nm, peer := channelFixture()
	ch := peer.relOrdered

	for i := 0; i < windowSize+3; i++ {
		ch.send(nm.pool.GetWithData(protocol.ReliableOrdered, []byte{byte(i)}, 0, 1))
	}
	assert.Len(t, ch.backlog, 3, "sends past the window wait in the backlog")

	// Acking the window head admits one backlog packet.
	ch.processAck(0)
	assert.Len(t, ch.backlog, 2)
}

func TestSequencedKeepsNewestOnly(t *testing.T) {
	nm, peer := channelFixture()
	ch := peer.sequenced

	ch.process(inboundPacket(nm, protocol.Sequenced, 5, []byte("new")))
	ch.process(inboundPacket(nm, protocol.Sequenced, 3, []byte("old")))
	ch.process(inboundPacket(nm, protocol.Sequenced, 6, []byte("newer")))

	assert.Equal(t, [][]byte{[]byte("new"), []byte("newer")}, drainPayloads(nm))
}

func TestSequencedWrapAround(t *testing.T) {
	nm, peer := channelFixture()
	ch := peer.sequenced
	ch.lastReceived = 65530

	ch.process(inboundPacket(nm, protocol.Sequenced, 65535, []byte("pre")))
	ch.process(inboundPacket(nm, protocol.Sequenced, 1, []byte("post")))

	require.Equal(t, [][]byte{[]byte("pre"), []byte("post")}, drainPayloads(nm))
}

func TestReliableSequencedResendsLatest(t *testing.T) {
	nm, peer := channelFixture()
	ch := peer.relSequenced

	ch.send(nm.pool.GetWithData(protocol.ReliableSequenced, []byte("v1"), 0, 2))
	ch.send(nm.pool.GetWithData(protocol.ReliableSequenced, []byte("v2"), 0, 2))

	// Only v2 is pending; v1 was superseded.
	require.NotNil(t, ch.pending)
	assert.Equal(t, uint16(2), ch.pendingSeq)

	ch.update(minResendDelayMs, minResendDelayMs)
	assert.Equal(t, int64(1), ch.takeResendCount())

	ch.processAck(2)
	assert.Nil(t, ch.pending)
}

func TestRelSeqDiff(t *testing.T) {
	testCases := []struct {
		a, b uint16
		want int
	}{
		{5, 3, 2},
		{3, 5, -2},
		{0, 65535, 1},
		{65535, 0, -1},
		{32768, 0, -32768},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, relSeqDiff(tc.a, tc.b), "relSeqDiff(%d, %d)", tc.a, tc.b)
	}
}
