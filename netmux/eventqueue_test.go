package netmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueFIFO(t *testing.T) {
	q := newEventQueue()

	for i := 0; i < 5; i++ {
		ev := q.acquire()
		ev.latency = i
		q.enqueue(ev)
	}

	drained := q.drain(nil)
	require.Len(t, drained, 5)
	for i, ev := range drained {
		assert.Equal(t, i, ev.latency)
		q.release(ev)
	}
}

func TestEventReleaseClearsAndReuses(t *testing.T) {
	q := newEventQueue()

	nm := NewNetManager(nil, DefaultConfig())
	peer := newPeer(nm, testEndpoint(1), 1, 0, StateConnected)

	ev := q.acquire()
	ev.kind = eventDisconnect
	ev.peer = peer
	ev.reason = Timeout
	ev.packet = nm.pool.GetPacket(8, false)

	pkt := ev.packet
	nm.pool.Recycle(pkt)
	q.release(ev)

	// The free-list hands the same object back, scrubbed.
	again := q.acquire()
	assert.Same(t, ev, again)
	assert.Nil(t, again.peer)
	assert.Nil(t, again.packet)
	assert.Equal(t, eventKind(0), again.kind)
	assert.Equal(t, DisconnectReason(0), again.reason)
}

func TestDrainSwapsBuffers(t *testing.T) {
	q := newEventQueue()

	ev := q.acquire()
	q.enqueue(ev)
	first := q.drain(nil)
	require.Len(t, first, 1)
	q.release(first[0])

	// Nothing pending: the next drain hands back the reusable slice empty.
	second := q.drain(first)
	assert.Len(t, second, 0)
}
