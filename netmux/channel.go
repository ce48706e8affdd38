package netmux

import (
	"container/heap"
	"sync"

	"github.com/1ureka/1ureka.net.udp/internal/util"
	"github.com/1ureka/1ureka.net.udp/protocol"
)

// windowSize is the reliable send/receive window, in packets.
const windowSize = 64

// minResendDelayMs floors the retransmit timer when RTT is still unknown
// or implausibly small.
const minResendDelayMs = 100

// relSeqDiff compares wrap-around uint16 sequence numbers. Negative means
// a is older than b. Valid while both live within half the sequence space,
// which the send window guarantees.
func relSeqDiff(a, b uint16) int {
	return int(int16(a - b))
}

type pendingPacket struct {
	pkt     *protocol.Packet
	seq     uint16
	ageMs   int64 // since last (re)send
	resends int
}

// reliableChannel implements ReliableUnordered and ReliableOrdered: a
// windowed sender with per-packet acks and age-based retransmit, and the
// matching receiver (run-releasing heap when ordered, dedupe window when
// not).
type reliableChannel struct {
	peer     *Peer
	property protocol.PacketProperty
	ackProp  protocol.PacketProperty
	method   DeliveryMethod
	ordered  bool

	mu sync.Mutex

	// sender
	outSeq      uint16
	windowStart uint16
	pending     [windowSize]*pendingPacket
	backlog     []*protocol.Packet // waiting for window space, seq unassigned
	resendCount int64

	// receiver
	inExpected uint16
	inHeap     packetHeap      // ordered mode
	inSeen     [windowSize]bool // unordered mode
}

func newReliableChannel(peer *Peer, ordered bool) *reliableChannel {
	c := &reliableChannel{peer: peer, ordered: ordered}
	if ordered {
		c.property = protocol.ReliableOrdered
		c.ackProp = protocol.AckReliableOrdered
		c.method = ReliableOrdered
	} else {
		c.property = protocol.ReliableUnordered
		c.ackProp = protocol.AckReliable
		c.method = ReliableUnordered
	}
	return c
}

// send queues data for reliable delivery. Packets beyond the window wait
// in the backlog until acks open space.
func (c *reliableChannel) send(pkt *protocol.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if relSeqDiff(c.outSeq, c.windowStart) >= windowSize {
		c.backlog = append(c.backlog, pkt)
		return
	}
	c.transmitLocked(pkt)
}

func (c *reliableChannel) transmitLocked(pkt *protocol.Packet) {
	seq := c.outSeq
	c.outSeq++
	pkt.SetSequence(seq)
	c.pending[seq%windowSize] = &pendingPacket{pkt: pkt, seq: seq}
	c.peer.sendRawPacket(pkt)
}

// processAck releases the acknowledged packet and slides the window.
func (c *reliableChannel) processAck(seq uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := relSeqDiff(seq, c.windowStart)
	if d < 0 || d >= windowSize {
		return
	}
	slot := c.pending[seq%windowSize]
	if slot == nil || slot.seq != seq {
		return
	}
	c.peer.mgr.pool.Recycle(slot.pkt)
	c.pending[seq%windowSize] = nil

	for relSeqDiff(c.outSeq, c.windowStart) > 0 && c.pending[c.windowStart%windowSize] == nil {
		c.windowStart++
	}
	c.drainBacklogLocked()
}

func (c *reliableChannel) drainBacklogLocked() {
	for len(c.backlog) > 0 && relSeqDiff(c.outSeq, c.windowStart) < windowSize {
		pkt := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.transmitLocked(pkt)
	}
}

// update ages pending packets and retransmits the overdue ones.
func (c *reliableChannel) update(elapsedMs, resendDelayMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.pending {
		slot := c.pending[i]
		if slot == nil {
			continue
		}
		slot.ageMs += elapsedMs
		if slot.ageMs >= resendDelayMs {
			slot.ageMs = 0
			slot.resends++
			c.resendCount++
			c.peer.sendRawPacket(slot.pkt)
		}
	}
}

// takeResendCount returns and resets the resend counter, for loss stats.
func (c *reliableChannel) takeResendCount() int64 {
	c.mu.Lock()
	n := c.resendCount
	c.resendCount = 0
	c.mu.Unlock()
	return n
}

// process handles a received channeled packet. Ownership of pkt transfers
// here: it is either delivered (as an event) or recycled.
func (c *reliableChannel) process(pkt *protocol.Packet) {
	seq := pkt.Sequence()
	c.peer.sendAck(c.ackProp, seq)

	c.mu.Lock()
	if c.ordered {
		c.processOrderedLocked(pkt, seq)
	} else {
		c.processUnorderedLocked(pkt, seq)
	}
	c.mu.Unlock()
}

func (c *reliableChannel) processOrderedLocked(pkt *protocol.Packet, seq uint16) {
	d := relSeqDiff(seq, c.inExpected)
	switch {
	case d < 0:
		// Already delivered; the ack above re-settles the sender.
		c.peer.mgr.pool.Recycle(pkt)

	case d == 0:
		c.inExpected++
		c.peer.deliver(pkt, c.method)
		for c.inHeap.Len() > 0 && c.inHeap[0].Sequence() == c.inExpected {
			c.inExpected++
			c.peer.deliver(heap.Pop(&c.inHeap).(*protocol.Packet), c.method)
		}

	default:
		// Future packet. Drop duplicates already buffered.
		for _, buffered := range c.inHeap {
			if buffered.Sequence() == seq {
				c.peer.mgr.pool.Recycle(pkt)
				return
			}
		}
		heap.Push(&c.inHeap, pkt)
	}
}

func (c *reliableChannel) processUnorderedLocked(pkt *protocol.Packet, seq uint16) {
	d := relSeqDiff(seq, c.inExpected)
	if d < 0 || d >= windowSize {
		c.peer.mgr.pool.Recycle(pkt)
		return
	}
	if c.inSeen[seq%windowSize] {
		c.peer.mgr.pool.Recycle(pkt)
		return
	}
	c.inSeen[seq%windowSize] = true
	for c.inSeen[c.inExpected%windowSize] {
		c.inSeen[c.inExpected%windowSize] = false
		c.inExpected++
	}
	c.peer.deliver(pkt, c.method)
}

// clear recycles everything the channel still owns.
func (c *reliableChannel) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool := c.peer.mgr.pool
	for i, slot := range c.pending {
		if slot != nil {
			pool.Recycle(slot.pkt)
			c.pending[i] = nil
		}
	}
	for _, pkt := range c.backlog {
		pool.Recycle(pkt)
	}
	c.backlog = nil
	for _, pkt := range c.inHeap {
		pool.Recycle(pkt)
	}
	c.inHeap = nil
}

// sequencedChannel implements Sequenced and ReliableSequenced: the receiver
// keeps only the newest sequence number; the reliable flavor additionally
// resends the latest packet until it is acknowledged.
type sequencedChannel struct {
	peer     *Peer
	property protocol.PacketProperty
	method   DeliveryMethod
	reliable bool

	mu           sync.Mutex
	outSeq       uint16
	lastReceived uint16

	pending     *protocol.Packet
	pendingSeq  uint16
	pendingAge  int64
	resendCount int64
}

func newSequencedChannel(peer *Peer, reliable bool) *sequencedChannel {
	c := &sequencedChannel{peer: peer, reliable: reliable}
	if reliable {
		c.property = protocol.ReliableSequenced
		c.method = ReliableSequenced
	} else {
		c.property = protocol.Sequenced
		c.method = Sequenced
	}
	return c
}

func (c *sequencedChannel) send(pkt *protocol.Packet) {
	c.mu.Lock()
	c.outSeq++
	pkt.SetSequence(c.outSeq)
	if c.reliable {
		if c.pending != nil {
			// Superseded before it was acked; latest-only wins.
			c.peer.mgr.pool.Recycle(c.pending)
		}
		c.pending = pkt
		c.pendingSeq = c.outSeq
		c.pendingAge = 0
		c.peer.sendRawPacket(pkt)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.peer.sendRawPacket(pkt)
	c.peer.mgr.pool.Recycle(pkt)
}

func (c *sequencedChannel) processAck(seq uint16) {
	c.mu.Lock()
	if c.pending != nil && c.pendingSeq == seq {
		c.peer.mgr.pool.Recycle(c.pending)
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *sequencedChannel) update(elapsedMs, resendDelayMs int64) {
	if !c.reliable {
		return
	}
	c.mu.Lock()
	if c.pending != nil {
		c.pendingAge += elapsedMs
		if c.pendingAge >= resendDelayMs {
			c.pendingAge = 0
			c.resendCount++
			c.peer.sendRawPacket(c.pending)
		}
	}
	c.mu.Unlock()
}

func (c *sequencedChannel) takeResendCount() int64 {
	c.mu.Lock()
	n := c.resendCount
	c.resendCount = 0
	c.mu.Unlock()
	return n
}

func (c *sequencedChannel) process(pkt *protocol.Packet) {
	seq := pkt.Sequence()
	if c.reliable {
		c.peer.sendAck(protocol.AckReliableSequenced, seq)
	}

	c.mu.Lock()
	last := c.lastReceived
	fresh := relSeqDiff(seq, last) > 0
	if fresh {
		c.lastReceived = seq
	}
	c.mu.Unlock()

	if fresh {
		c.peer.deliver(pkt, c.method)
		return
	}
	util.LogDebug("sequenced drop: seq %d not newer than %d", seq, last)
	c.peer.mgr.pool.Recycle(pkt)
}

func (c *sequencedChannel) clear() {
	c.mu.Lock()
	if c.pending != nil {
		c.peer.mgr.pool.Recycle(c.pending)
		c.pending = nil
	}
	c.mu.Unlock()
}

// packetHeap is a min-heap of channeled packets ordered by wrap-around
// sequence distance.
type packetHeap []*protocol.Packet

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	return relSeqDiff(h[i].Sequence(), h[j].Sequence()) < 0
}
func (h packetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)   { *h = append(*h, x.(*protocol.Packet)) }

func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
