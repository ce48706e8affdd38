package netmux

import (
	"net/netip"
	"sync"

	"github.com/1ureka/1ureka.net.udp/protocol"
)

type eventKind byte

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventReceive
	eventReceiveUnconnected
	eventError
	eventLatencyUpdated
	eventConnectionRequest
	eventDiscoveryRequest
	eventDiscoveryResponse
)

// netEvent is a pooled, tagged variant covering every listener callback.
// Reference fields are cleared on release so the free-list never pins
// peers or packets.
type netEvent struct {
	kind     eventKind
	peer     *Peer
	endpoint netip.AddrPort
	latency  int
	errCode  int
	reason   DisconnectReason
	request  *ConnectionRequest
	method   DeliveryMethod
	packet   *protocol.Packet
}

// eventQueue is the MPSC queue between the socket/logic goroutines and
// PollEvents, with an object free-list. Pop/push critical sections only.
type eventQueue struct {
	mu     sync.Mutex
	events []*netEvent

	freeMu sync.Mutex
	free   []*netEvent
}

func newEventQueue() *eventQueue {
	return &eventQueue{}
}

// acquire pops a cleared event from the free-list, or allocates one.
func (q *eventQueue) acquire() *netEvent {
	q.freeMu.Lock()
	var ev *netEvent
	if n := len(q.free); n > 0 {
		ev = q.free[n-1]
		q.free[n-1] = nil
		q.free = q.free[:n-1]
	}
	q.freeMu.Unlock()

	if ev == nil {
		ev = &netEvent{}
	}
	return ev
}

func (q *eventQueue) enqueue(ev *netEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

// drain swaps out the pending slice. The caller owns the returned events
// and must release each one.
func (q *eventQueue) drain(into []*netEvent) []*netEvent {
	q.mu.Lock()
	out := q.events
	q.events = into[:0]
	q.mu.Unlock()
	return out
}

// release clears reference fields and pushes the event to the free-list.
func (q *eventQueue) release(ev *netEvent) {
	*ev = netEvent{}
	q.freeMu.Lock()
	q.free = append(q.free, ev)
	q.freeMu.Unlock()
}

func (q *eventQueue) clear() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}

// dispatchEvent runs the listener callback matching ev. Called from
// PollEvents, or inline from the producing goroutine under UnsyncedEvents.
func (nm *NetManager) dispatchEvent(ev *netEvent) {
	switch ev.kind {
	case eventConnect:
		nm.listener.OnPeerConnected(ev.peer)

	case eventDisconnect:
		info := DisconnectInfo{Reason: ev.reason, SocketErrorCode: ev.errCode}
		if ev.packet != nil {
			info.AdditionalData = protocol.NewPacketReader(ev.packet, nm.pool)
		}
		nm.listener.OnPeerDisconnected(ev.peer, info)
		if info.AdditionalData != nil {
			info.AdditionalData.Recycle()
		}

	case eventReceive:
		reader := protocol.NewPacketReader(ev.packet, nm.pool)
		nm.listener.OnNetworkReceive(ev.peer, reader, ev.method)
		if nm.cfg.AutoRecycle {
			reader.Recycle()
		}

	case eventReceiveUnconnected, eventDiscoveryRequest, eventDiscoveryResponse:
		reader := protocol.NewPacketReader(ev.packet, nm.pool)
		msgType := BasicMessage
		switch ev.kind {
		case eventDiscoveryRequest:
			msgType = DiscoveryRequestMessage
		case eventDiscoveryResponse:
			msgType = DiscoveryResponseMessage
		}
		nm.listener.OnNetworkReceiveUnconnected(ev.endpoint, reader, msgType)
		if nm.cfg.AutoRecycle {
			reader.Recycle()
		}

	case eventError:
		nm.listener.OnNetworkError(ev.endpoint, ev.errCode)

	case eventLatencyUpdated:
		nm.listener.OnNetworkLatencyUpdate(ev.peer, ev.latency)

	case eventConnectionRequest:
		nm.listener.OnConnectionRequest(ev.request)
	}
}

// queueEvent hands the event to the consumer: through the queue by default,
// inline when UnsyncedEvents is set.
func (nm *NetManager) queueEvent(ev *netEvent) {
	if nm.cfg.UnsyncedEvents {
		nm.dispatchEvent(ev)
		nm.events.release(ev)
		return
	}
	nm.events.enqueue(ev)
}
