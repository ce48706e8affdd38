package netmux

import (
	"net/netip"
	"sync/atomic"

	"github.com/1ureka/1ureka.net.udp/protocol"
)

// DeliveryMethod selects the reliability/ordering contract of outbound data.
type DeliveryMethod byte

const (
	// Unreliable packets may be lost, duplicated or reordered.
	Unreliable DeliveryMethod = iota
	// ReliableUnordered packets always arrive, in any order.
	ReliableUnordered
	// ReliableOrdered packets always arrive, in send order.
	ReliableOrdered
	// Sequenced packets may be lost but never arrive out of date.
	Sequenced
	// ReliableSequenced delivers the latest packet, reliably.
	ReliableSequenced
)

func (m DeliveryMethod) String() string {
	switch m {
	case Unreliable:
		return "Unreliable"
	case ReliableUnordered:
		return "ReliableUnordered"
	case ReliableOrdered:
		return "ReliableOrdered"
	case Sequenced:
		return "Sequenced"
	case ReliableSequenced:
		return "ReliableSequenced"
	}
	return "Unknown"
}

// DisconnectReason explains why a peer went away.
type DisconnectReason byte

const (
	ConnectionFailed DisconnectReason = iota
	Timeout
	HostUnreachable
	RemoteConnectionClose
	DisconnectPeerCalled
	ConnectionRejected
	SocketReceiveError
	SocketSendError
)

func (r DisconnectReason) String() string {
	switch r {
	case ConnectionFailed:
		return "ConnectionFailed"
	case Timeout:
		return "Timeout"
	case HostUnreachable:
		return "HostUnreachable"
	case RemoteConnectionClose:
		return "RemoteConnectionClose"
	case DisconnectPeerCalled:
		return "DisconnectPeerCalled"
	case ConnectionRejected:
		return "ConnectionRejected"
	case SocketReceiveError:
		return "SocketReceiveError"
	case SocketSendError:
		return "SocketSendError"
	}
	return "Unknown"
}

// DisconnectInfo accompanies OnPeerDisconnected.
type DisconnectInfo struct {
	Reason DisconnectReason

	// AdditionalData carries the payload of the remote Disconnect
	// datagram (possibly empty) when one caused this event. Nil for
	// disconnects without such a datagram.
	AdditionalData *protocol.Reader

	// SocketErrorCode is set when Reason is a socket error.
	SocketErrorCode int
}

// UnconnectedMessageType tags OnNetworkReceiveUnconnected deliveries.
type UnconnectedMessageType byte

const (
	BasicMessage UnconnectedMessageType = iota
	DiscoveryRequestMessage
	DiscoveryResponseMessage
)

// EventListener receives every user-visible event the manager produces.
// With the default (queued) event mode all callbacks run on the goroutine
// calling PollEvents; with UnsyncedEvents they run on internal goroutines
// and the listener is responsible for its own synchronization.
type EventListener interface {
	OnPeerConnected(peer *Peer)
	OnPeerDisconnected(peer *Peer, info DisconnectInfo)
	OnNetworkReceive(peer *Peer, reader *protocol.Reader, method DeliveryMethod)
	OnNetworkReceiveUnconnected(endpoint netip.AddrPort, reader *protocol.Reader, msgType UnconnectedMessageType)
	OnNetworkError(endpoint netip.AddrPort, socketErrorCode int)
	OnNetworkLatencyUpdate(peer *Peer, latencyMs int)
	OnConnectionRequest(request *ConnectionRequest)
}

// ConnectionRequestType distinguishes a plain incoming handshake from a
// simultaneous peer-to-peer one.
type ConnectionRequestType byte

const (
	IncomingConnection ConnectionRequestType = iota
	PeerToPeerConnection
)

// ConnectionRequest grants the listener the right to accept or reject one
// handshake. Exactly one of Accept or Reject may be called; later calls
// are ignored.
type ConnectionRequest struct {
	mgr     *NetManager
	peer    *Peer
	connId  uint64
	connNum uint8

	// Type reports whether this is an incoming or peer-to-peer handshake.
	Type ConnectionRequestType

	// Data exposes the opaque handshake payload.
	Data *protocol.Reader

	used atomic.Bool
}

// Peer returns the candidate peer.
func (r *ConnectionRequest) Peer() *Peer { return r.peer }

// RemoteEndPoint returns the candidate's endpoint.
func (r *ConnectionRequest) RemoteEndPoint() netip.AddrPort { return r.peer.EndPoint() }

// Accept admits the peer and returns it. The manager emits Connect for it.
func (r *ConnectionRequest) Accept() *Peer {
	if !r.used.CompareAndSwap(false, true) {
		return r.peer
	}
	r.mgr.onConnectionSolved(r, nil, false)
	return r.peer
}

// Reject refuses the handshake; rejectData (may be nil) travels to the
// initiator as the Disconnect payload.
func (r *ConnectionRequest) Reject(rejectData []byte) {
	if !r.used.CompareAndSwap(false, true) {
		return
	}
	r.mgr.onConnectionSolved(r, rejectData, true)
}
