package netmux

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/1ureka/1ureka.net.udp/internal/util"
	"github.com/1ureka/1ureka.net.udp/protocol"
)

// ErrNotRunning is returned by operations that need a started manager.
var ErrNotRunning = errors.New("client is not running")

// NetManager multiplexes every peer session over one UDP socket. See the
// package comment for the threading model.
type NetManager struct {
	cfg      Config
	listener EventListener

	pool   *protocol.PacketPool
	peers  *peerTable
	events *eventQueue
	sock   *udpSocket

	// Stats counts this manager's traffic.
	Stats TrafficStats

	natPunch *NatPunchModule

	running        atomic.Bool
	logicDone      chan struct{}
	connectedCount atomic.Int32

	delayed delayedQueue

	// drainScratch is reused across PollEvents calls (single consumer).
	drainScratch []*netEvent
}

// NewNetManager builds a stopped manager delivering events to listener.
func NewNetManager(listener EventListener, cfg Config) *NetManager {
	nm := &NetManager{
		cfg:      cfg,
		listener: listener,
		pool:     protocol.NewPacketPool(),
		peers:    newPeerTable(),
		events:   newEventQueue(),
	}
	nm.natPunch = newNatPunchModule(nm)
	return nm
}

// NatPunch returns the NAT punch-through module. Its datagrams only flow
// when Config.NatPunchEnabled is set.
func (nm *NetManager) NatPunch() *NatPunchModule { return nm.natPunch }

// IsRunning reports whether Start succeeded and Stop has not been called.
func (nm *NetManager) IsRunning() bool { return nm.running.Load() }

// LocalPort returns the bound UDP port, 0 when stopped.
func (nm *NetManager) LocalPort() int {
	if nm.sock == nil || !nm.IsRunning() {
		return 0
	}
	return nm.sock.localPort()
}

// ConnectedPeersCount returns the (eventually consistent) number of peers
// in Connected state.
func (nm *NetManager) ConnectedPeersCount() int {
	return int(nm.connectedCount.Load())
}

// Start binds both address families on port (0 picks one) and launches the
// logic goroutine. Returns false when already running or the bind fails.
func (nm *NetManager) Start(port int) bool {
	return nm.StartOn("0.0.0.0", "::", port)
}

// StartOn is Start with explicit bind addresses; an empty addrV6 skips the
// IPv6 socket.
func (nm *NetManager) StartOn(addrV4, addrV6 string, port int) bool {
	if !nm.running.CompareAndSwap(false, true) {
		util.LogWarning("already running on port %d", nm.LocalPort())
		return false
	}

	nm.sock = newUDPSocket(nm)
	if err := nm.sock.bind(addrV4, addrV6, port, nm.cfg.ReuseAddress); err != nil {
		util.LogError("start failed: %v", err)
		nm.sock = nil
		nm.running.Store(false)
		return false
	}

	nm.logicDone = make(chan struct{})
	go nm.logicLoop()
	return true
}

// Stop shuts every peer down with a final goodbye datagram, stops the
// logic goroutine, closes the socket and resets all state. Idempotent;
// must not be called from the logic goroutine.
func (nm *NetManager) Stop() {
	if !nm.running.CompareAndSwap(true, false) {
		return
	}

	for p := nm.peers.headPeer(); p != nil; p = p.NextPeer() {
		p.Shutdown(nil, 0, 0, false)
	}

	<-nm.logicDone
	nm.sock.close()

	for p := nm.peers.headPeer(); p != nil; p = p.NextPeer() {
		p.clearChannels()
	}
	nm.peers.clear()
	nm.events.clear()
	nm.delayed.clear()
	nm.connectedCount.Store(0)
}

// ---------------------------------------------------------------------------
// Connecting
// ---------------------------------------------------------------------------

// Connect starts an outgoing handshake towards ep carrying the opaque
// payload, and returns the resident peer record. When a live session for
// ep already exists it is returned unchanged.
func (nm *NetManager) Connect(ep netip.AddrPort, payload []byte) (*Peer, error) {
	if !nm.IsRunning() {
		return nil, ErrNotRunning
	}
	ep = normalize(ep)

	connNum := uint8(0)
	if existing, ok := nm.peers.tryGetValue(ep); ok {
		switch existing.ConnectionState() {
		case StateConnected, StateOutgoing, StateIncoming:
			return existing, nil
		default:
			connNum = (existing.ConnectionNum() + 1) % MaxConnectionNumber
			existing.clearChannels()
			nm.peers.removePeer(existing)
		}
	}

	peer := newPeer(nm, ep, newConnectionId(), connNum, StateOutgoing)
	if len(payload) > 0 {
		peer.connectPayload = make([]byte, len(payload))
		copy(peer.connectPayload, payload)
	}

	resident := nm.peers.tryAdd(peer)
	if resident != peer {
		return resident, nil
	}

	peer.sendConnectRequest()
	return peer, nil
}

func newConnectionId() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // the system CSPRNG is gone; nothing sensible to do
	}
	return binary.BigEndian.Uint64(b[:])
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// SendToAll sends data to every peer except excludePeer (may be nil).
func (nm *NetManager) SendToAll(data []byte, method DeliveryMethod, excludePeer *Peer) {
	for p := nm.peers.headPeer(); p != nil; p = p.NextPeer() {
		if p == excludePeer {
			continue
		}
		p.Send(data, 0, len(data), method)
	}
}

// SendUnconnectedMessage sends a connectionless datagram to ep.
func (nm *NetManager) SendUnconnectedMessage(data []byte, ep netip.AddrPort) bool {
	if !nm.IsRunning() {
		return false
	}
	pkt := nm.pool.GetWithData(protocol.UnconnectedMessage, data, 0, len(data))
	_, errCode := nm.sendRaw(pkt.Data[:pkt.Size], normalize(ep))
	nm.pool.Recycle(pkt)
	return errCode == 0
}

// SendDiscoveryRequest broadcasts a discovery probe on port.
func (nm *NetManager) SendDiscoveryRequest(data []byte, port int) bool {
	if !nm.IsRunning() {
		return false
	}
	pkt := nm.pool.GetWithData(protocol.DiscoveryRequest, data, 0, len(data))
	ok := nm.sock.sendBroadcast(pkt.Data[:pkt.Size], port)
	if ok {
		nm.Stats.addSent(pkt.Size)
	}
	nm.pool.Recycle(pkt)
	return ok
}

// SendDiscoveryResponse answers a discovery probe from ep.
func (nm *NetManager) SendDiscoveryResponse(data []byte, ep netip.AddrPort) bool {
	if !nm.IsRunning() {
		return false
	}
	pkt := nm.pool.GetWithData(protocol.DiscoveryResponse, data, 0, len(data))
	_, errCode := nm.sendRaw(pkt.Data[:pkt.Size], normalize(ep))
	nm.pool.Recycle(pkt)
	return errCode == 0
}

// Flush pushes every peer's merge buffer onto the wire.
func (nm *NetManager) Flush() {
	for p := nm.peers.headPeer(); p != nil; p = p.NextPeer() {
		p.Flush()
	}
}

// sendRaw writes one datagram and applies the send-error policy. Returns
// bytes written and the errno-style code (0 on success).
func (nm *NetManager) sendRaw(data []byte, ep netip.AddrPort) (int, int) {
	sock := nm.sock
	if sock == nil {
		return 0, int(unix.ESHUTDOWN)
	}
	n, errCode := sock.sendTo(data, ep)
	switch errCode {
	case 0:
		nm.Stats.addSent(n)
	case int(unix.EMSGSIZE):
		util.LogDebug("send to %s dropped: message too large (%d bytes)", ep, len(data))
	case int(unix.EHOSTUNREACH), int(unix.ENETUNREACH):
		if peer, ok := nm.peers.tryGetValue(ep); ok {
			nm.dropPeer(peer, SocketSendError, nil, errCode)
		}
	case int(unix.ECONNRESET):
		if peer, ok := nm.peers.tryGetValue(ep); ok {
			nm.dropPeer(peer, RemoteConnectionClose, nil, errCode)
		}
	default:
		nm.queueErrorEvent(ep, errCode)
	}
	return n, errCode
}

// ---------------------------------------------------------------------------
// Disconnecting
// ---------------------------------------------------------------------------

// DisconnectPeer closes the session gracefully; data (may be nil) travels
// to the remote side in the goodbye datagram.
func (nm *NetManager) DisconnectPeer(peer *Peer, data []byte) {
	nm.disconnectPeer(peer, data, false)
}

// DisconnectPeerForce drops the session without notifying the remote.
func (nm *NetManager) DisconnectPeerForce(peer *Peer) {
	nm.disconnectPeer(peer, nil, true)
}

// DisconnectAll gracefully closes every session.
func (nm *NetManager) DisconnectAll(data []byte) {
	for p := nm.peers.headPeer(); p != nil; p = p.NextPeer() {
		nm.disconnectPeer(p, data, false)
	}
}

func (nm *NetManager) disconnectPeer(peer *Peer, data []byte, force bool) {
	wasConnected := peer.ConnectionState() == StateConnected
	if !peer.Shutdown(data, 0, len(data), force) {
		return
	}
	if wasConnected {
		nm.connectedCount.Add(-1)
	}
	nm.queueDisconnectEvent(peer, DisconnectPeerCalled, nil, 0)
}

// dropPeer force-disconnects peer with the given reason: state to
// Disconnected, counter settled, one Disconnect event (carrying pkt as
// additional data when non-nil; ownership transfers).
func (nm *NetManager) dropPeer(peer *Peer, reason DisconnectReason, pkt *protocol.Packet, errCode int) {
	wasConnected := peer.ConnectionState() == StateConnected
	if !peer.Shutdown(nil, 0, 0, true) {
		if pkt != nil {
			nm.pool.Recycle(pkt)
		}
		return
	}
	if wasConnected {
		nm.connectedCount.Add(-1)
	}
	nm.queueDisconnectEvent(peer, reason, pkt, errCode)
}

// ---------------------------------------------------------------------------
// Peer access
// ---------------------------------------------------------------------------

// GetFirstPeer returns the head of the iteration chain.
func (nm *NetManager) GetFirstPeer() *Peer { return nm.peers.headPeer() }

// GetPeers collects peers whose state matches the mask.
func (nm *NetManager) GetPeers(stateMask ConnectionState) []*Peer {
	var out []*Peer
	nm.GetPeersNonAlloc(&out, stateMask)
	return out
}

// GetPeersNonAlloc fills list (reset to length zero) with peers whose
// state matches the mask.
func (nm *NetManager) GetPeersNonAlloc(list *[]*Peer, stateMask ConnectionState) {
	*list = (*list)[:0]
	for p := nm.peers.headPeer(); p != nil; p = p.NextPeer() {
		if p.ConnectionState()&stateMask != 0 {
			*list = append(*list, p)
		}
	}
}

// PeersCount returns the number of records in the table, any state.
func (nm *NetManager) PeersCount() int { return nm.peers.size() }

// ---------------------------------------------------------------------------
// Event plumbing
// ---------------------------------------------------------------------------

// PollEvents drains the queue and runs the listener callbacks on the
// calling goroutine. No-op under UnsyncedEvents.
func (nm *NetManager) PollEvents() {
	if nm.cfg.UnsyncedEvents {
		return
	}
	evs := nm.events.drain(nm.drainScratch)
	for _, ev := range evs {
		nm.dispatchEvent(ev)
		nm.events.release(ev)
	}
	nm.drainScratch = evs
}

func (nm *NetManager) queueConnectEvent(peer *Peer) {
	nm.connectedCount.Add(1)
	ev := nm.events.acquire()
	ev.kind = eventConnect
	ev.peer = peer
	nm.queueEvent(ev)
}

func (nm *NetManager) queueDisconnectEvent(peer *Peer, reason DisconnectReason, pkt *protocol.Packet, errCode int) {
	ev := nm.events.acquire()
	ev.kind = eventDisconnect
	ev.peer = peer
	ev.reason = reason
	ev.packet = pkt
	ev.errCode = errCode
	nm.queueEvent(ev)
}

func (nm *NetManager) queueReceiveEvent(peer *Peer, pkt *protocol.Packet, method DeliveryMethod) {
	ev := nm.events.acquire()
	ev.kind = eventReceive
	ev.peer = peer
	ev.packet = pkt
	ev.method = method
	nm.queueEvent(ev)
}

func (nm *NetManager) queueLatencyEvent(peer *Peer, latencyMs int) {
	ev := nm.events.acquire()
	ev.kind = eventLatencyUpdated
	ev.peer = peer
	ev.latency = latencyMs
	nm.queueEvent(ev)
}

func (nm *NetManager) queueErrorEvent(ep netip.AddrPort, errCode int) {
	ev := nm.events.acquire()
	ev.kind = eventError
	ev.endpoint = ep
	ev.errCode = errCode
	nm.queueEvent(ev)
}

func (nm *NetManager) queueUnconnectedEvent(kind eventKind, ep netip.AddrPort, pkt *protocol.Packet) {
	ev := nm.events.acquire()
	ev.kind = kind
	ev.endpoint = ep
	ev.packet = pkt
	nm.queueEvent(ev)
}

func (nm *NetManager) queueConnectionRequestEvent(req *ConnectionRequest) {
	ev := nm.events.acquire()
	ev.kind = eventConnectionRequest
	ev.request = req
	nm.queueEvent(ev)
}
