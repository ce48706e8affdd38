package netmux

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/1ureka.net.udp/internal/util"
	"github.com/1ureka/1ureka.net.udp/protocol"
)

// ConnectionState is a peer's lifecycle phase. Values are bit flags so
// GetPeers can filter on a mask.
type ConnectionState byte

const (
	StateOutgoing ConnectionState = 1 << iota
	StateIncoming
	StateConnected
	StateShutdownRequested
	StateDisconnected

	StateAny = StateOutgoing | StateIncoming | StateConnected |
		StateShutdownRequested | StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateOutgoing:
		return "Outgoing"
	case StateIncoming:
		return "Incoming"
	case StateConnected:
		return "Connected"
	case StateShutdownRequested:
		return "ShutdownRequested"
	case StateDisconnected:
		return "Disconnected"
	}
	return "Unknown"
}

// ConnectRequestResult classifies a ConnectRequest against the peer's
// current session.
type ConnectRequestResult byte

const (
	RequestNone ConnectRequestResult = iota
	RequestReconnection
	RequestNewConnection
	RequestP2P
)

// DisconnectResult classifies a received Disconnect datagram.
type DisconnectResult byte

const (
	DisconnectResultNone DisconnectResult = iota
	DisconnectResultDisconnect
	DisconnectResultReject
)

// MaxConnectionNumber bounds the wrap-around session counter per endpoint.
const MaxConnectionNumber = 64

// rttSampleWindow is how many pongs the smoothed RTT averages over.
const rttSampleWindow = 10

// Peer is one remote endpoint's session: handshake, keep-alive, delivery
// channels and shutdown. A Peer is created by Connect or by an incoming
// ConnectRequest and dies when the manager reaps it; records are never
// reused across sessions.
type Peer struct {
	mgr      *NetManager
	endpoint netip.AddrPort

	connId  uint64
	connNum uint8

	state          atomic.Int32
	lastPacketNano atomic.Int64
	deadNano       atomic.Int64

	// intrusive peerTable links; next is atomic for lock-free walks.
	next atomic.Pointer[Peer]
	prev *Peer

	// stateMu guards compound transitions (handshake, shutdown).
	stateMu sync.Mutex

	// outgoing handshake
	connectPayload  []byte
	connectAttempts int
	connectTimerMs  int64

	// shutdown retry
	shutdownTimerMs int64
	goodbyeData     []byte

	// keep-alive; pingSeq is atomic because pongs arrive on the socket
	// goroutine while pings leave from the logic goroutine.
	pingTimerMs    int64
	pingSeq        atomic.Uint32
	pingSentNano   atomic.Int64
	avgRttMs       atomic.Int64
	rttSampleCount int

	mtu atomic.Int32

	relUnordered *reliableChannel
	relOrdered   *reliableChannel
	sequenced    *sequencedChannel
	relSequenced *sequencedChannel

	// merge accumulator, guarded by mergeMu.
	mergeMu    sync.Mutex
	mergeBuf   []byte
	mergeCount int
}

func newPeer(mgr *NetManager, ep netip.AddrPort, connId uint64, connNum uint8, state ConnectionState) *Peer {
	p := &Peer{
		mgr:      mgr,
		endpoint: ep,
		connId:   connId,
		connNum:  connNum,
	}
	p.state.Store(int32(state))
	p.mtu.Store(protocol.MinMtu)
	p.lastPacketNano.Store(time.Now().UnixNano())
	p.relUnordered = newReliableChannel(p, false)
	p.relOrdered = newReliableChannel(p, true)
	p.sequenced = newSequencedChannel(p, false)
	p.relSequenced = newSequencedChannel(p, true)
	return p
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// EndPoint returns the remote endpoint this peer is keyed by.
func (p *Peer) EndPoint() netip.AddrPort { return p.endpoint }

// ConnectionState returns the current lifecycle phase.
func (p *Peer) ConnectionState() ConnectionState {
	return ConnectionState(p.state.Load())
}

// ConnectId returns the 64-bit session identifier.
func (p *Peer) ConnectId() uint64 { return p.connId }

// ConnectionNum returns the wrap-around session counter.
func (p *Peer) ConnectionNum() uint8 { return p.connNum }

// TimeSinceLastPacket reports how long the peer has been silent.
func (p *Peer) TimeSinceLastPacket() time.Duration {
	return time.Duration(time.Now().UnixNano() - p.lastPacketNano.Load())
}

// NextPeer returns the next record in the manager's iteration chain.
func (p *Peer) NextPeer() *Peer { return p.next.Load() }

// Ping returns the smoothed one-way latency estimate in milliseconds.
func (p *Peer) Ping() int { return int(p.avgRttMs.Load() / 2) }

// Mtu returns the confirmed path MTU.
func (p *Peer) Mtu() int { return int(p.mtu.Load()) }

func (p *Peer) notePacket() {
	p.lastPacketNano.Store(time.Now().UnixNano())
}

func (p *Peer) setState(s ConnectionState) {
	p.state.Store(int32(s))
	if s == StateDisconnected {
		p.deadNano.Store(time.Now().UnixNano())
	}
}

// timeSinceDead is how long the record has been Disconnected, for reaping.
func (p *Peer) timeSinceDead() time.Duration {
	return time.Duration(time.Now().UnixNano() - p.deadNano.Load())
}

func (p *Peer) resendDelayMs() int64 {
	d := p.avgRttMs.Load()*2 + 10
	if d < minResendDelayMs {
		d = minResendDelayMs
	}
	return d
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send queues user data on the channel matching method. Data is copied.
// Packets sent while not connected are dropped.
func (p *Peer) Send(data []byte, offset, length int, method DeliveryMethod) {
	if p.ConnectionState() != StateConnected {
		util.LogDebug("send dropped, peer %s is %s", p.endpoint, p.ConnectionState())
		return
	}
	pool := p.mgr.pool
	switch method {
	case Unreliable:
		pkt := pool.GetWithData(protocol.Unreliable, data, offset, length)
		p.sendRawPacket(pkt)
		pool.Recycle(pkt)
	case ReliableUnordered:
		p.relUnordered.send(pool.GetWithData(protocol.ReliableUnordered, data, offset, length))
	case ReliableOrdered:
		p.relOrdered.send(pool.GetWithData(protocol.ReliableOrdered, data, offset, length))
	case Sequenced:
		p.sequenced.send(pool.GetWithData(protocol.Sequenced, data, offset, length))
	case ReliableSequenced:
		p.relSequenced.send(pool.GetWithData(protocol.ReliableSequenced, data, offset, length))
	}
}

// sendRawPacket puts one datagram on the wire, or into the merge
// accumulator when merging is on. The caller keeps ownership of pkt.
func (p *Peer) sendRawPacket(pkt *protocol.Packet) {
	if p.mgr.cfg.MergeEnabled {
		p.mergeMu.Lock()
		// Entries that would overflow the path MTU flush what is queued
		// first.
		if len(p.mergeBuf) > 0 && len(p.mergeBuf)+2+pkt.Size > p.Mtu() {
			p.flushMergeLocked()
		}
		if len(p.mergeBuf) == 0 {
			p.mergeBuf = append(p.mergeBuf, byte(protocol.Merged))
		}
		p.mergeBuf = binary.BigEndian.AppendUint16(p.mergeBuf, uint16(pkt.Size))
		p.mergeBuf = append(p.mergeBuf, pkt.Data[:pkt.Size]...)
		p.mergeCount++
		p.mergeMu.Unlock()
		return
	}
	p.mgr.sendRaw(pkt.Data[:pkt.Size], p.endpoint)
}

// sendControl sends a packet immediately, bypassing merge, and recycles it.
func (p *Peer) sendControl(pkt *protocol.Packet) {
	p.mgr.sendRaw(pkt.Data[:pkt.Size], p.endpoint)
	p.mgr.pool.Recycle(pkt)
}

func (p *Peer) sendAck(prop protocol.PacketProperty, seq uint16) {
	pkt := p.mgr.pool.GetPacket(protocol.HeaderSize(prop), false)
	pkt.SetProperty(prop)
	pkt.SetSequence(seq)
	p.sendControl(pkt)
}

// Flush pushes out everything buffered for merging.
func (p *Peer) Flush() {
	if !p.mgr.cfg.MergeEnabled {
		return
	}
	p.mergeMu.Lock()
	p.flushMergeLocked()
	p.mergeMu.Unlock()
}

func (p *Peer) flushMergeLocked() {
	if p.mergeCount == 0 {
		return
	}
	if p.mergeCount == 1 {
		// One entry: skip the merged framing, send the inner packet.
		p.mgr.sendRaw(p.mergeBuf[3:], p.endpoint)
	} else {
		p.mgr.sendRaw(p.mergeBuf, p.endpoint)
	}
	p.mergeBuf = p.mergeBuf[:0]
	p.mergeCount = 0
}

// deliver hands a received packet up as a Receive event. Ownership of pkt
// transfers to the event.
func (p *Peer) deliver(pkt *protocol.Packet, method DeliveryMethod) {
	p.mgr.queueReceiveEvent(p, pkt, method)
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func (p *Peer) sendConnectRequest() {
	pkt := protocol.EncodeConnectRequest(p.mgr.pool, p.connId, p.connNum, p.connectPayload)
	p.sendControl(pkt)
}

func (p *Peer) sendConnectAccept() {
	pkt := protocol.EncodeConnectAccept(p.mgr.pool, p.connId, p.connNum)
	p.sendControl(pkt)
}

// ProcessConnectRequest classifies an incoming ConnectRequest against this
// peer's session. Pure on (state, incoming id/number); the only side effect
// is re-sending a lost ConnectAccept for a duplicate request.
func (p *Peer) ProcessConnectRequest(req *protocol.ConnectRequestData) ConnectRequestResult {
	p.stateMu.Lock()
	state := p.ConnectionState()
	sameSession := req.ConnectionId == p.connId
	p.stateMu.Unlock()

	switch state {
	case StateOutgoing:
		// Both sides dialed each other.
		return RequestP2P

	case StateConnected, StateIncoming:
		if sameSession {
			// A retry of the handshake that built this session. If we
			// already accepted, the accept was lost.
			if state == StateConnected {
				p.sendConnectAccept()
			}
			return RequestNone
		}
		if state == StateConnected {
			return RequestReconnection
		}
		return RequestNewConnection

	default: // ShutdownRequested, Disconnected
		if sameSession {
			return RequestNone
		}
		return RequestNewConnection
	}
}

// ProcessConnectAccept finishes an outgoing handshake. Returns true when
// the accept matches this session and the peer just became connected.
func (p *Peer) ProcessConnectAccept(data *protocol.ConnectAcceptData) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.ConnectionState() != StateOutgoing {
		return false
	}
	if data.ConnectionId != p.connId || data.ConnectionNumber != p.connNum {
		util.LogDebug("stale connect accept from %s", p.endpoint)
		return false
	}
	p.notePacket()
	p.setState(StateConnected)
	return true
}

// Accept admits an incoming handshake: the peer becomes connected and the
// initiator gets a ConnectAccept. Returns false when the handshake died
// before the listener decided.
func (p *Peer) Accept(connId uint64, connNum uint8) bool {
	p.stateMu.Lock()
	// Outgoing is valid here too: a simultaneous peer-to-peer handshake
	// accepts the remote's session on top of its own dial-out.
	state := p.ConnectionState()
	if state != StateIncoming && state != StateOutgoing {
		p.stateMu.Unlock()
		return false
	}
	p.connId = connId
	p.connNum = connNum
	p.setState(StateConnected)
	p.stateMu.Unlock()

	p.sendConnectAccept()
	return true
}

// Reject refuses an incoming handshake, sending a Disconnect with the
// optional payload. The record stays Disconnected until reaped.
func (p *Peer) Reject(connId uint64, connNum uint8, data []byte, offset, length int) {
	p.stateMu.Lock()
	p.connId = connId
	p.connNum = connNum
	p.setState(StateDisconnected)
	p.stateMu.Unlock()

	pkt := protocol.EncodeDisconnect(p.mgr.pool, connId, data, offset, length)
	p.sendControl(pkt)
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

// ProcessDisconnect classifies a received Disconnect datagram.
func (p *Peer) ProcessDisconnect(data *protocol.DisconnectData) DisconnectResult {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if data.ConnectionId != p.connId {
		return DisconnectResultNone
	}
	switch p.ConnectionState() {
	case StateOutgoing:
		p.setState(StateDisconnected)
		return DisconnectResultReject
	case StateConnected:
		p.setState(StateDisconnected)
		return DisconnectResultDisconnect
	case StateIncoming:
		// Never surfaced to the listener as connected, so no event.
		p.setState(StateDisconnected)
		return DisconnectResultNone
	case StateShutdownRequested:
		// Both sides hung up at once; our own goodbye already fired.
		p.setState(StateDisconnected)
		return DisconnectResultNone
	}
	return DisconnectResultNone
}

// Shutdown starts (or forces) this peer's teardown. A non-forced shutdown
// sends a Disconnect datagram and waits for ShutdownOk; a forced one drops
// straight to Disconnected. Returns false when teardown already happened.
func (p *Peer) Shutdown(data []byte, offset, length int, force bool) bool {
	p.stateMu.Lock()
	state := p.ConnectionState()
	if state == StateDisconnected || state == StateShutdownRequested {
		p.stateMu.Unlock()
		return false
	}

	if force {
		p.setState(StateDisconnected)
		p.stateMu.Unlock()
		return true
	}

	if length > 0 {
		p.goodbyeData = make([]byte, length)
		copy(p.goodbyeData, data[offset:offset+length])
	}
	p.shutdownTimerMs = 0
	p.setState(StateShutdownRequested)
	p.stateMu.Unlock()

	p.sendControl(protocol.EncodeDisconnect(p.mgr.pool, p.connId, p.goodbyeData, 0, len(p.goodbyeData)))
	return true
}

func (p *Peer) processShutdownOk() {
	p.stateMu.Lock()
	if p.ConnectionState() == StateShutdownRequested {
		p.setState(StateDisconnected)
	}
	p.stateMu.Unlock()
}

// ---------------------------------------------------------------------------
// Keep-alive
// ---------------------------------------------------------------------------

func (p *Peer) sendPing() {
	seq := uint16(p.pingSeq.Add(1))
	pkt := p.mgr.pool.GetPacket(protocol.HeaderSize(protocol.Ping), false)
	pkt.SetProperty(protocol.Ping)
	pkt.SetSequence(seq)
	p.pingSentNano.Store(time.Now().UnixNano())
	p.sendControl(pkt)
}

func (p *Peer) processPong(seq uint16) {
	if seq != uint16(p.pingSeq.Load()) {
		return
	}
	sent := p.pingSentNano.Load()
	if sent == 0 {
		return
	}
	p.pingSentNano.Store(0)
	rtt := (time.Now().UnixNano() - sent) / int64(time.Millisecond)

	if p.rttSampleCount < rttSampleWindow {
		p.rttSampleCount++
	}
	n := int64(p.rttSampleCount)
	avg := p.avgRttMs.Load()
	p.avgRttMs.Store((avg*(n-1) + rtt) / n)

	p.mgr.queueLatencyEvent(p, p.Ping())
}

// ---------------------------------------------------------------------------
// Receive dispatch
// ---------------------------------------------------------------------------

// ProcessPacket consumes one verified datagram addressed to this session.
// Ownership of pkt transfers here.
func (p *Peer) ProcessPacket(pkt *protocol.Packet) {
	pool := p.mgr.pool

	// A dead record neither answers nor delivers; it is just waiting to
	// be reaped.
	if p.ConnectionState() == StateDisconnected {
		pool.Recycle(pkt)
		return
	}
	p.notePacket()

	switch pkt.Property() {
	case protocol.Ping:
		seq := pkt.Sequence()
		pong := pool.GetPacket(protocol.HeaderSize(protocol.Pong), false)
		pong.SetProperty(protocol.Pong)
		pong.SetSequence(seq)
		binary.BigEndian.PutUint64(pong.Data[3:11], uint64(time.Now().UnixNano()))
		p.sendControl(pong)
		pool.Recycle(pkt)

	case protocol.Pong:
		p.processPong(pkt.Sequence())
		pool.Recycle(pkt)

	case protocol.Unreliable:
		p.deliver(pkt, Unreliable)

	case protocol.ReliableUnordered:
		p.relUnordered.process(pkt)

	case protocol.ReliableOrdered:
		p.relOrdered.process(pkt)

	case protocol.Sequenced:
		p.sequenced.process(pkt)

	case protocol.ReliableSequenced:
		p.relSequenced.process(pkt)

	case protocol.AckReliable:
		p.relUnordered.processAck(pkt.Sequence())
		pool.Recycle(pkt)

	case protocol.AckReliableOrdered:
		p.relOrdered.processAck(pkt.Sequence())
		pool.Recycle(pkt)

	case protocol.AckReliableSequenced:
		p.relSequenced.processAck(pkt.Sequence())
		pool.Recycle(pkt)

	case protocol.ShutdownOk:
		p.processShutdownOk()
		pool.Recycle(pkt)

	case protocol.MtuCheck:
		// Echo the probe back at the same size so the remote learns the
		// path carries it.
		pkt.SetProperty(protocol.MtuOk)
		p.mgr.sendRaw(pkt.Data[:pkt.Size], p.endpoint)
		pool.Recycle(pkt)

	case protocol.MtuOk:
		mtu := int32(binary.BigEndian.Uint32(pkt.Data[1:5]))
		if mtu > p.mtu.Load() && mtu <= protocol.MaxPacketSize {
			p.mtu.Store(mtu)
		}
		pool.Recycle(pkt)

	default:
		util.LogDebug("peer %s: unhandled property %s", p.endpoint, pkt.Property())
		pool.Recycle(pkt)
	}
}

// ---------------------------------------------------------------------------
// Logic tick
// ---------------------------------------------------------------------------

// Update advances timers by elapsedMs. Called from the manager's logic
// goroutine only.
func (p *Peer) Update(elapsedMs int64) {
	switch p.ConnectionState() {
	case StateOutgoing:
		p.connectTimerMs += elapsedMs
		if p.connectTimerMs >= int64(p.mgr.cfg.ReconnectDelay) {
			p.connectTimerMs = 0
			p.connectAttempts++
			if p.connectAttempts >= p.mgr.cfg.MaxConnectAttempts {
				p.mgr.dropPeer(p, ConnectionFailed, nil, 0)
				return
			}
			p.sendConnectRequest()
		}

	case StateConnected:
		if p.TimeSinceLastPacket() > time.Duration(p.mgr.cfg.DisconnectTimeout)*time.Millisecond {
			p.mgr.dropPeer(p, Timeout, nil, 0)
			return
		}

		p.pingTimerMs += elapsedMs
		if p.pingTimerMs >= int64(p.mgr.cfg.PingInterval) {
			p.pingTimerMs = 0
			p.sendPing()
		}

		delay := p.resendDelayMs()
		p.relUnordered.update(elapsedMs, delay)
		p.relOrdered.update(elapsedMs, delay)
		p.relSequenced.update(elapsedMs, delay)
		p.Flush()

	case StateShutdownRequested:
		if p.TimeSinceLastPacket() > time.Duration(p.mgr.cfg.DisconnectTimeout)*time.Millisecond {
			p.setState(StateDisconnected)
			return
		}
		p.shutdownTimerMs += elapsedMs
		if p.shutdownTimerMs >= int64(p.mgr.cfg.ReconnectDelay) {
			p.shutdownTimerMs = 0
			p.sendControl(protocol.EncodeDisconnect(p.mgr.pool, p.connId, p.goodbyeData, 0, len(p.goodbyeData)))
		}

	case StateIncoming:
		// The listener never accepted; let the record age out quietly.
		if p.TimeSinceLastPacket() > time.Duration(p.mgr.cfg.DisconnectTimeout)*time.Millisecond {
			p.setState(StateDisconnected)
		}
	}
}

// takeResendCount aggregates channel resends for the loss statistics.
func (p *Peer) takeResendCount() int64 {
	return p.relUnordered.takeResendCount() +
		p.relOrdered.takeResendCount() +
		p.relSequenced.takeResendCount()
}

// clearChannels recycles every packet the channels still hold. Called once
// when the record is reaped.
func (p *Peer) clearChannels() {
	p.relUnordered.clear()
	p.relOrdered.clear()
	p.relSequenced.clear()
	p.sequenced.clear()
}
