package netmux

import (
	"encoding/binary"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/1ureka/1ureka.net.udp/internal/util"
	"github.com/1ureka/1ureka.net.udp/protocol"
)

// simulationLatencyFloorMs: draws at or below this are delivered straight
// away instead of being queued.
const simulationLatencyFloorMs = 5

// onMessageReceived is the socket callback: one datagram (or one receive
// error) per call, on the socket goroutine. It applies the debug
// loss/latency simulation, then hands off to handleDatagram.
func (nm *NetManager) onMessageReceived(data []byte, length int, errCode int, remote netip.AddrPort) {
	if errCode != 0 {
		// A receive error kills every session at once; a single Error
		// event is the only trace (no per-peer disconnects).
		for p := nm.peers.headPeer(); p != nil; p = p.NextPeer() {
			p.clearChannels()
		}
		nm.peers.clear()
		nm.connectedCount.Store(0)
		nm.queueErrorEvent(remote, errCode)
		util.LogError("socket receive error %d", errCode)
		return
	}

	if nm.cfg.SimulatePacketLoss && rand.IntN(100) < nm.cfg.SimulationPacketLossChance {
		util.LogDebug("simulation: dropped %d bytes from %s", length, remote)
		return
	}

	if nm.cfg.SimulateLatency {
		span := nm.cfg.SimulationMaxLatency - nm.cfg.SimulationMinLatency
		if span < 1 {
			span = 1
		}
		delay := nm.cfg.SimulationMinLatency + rand.IntN(span)
		if delay > simulationLatencyFloorMs {
			nm.delayed.hold(data, length, remote, time.Now().Add(time.Duration(delay)*time.Millisecond))
			return
		}
	}

	nm.handleDatagram(data, length, remote)
}

// handleDatagram copies the wire bytes into a pooled packet, verifies it,
// and routes it. The matured debug-delay entries re-enter here so they are
// not simulated twice.
func (nm *NetManager) handleDatagram(data []byte, length int, remote netip.AddrPort) {
	pkt := nm.pool.GetPacket(length, false)
	copy(pkt.Data, data[:length])

	if !pkt.Verify() {
		util.LogDebug("malformed datagram (%d bytes) from %s", length, remote)
		nm.pool.Recycle(pkt)
		return
	}

	nm.Stats.addReceived(length)

	if pkt.Property() == protocol.Merged {
		nm.splitMerged(pkt, remote)
		return
	}

	nm.routePacket(pkt, remote)
}

// splitMerged unpacks a Merged datagram and routes each inner packet.
func (nm *NetManager) splitMerged(pkt *protocol.Packet, remote netip.AddrPort) {
	defer nm.pool.Recycle(pkt)

	pos := 1
	for pos+2 <= pkt.Size {
		size := int(binary.BigEndian.Uint16(pkt.Data[pos : pos+2]))
		pos += 2
		if size == 0 || pos+size > pkt.Size {
			util.LogDebug("malformed merged entry from %s", remote)
			return
		}
		inner := nm.pool.GetPacket(size, false)
		copy(inner.Data, pkt.Data[pos:pos+size])
		pos += size

		if !inner.Verify() || inner.Property() == protocol.Merged {
			nm.pool.Recycle(inner)
			continue
		}
		nm.routePacket(inner, remote)
	}
}

// routePacket is the property dispatch table. Ownership of pkt transfers
// here: every path either attaches it to an event, hands it to the peer,
// or recycles it.
func (nm *NetManager) routePacket(pkt *protocol.Packet, remote netip.AddrPort) {
	switch pkt.Property() {
	case protocol.DiscoveryRequest:
		if !nm.cfg.DiscoveryEnabled {
			nm.pool.Recycle(pkt)
			return
		}
		nm.queueUnconnectedEvent(eventDiscoveryRequest, remote, pkt)

	case protocol.DiscoveryResponse:
		nm.queueUnconnectedEvent(eventDiscoveryResponse, remote, pkt)

	case protocol.UnconnectedMessage:
		if !nm.cfg.UnconnectedMessagesEnabled {
			nm.pool.Recycle(pkt)
			return
		}
		nm.queueUnconnectedEvent(eventReceiveUnconnected, remote, pkt)

	case protocol.NatIntroductionRequest, protocol.NatIntroduction, protocol.NatPunchMessage:
		if !nm.cfg.NatPunchEnabled {
			nm.pool.Recycle(pkt)
			return
		}
		nm.natPunch.processMessage(remote, pkt)

	case protocol.Disconnect:
		nm.handleDisconnect(pkt, remote)

	case protocol.ConnectAccept:
		data, err := protocol.ParseConnectAccept(pkt)
		if err == nil {
			if peer, ok := nm.peers.tryGetValue(remote); ok && peer.ProcessConnectAccept(data) {
				nm.queueConnectEvent(peer)
			}
		}
		nm.pool.Recycle(pkt)

	case protocol.ConnectRequest:
		req, err := protocol.ParseConnectRequest(pkt)
		if err != nil {
			nm.pool.Recycle(pkt)
			return
		}
		nm.negotiateConnectRequest(pkt, req, remote)

	default:
		if peer, ok := nm.peers.tryGetValue(remote); ok {
			peer.ProcessPacket(pkt)
		} else {
			util.LogDebug("%s from unknown endpoint %s", pkt.Property(), remote)
			nm.pool.Recycle(pkt)
		}
	}
}

// handleDisconnect implements the Disconnect row of the routing table. The
// ShutdownOk answer goes out even when no peer owns the endpoint, so a
// remote that already tore down its local state stops retrying.
func (nm *NetManager) handleDisconnect(pkt *protocol.Packet, remote netip.AddrPort) {
	defer nm.sendShutdownOk(remote)

	data, err := protocol.ParseDisconnect(pkt)
	if err != nil {
		nm.pool.Recycle(pkt)
		return
	}
	peer, ok := nm.peers.tryGetValue(remote)
	if !ok {
		nm.pool.Recycle(pkt)
		return
	}

	switch peer.ProcessDisconnect(data) {
	case DisconnectResultNone:
		nm.pool.Recycle(pkt)
	case DisconnectResultDisconnect:
		nm.connectedCount.Add(-1)
		nm.queueDisconnectEvent(peer, RemoteConnectionClose, pkt, 0)
	case DisconnectResultReject:
		nm.queueDisconnectEvent(peer, ConnectionRejected, pkt, 0)
	}
}

func (nm *NetManager) sendShutdownOk(remote netip.AddrPort) {
	nm.sendRaw([]byte{byte(protocol.ShutdownOk)}, remote)
}

// ---------------------------------------------------------------------------
// Connection negotiation
// ---------------------------------------------------------------------------

// negotiateConnectRequest resolves the identity of an incoming handshake:
// retry, reconnect, stale record, or simultaneous dial-out. Ownership of
// pkt transfers (it backs the ConnectionRequest payload reader).
func (nm *NetManager) negotiateConnectRequest(pkt *protocol.Packet, req *protocol.ConnectRequestData, remote netip.AddrPort) {
	connNum := req.ConnectionNumber % MaxConnectionNumber

	if peer, ok := nm.peers.tryGetValue(remote); ok {
		switch peer.ProcessConnectRequest(req) {
		case RequestNone:
			nm.pool.Recycle(pkt)
			return

		case RequestP2P:
			request := &ConnectionRequest{
				mgr:     nm,
				peer:    peer,
				connId:  req.ConnectionId,
				connNum: connNum,
				Type:    PeerToPeerConnection,
				Data:    protocol.NewPacketReader(pkt, nm.pool),
			}
			nm.queueConnectionRequestEvent(request)
			return

		case RequestReconnection:
			// The old session is gone as far as the remote is concerned.
			nm.connectedCount.Add(-1)
			nm.queueDisconnectEvent(peer, RemoteConnectionClose, nil, 0)
			peer.clearChannels()
			nm.peers.removePeer(peer)
			connNum = (peer.ConnectionNum() + 1) % MaxConnectionNumber

		case RequestNewConnection:
			peer.clearChannels()
			nm.peers.removePeer(peer)
			connNum = (peer.ConnectionNum() + 1) % MaxConnectionNumber
		}
	}

	candidate := newPeer(nm, remote, req.ConnectionId, connNum, StateIncoming)
	if nm.peers.tryAdd(candidate) != candidate {
		// The socket goroutine lost a race for this endpoint; the resident
		// record will classify the retry.
		nm.pool.Recycle(pkt)
		return
	}

	request := &ConnectionRequest{
		mgr:     nm,
		peer:    candidate,
		connId:  req.ConnectionId,
		connNum: connNum,
		Type:    IncomingConnection,
		Data:    protocol.NewPacketReader(pkt, nm.pool),
	}
	nm.queueConnectionRequestEvent(request)
}

// onConnectionSolved is the listener's verdict on a ConnectionRequest.
func (nm *NetManager) onConnectionSolved(r *ConnectionRequest, rejectData []byte, reject bool) {
	defer r.Data.Recycle()

	if reject {
		r.peer.Reject(r.connId, r.connNum, rejectData, 0, len(rejectData))
		return
	}
	if r.peer.Accept(r.connId, r.connNum) {
		nm.queueConnectEvent(r.peer)
	}
}
