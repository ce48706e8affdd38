package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ConnectRequestData is the parsed body of a ConnectRequest datagram.
type ConnectRequestData struct {
	ConnectionId     uint64
	ConnectionNumber uint8
	Data             []byte // opaque handshake payload, aliases the packet buffer
}

// ConnectAcceptData is the parsed body of a ConnectAccept datagram.
type ConnectAcceptData struct {
	ConnectionId     uint64
	ConnectionNumber uint8
}

// DisconnectData is the parsed body of a Disconnect datagram.
type DisconnectData struct {
	ConnectionId uint64
	Data         []byte
}

// ParseConnectRequest decodes a verified ConnectRequest packet.
func ParseConnectRequest(pkt *Packet) (*ConnectRequestData, error) {
	if pkt.Property() != ConnectRequest || pkt.Size < HeaderSize(ConnectRequest) {
		return nil, errors.New("not a connect request")
	}
	return &ConnectRequestData{
		ConnectionNumber: pkt.Data[1],
		ConnectionId:     binary.BigEndian.Uint64(pkt.Data[2:10]),
		Data:             pkt.Data[HeaderSize(ConnectRequest):pkt.Size],
	}, nil
}

// EncodeConnectRequest builds a ConnectRequest packet from the pool.
func EncodeConnectRequest(pool *PacketPool, connId uint64, connNum uint8, payload []byte) *Packet {
	pkt := pool.GetWithData(ConnectRequest, payload, 0, len(payload))
	pkt.Data[1] = connNum
	binary.BigEndian.PutUint64(pkt.Data[2:10], connId)
	return pkt
}

// ParseConnectAccept decodes a verified ConnectAccept packet.
func ParseConnectAccept(pkt *Packet) (*ConnectAcceptData, error) {
	if pkt.Property() != ConnectAccept || pkt.Size < HeaderSize(ConnectAccept) {
		return nil, errors.New("not a connect accept")
	}
	return &ConnectAcceptData{
		ConnectionNumber: pkt.Data[1],
		ConnectionId:     binary.BigEndian.Uint64(pkt.Data[2:10]),
	}, nil
}

// EncodeConnectAccept builds a ConnectAccept packet from the pool.
func EncodeConnectAccept(pool *PacketPool, connId uint64, connNum uint8) *Packet {
	pkt := pool.GetPacket(HeaderSize(ConnectAccept), true)
	pkt.SetProperty(ConnectAccept)
	pkt.Data[1] = connNum
	binary.BigEndian.PutUint64(pkt.Data[2:10], connId)
	return pkt
}

// ParseDisconnect decodes a verified Disconnect packet.
func ParseDisconnect(pkt *Packet) (*DisconnectData, error) {
	if pkt.Property() != Disconnect || pkt.Size < HeaderSize(Disconnect) {
		return nil, errors.New("not a disconnect")
	}
	return &DisconnectData{
		ConnectionId: binary.BigEndian.Uint64(pkt.Data[1:9]),
		Data:         pkt.Data[HeaderSize(Disconnect):pkt.Size],
	}, nil
}

// EncodeDisconnect builds a Disconnect packet carrying the session id and
// an optional goodbye payload.
func EncodeDisconnect(pool *PacketPool, connId uint64, payload []byte, offset, length int) *Packet {
	pkt := pool.GetWithData(Disconnect, payload, offset, length)
	binary.BigEndian.PutUint64(pkt.Data[1:9], connId)
	return pkt
}
