package protocol

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// MaxPacketSize is the largest datagram the transport will send or accept.
const MaxPacketSize = 65507

// MinMtu is the conservative payload floor every path is assumed to carry.
const MinMtu = 1432

// Packet is an owned datagram buffer. Data[0] carries the property byte;
// Size is the number of valid bytes in Data. Packets are obtained from a
// PacketPool and must be recycled exactly once.
type Packet struct {
	Data []byte
	Size int
}

// Property returns the parsed property byte.
func (p *Packet) Property() PacketProperty {
	return PacketProperty(p.Data[0] & propertyMask)
}

// SetProperty overwrites the property byte.
func (p *Packet) SetProperty(prop PacketProperty) {
	p.Data[0] = byte(prop)
}

// Verify reports whether the packet is well formed: a known property code,
// reserved bits clear, and at least the property's header size.
func (p *Packet) Verify() bool {
	if p.Size < 1 || p.Size > len(p.Data) {
		return false
	}
	if p.Data[0]&^propertyMask != 0 {
		return false
	}
	prop := p.Property()
	return prop < propertyCount && p.Size >= HeaderSize(prop)
}

// Sequence returns the 2-byte sequence number of a channeled, ack or ping
// packet.
func (p *Packet) Sequence() uint16 {
	return binary.BigEndian.Uint16(p.Data[1:3])
}

// SetSequence writes the 2-byte sequence number.
func (p *Packet) SetSequence(seq uint16) {
	binary.BigEndian.PutUint16(p.Data[1:3], seq)
}

// Payload returns the bytes after the property-specific header.
func (p *Packet) Payload() []byte {
	return p.Data[HeaderSize(p.Property()):p.Size]
}

// endpoint wire encoding: [family:1][ip][port:2] with family 4 or 6.

const (
	familyV4 = 4
	familyV6 = 6
)

// AppendAddrPort appends the wire encoding of ep to buf.
func AppendAddrPort(buf []byte, ep netip.AddrPort) []byte {
	addr := ep.Addr().Unmap()
	if addr.Is4() {
		buf = append(buf, familyV4)
	} else {
		buf = append(buf, familyV6)
	}
	buf = append(buf, addr.AsSlice()...)
	return binary.BigEndian.AppendUint16(buf, ep.Port())
}

// ConsumeAddrPort decodes an endpoint from the front of buf and returns the
// remaining bytes.
func ConsumeAddrPort(buf []byte) (netip.AddrPort, []byte, error) {
	if len(buf) < 1 {
		return netip.AddrPort{}, nil, errors.New("truncated endpoint")
	}
	var ipLen int
	switch buf[0] {
	case familyV4:
		ipLen = 4
	case familyV6:
		ipLen = 16
	default:
		return netip.AddrPort{}, nil, errors.Errorf("bad address family %d", buf[0])
	}
	if len(buf) < 1+ipLen+2 {
		return netip.AddrPort{}, nil, errors.New("truncated endpoint")
	}
	addr, ok := netip.AddrFromSlice(buf[1 : 1+ipLen])
	if !ok {
		return netip.AddrPort{}, nil, errors.New("bad endpoint address")
	}
	port := binary.BigEndian.Uint16(buf[1+ipLen : 1+ipLen+2])
	return netip.AddrPortFrom(addr, port), buf[1+ipLen+2:], nil
}
