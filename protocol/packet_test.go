package protocol

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetWithDataRoundTrip(t *testing.T) {
	pool := NewPacketPool()

	testCases := []struct {
		name    string
		prop    PacketProperty
		payload []byte
	}{
		{"unreliable small", Unreliable, []byte{0x01, 0x02, 0x03}},
		{"channeled", ReliableOrdered, []byte("hello world")},
		{"empty payload", UnconnectedMessage, nil},
		{"large payload", Unreliable, make([]byte, 16*1024)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pkt := pool.GetWithData(tc.prop, tc.payload, 0, len(tc.payload))
			assert.Equal(t, tc.prop, pkt.Property())
			assert.Equal(t, HeaderSize(tc.prop)+len(tc.payload), pkt.Size)
			assert.Equal(t, tc.payload, append([]byte(nil), pkt.Payload()...))
			pool.Recycle(pkt)
		})
	}
}

func TestPoolReusesBuffers(t *testing.T) {
	pool := NewPacketPool()

	first := pool.GetPacket(100, false)
	buf := &first.Data[0]
	pool.Recycle(first)

	second := pool.GetPacket(100, false)
	assert.Same(t, buf, &second.Data[0], "same size class should reuse the buffer")

	// A clear request really zeroes the reused buffer.
	second.Data[0] = 0xAA
	pool.Recycle(second)
	third := pool.GetPacket(100, true)
	assert.Equal(t, byte(0), third.Data[0])
}

func TestVerifyRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"unknown property", []byte{byte(propertyCount)}},
		{"reserved bits set", []byte{0x80}},
		{"channeled too short", []byte{byte(ReliableOrdered), 0x00}},
		{"connect request too short", []byte{byte(ConnectRequest), 1, 2, 3}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pkt := &Packet{Data: append([]byte(nil), tc.data...), Size: len(tc.data)}
			assert.False(t, pkt.Verify())
		})
	}
}

func TestVerifyAcceptsMinimalPackets(t *testing.T) {
	pkt := &Packet{Data: []byte{byte(ShutdownOk)}, Size: 1}
	assert.True(t, pkt.Verify())
}

func TestConnectRequestCodec(t *testing.T) {
	pool := NewPacketPool()

	pkt := EncodeConnectRequest(pool, 0xDEADBEEF12345678, 42, []byte("key"))
	require.True(t, pkt.Verify())

	parsed, err := ParseConnectRequest(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF12345678), parsed.ConnectionId)
	assert.Equal(t, uint8(42), parsed.ConnectionNumber)
	assert.Equal(t, []byte("key"), parsed.Data)
	pool.Recycle(pkt)
}

func TestConnectAcceptCodec(t *testing.T) {
	pool := NewPacketPool()

	pkt := EncodeConnectAccept(pool, 7, 3)
	require.True(t, pkt.Verify())

	parsed, err := ParseConnectAccept(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), parsed.ConnectionId)
	assert.Equal(t, uint8(3), parsed.ConnectionNumber)
	pool.Recycle(pkt)
}

func TestDisconnectCodec(t *testing.T) {
	pool := NewPacketPool()

	pkt := EncodeDisconnect(pool, 99, []byte{0xFF, 0xFE}, 0, 2)
	require.True(t, pkt.Verify())

	parsed, err := ParseDisconnect(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), parsed.ConnectionId)
	assert.Equal(t, []byte{0xFF, 0xFE}, parsed.Data)
	pool.Recycle(pkt)
}

func TestReaderWriterRoundTrip(t *testing.T) {
	ep := netip.MustParseAddrPort("192.168.1.7:9050")
	ep6 := netip.MustParseAddrPort("[2001:db8::1]:443")

	w := NewWriter()
	w.PutByte(0x7F)
	w.PutBool(true)
	w.PutUint16(0xBEEF)
	w.PutUint32(0xCAFEBABE)
	w.PutUint64(1 << 60)
	w.PutString("token")
	w.PutAddrPort(ep)
	w.PutAddrPort(ep6)
	w.PutBytes([]byte{1, 2, 3})

	r := NewReader(w.Bytes())

	b, err := r.GetByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7F), b)

	ok, err := r.GetBool()
	require.NoError(t, err)
	assert.True(t, ok)

	u16, err := r.GetUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), u16)

	u32, err := r.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), u32)

	u64, err := r.GetUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<60), u64)

	s, err := r.GetString()
	require.NoError(t, err)
	assert.Equal(t, "token", s)

	got, err := r.GetAddrPort()
	require.NoError(t, err)
	assert.Equal(t, ep, got)

	got6, err := r.GetAddrPort()
	require.NoError(t, err)
	assert.Equal(t, ep6, got6)

	assert.Equal(t, []byte{1, 2, 3}, r.GetRemainingBytes())
	assert.Equal(t, 0, r.Remaining())

	_, err = r.GetByte()
	assert.ErrorIs(t, err, ErrReadPastEnd)
}
