package netmux

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.udp/protocol"
)

const eventWait = 5 * time.Second

type discRec struct {
	peer   *Peer
	reason DisconnectReason
	data   []byte
}

type recvRec struct {
	peer   *Peer
	data   []byte
	method DeliveryMethod
}

type unconnRec struct {
	ep      netip.AddrPort
	data    []byte
	msgType UnconnectedMessageType
}

// recListener records every event on buffered channels and resolves
// connection requests by policy.
type recListener struct {
	rejectAll  bool
	rejectWith []byte

	requests     chan []byte
	connected    chan *Peer
	disconnected chan discRec
	received     chan recvRec
	unconnected  chan unconnRec
	latency      chan int
	netErrors    chan int
}

func newRecListener() *recListener {
	return &recListener{
		requests:     make(chan []byte, 32),
		connected:    make(chan *Peer, 32),
		disconnected: make(chan discRec, 32),
		received:     make(chan recvRec, 32),
		unconnected:  make(chan unconnRec, 32),
		latency:      make(chan int, 32),
		netErrors:    make(chan int, 32),
	}
}

func (l *recListener) OnConnectionRequest(req *ConnectionRequest) {
	l.requests <- req.Data.GetRemainingBytes()
	if l.rejectAll {
		req.Reject(l.rejectWith)
		return
	}
	req.Accept()
}

func (l *recListener) OnPeerConnected(peer *Peer) {
	l.connected <- peer
}

func (l *recListener) OnPeerDisconnected(peer *Peer, info DisconnectInfo) {
	rec := discRec{peer: peer, reason: info.Reason}
	if info.AdditionalData != nil {
		rec.data = info.AdditionalData.GetRemainingBytes()
	}
	l.disconnected <- rec
}

func (l *recListener) OnNetworkReceive(peer *Peer, reader *protocol.Reader, method DeliveryMethod) {
	l.received <- recvRec{peer: peer, data: reader.GetRemainingBytes(), method: method}
}

func (l *recListener) OnNetworkReceiveUnconnected(ep netip.AddrPort, reader *protocol.Reader, msgType UnconnectedMessageType) {
	l.unconnected <- unconnRec{ep: ep, data: reader.GetRemainingBytes(), msgType: msgType}
}

func (l *recListener) OnNetworkError(ep netip.AddrPort, errCode int) {
	l.netErrors <- errCode
}

func (l *recListener) OnNetworkLatencyUpdate(peer *Peer, latencyMs int) {
	select {
	case l.latency <- latencyMs:
	default:
	}
}

// startManager starts a manager on loopback and pumps its events until the
// test ends.
func startManager(t *testing.T, l EventListener, cfg Config) *NetManager {
	t.Helper()
	nm := NewNetManager(l, cfg)
	require.True(t, nm.StartOn("127.0.0.1", "", 0))

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			nm.PollEvents()
			time.Sleep(2 * time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		nm.Stop()
		close(done)
	})
	return nm
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoRecycle = true
	return cfg
}

func endpointOf(nm *NetManager) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(nm.LocalPort()))
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(eventWait):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestConnectBeforeStartFails(t *testing.T) {
	nm := NewNetManager(newRecListener(), testConfig())
	_, err := nm.Connect(testEndpoint(1), nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStartWhileRunningFails(t *testing.T) {
	nm := startManager(t, newRecListener(), testConfig())
	assert.False(t, nm.StartOn("127.0.0.1", "", 0))
}

func TestStopIdempotent(t *testing.T) {
	nm := NewNetManager(newRecListener(), testConfig())
	require.True(t, nm.StartOn("127.0.0.1", "", 0))
	nm.Stop()
	nm.Stop()
	assert.False(t, nm.IsRunning())
}

func TestConnectReceiveDisconnect(t *testing.T) {
	srvL := newRecListener()
	cliL := newRecListener()
	srv := startManager(t, srvL, testConfig())
	cli := startManager(t, cliL, testConfig())

	cliPeer, err := cli.Connect(endpointOf(srv), []byte("key"))
	require.NoError(t, err)

	assert.Equal(t, []byte("key"), recv(t, srvL.requests, "handshake payload"))
	srvPeer := recv(t, srvL.connected, "server connect event")
	recv(t, cliL.connected, "client connect event")

	assert.Equal(t, StateConnected, cliPeer.ConnectionState())
	assert.Equal(t, 1, srv.ConnectedPeersCount())
	assert.Equal(t, 1, cli.ConnectedPeersCount())

	cliPeer.Send([]byte{0x01, 0x02, 0x03}, 0, 3, Unreliable)
	got := recv(t, srvL.received, "server receive event")
	assert.Same(t, srvPeer, got.peer)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got.data)
	assert.Equal(t, Unreliable, got.method)

	cli.DisconnectPeer(cliPeer, []byte{0xBB})

	cliDisc := recv(t, cliL.disconnected, "client disconnect event")
	assert.Equal(t, DisconnectPeerCalled, cliDisc.reason)

	srvDisc := recv(t, srvL.disconnected, "server disconnect event")
	assert.Same(t, srvPeer, srvDisc.peer)
	assert.Equal(t, RemoteConnectionClose, srvDisc.reason)
	assert.Equal(t, []byte{0xBB}, srvDisc.data)

	assert.Eventually(t, func() bool {
		return srv.ConnectedPeersCount() == 0 && cli.ConnectedPeersCount() == 0
	}, eventWait, 10*time.Millisecond)
}

func TestRejectCarriesData(t *testing.T) {
	srvL := newRecListener()
	srvL.rejectAll = true
	srvL.rejectWith = []byte{0xFF}
	cliL := newRecListener()
	srv := startManager(t, srvL, testConfig())
	cli := startManager(t, cliL, testConfig())

	_, err := cli.Connect(endpointOf(srv), []byte("key"))
	require.NoError(t, err)

	disc := recv(t, cliL.disconnected, "client reject event")
	assert.Equal(t, ConnectionRejected, disc.reason)
	assert.Equal(t, []byte{0xFF}, disc.data)

	assert.Empty(t, srvL.connected, "server must not emit Connect for a rejected peer")
	assert.Equal(t, 0, srv.ConnectedPeersCount())
}

func TestReliableOrderedEndToEnd(t *testing.T) {
	srvL := newRecListener()
	cliL := newRecListener()
	srv := startManager(t, srvL, testConfig())
	cli := startManager(t, cliL, testConfig())

	cliPeer, err := cli.Connect(endpointOf(srv), nil)
	require.NoError(t, err)
	recv(t, srvL.connected, "server connect event")
	recv(t, cliL.connected, "client connect event")

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, pl := range payloads {
		cliPeer.Send(pl, 0, len(pl), ReliableOrdered)
	}

	for _, want := range payloads {
		got := recv(t, srvL.received, "reliable ordered message")
		assert.Equal(t, want, got.data)
		assert.Equal(t, ReliableOrdered, got.method)
	}
}

func TestMergedDelivery(t *testing.T) {
	srvL := newRecListener()
	cliL := newRecListener()
	cliCfg := testConfig()
	cliCfg.MergeEnabled = true

	srv := startManager(t, srvL, testConfig())
	cli := startManager(t, cliL, cliCfg)

	cliPeer, err := cli.Connect(endpointOf(srv), nil)
	require.NoError(t, err)
	recv(t, cliL.connected, "client connect event")

	for i := byte(0); i < 3; i++ {
		cliPeer.Send([]byte{i}, 0, 1, ReliableOrdered)
	}
	cli.Flush()

	for i := byte(0); i < 3; i++ {
		got := recv(t, srvL.received, "merged message")
		assert.Equal(t, []byte{i}, got.data)
	}
}

func TestIdleTimeout(t *testing.T) {
	srvCfg := testConfig()
	srvCfg.DisconnectTimeout = 500
	srvL := newRecListener()
	cliL := newRecListener()
	srv := startManager(t, srvL, srvCfg)
	cli := startManager(t, cliL, testConfig())

	cliPeer, err := cli.Connect(endpointOf(srv), nil)
	require.NoError(t, err)
	srvPeer := recv(t, srvL.connected, "server connect event")
	recv(t, cliL.connected, "client connect event")

	// Silence the client without a goodbye datagram.
	cli.DisconnectPeerForce(cliPeer)
	recv(t, cliL.disconnected, "client force disconnect event")

	disc := recv(t, srvL.disconnected, "server timeout event")
	assert.Same(t, srvPeer, disc.peer)
	assert.Equal(t, Timeout, disc.reason)

	// The dead record is reaped after another DisconnectTimeout.
	assert.Eventually(t, func() bool { return srv.PeersCount() == 0 },
		eventWait, 20*time.Millisecond)
}

func TestReconnectReplacesIdentity(t *testing.T) {
	srvL := newRecListener()
	cliL := newRecListener()
	srv := startManager(t, srvL, testConfig())
	cli := startManager(t, cliL, testConfig())

	first, err := cli.Connect(endpointOf(srv), nil)
	require.NoError(t, err)
	srvPeer1 := recv(t, srvL.connected, "first connect")
	recv(t, cliL.connected, "client first connect")
	firstNum := srvPeer1.ConnectionNum()

	// Drop the session silently, as a crashed process would, then dial
	// again from the same endpoint.
	cli.DisconnectPeerForce(first)
	recv(t, cliL.disconnected, "client force disconnect")

	second, err := cli.Connect(endpointOf(srv), nil)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	srvPeer2 := recv(t, srvL.connected, "second connect")
	recv(t, cliL.connected, "client second connect")

	// The synthetic disconnect for the stale session must already be
	// recorded by the time the new session connects.
	select {
	case disc := <-srvL.disconnected:
		assert.Same(t, srvPeer1, disc.peer)
		assert.Equal(t, RemoteConnectionClose, disc.reason)
	default:
		t.Fatal("expected synthetic disconnect before new session connect")
	}

	assert.NotSame(t, srvPeer1, srvPeer2)
	assert.NotEqual(t, srvPeer1.ConnectId(), srvPeer2.ConnectId())
	assert.Equal(t, (firstNum+1)%MaxConnectionNumber, srvPeer2.ConnectionNum())
	assert.Equal(t, 1, srv.ConnectedPeersCount())
}

func TestUnconnectedMessageGating(t *testing.T) {
	enabledCfg := testConfig()
	enabledCfg.UnconnectedMessagesEnabled = true

	openL := newRecListener()
	closedL := newRecListener()
	senderL := newRecListener()

	open := startManager(t, openL, enabledCfg)
	closed := startManager(t, closedL, testConfig())
	sender := startManager(t, senderL, testConfig())

	require.True(t, sender.SendUnconnectedMessage([]byte{0xAA}, endpointOf(open)))
	got := recv(t, openL.unconnected, "unconnected message")
	assert.Equal(t, BasicMessage, got.msgType)
	assert.Equal(t, []byte{0xAA}, got.data)
	assert.Equal(t, endpointOf(sender), got.ep)

	require.True(t, sender.SendUnconnectedMessage([]byte{0xAB}, endpointOf(closed)))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, closedL.unconnected, "gated manager must drop unconnected messages")
}

func TestDiscoveryGatingAndResponse(t *testing.T) {
	enabledCfg := testConfig()
	enabledCfg.DiscoveryEnabled = true

	openL := newRecListener()
	closedL := newRecListener()
	open := startManager(t, openL, enabledCfg)
	closed := startManager(t, closedL, testConfig())

	// A bare UDP socket plays the prober so no broadcast is needed.
	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer probe.Close()

	request := append([]byte{byte(protocol.DiscoveryRequest)}, 0xAA)

	// Gated manager: no event.
	_, err = probe.WriteToUDPAddrPort(request, endpointOf(closed))
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, closedL.unconnected)

	// Enabled manager: event plus a response on the same path.
	_, err = probe.WriteToUDPAddrPort(request, endpointOf(open))
	require.NoError(t, err)
	got := recv(t, openL.unconnected, "discovery request event")
	assert.Equal(t, DiscoveryRequestMessage, got.msgType)
	assert.Equal(t, []byte{0xAA}, got.data)

	require.True(t, open.SendDiscoveryResponse([]byte{0xBB}, got.ep))

	require.NoError(t, probe.SetReadDeadline(time.Now().Add(eventWait)))
	buf := make([]byte, 64)
	n, _, err := probe.ReadFromUDP(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, byte(protocol.DiscoveryResponse), buf[0])
	assert.Equal(t, byte(0xBB), buf[1])
}

func TestLatencyUpdates(t *testing.T) {
	cliCfg := testConfig()
	cliCfg.PingInterval = 100

	srvL := newRecListener()
	cliL := newRecListener()
	srv := startManager(t, srvL, testConfig())
	cli := startManager(t, cliL, cliCfg)

	_, err := cli.Connect(endpointOf(srv), nil)
	require.NoError(t, err)
	recv(t, cliL.connected, "client connect event")

	latency := recv(t, cliL.latency, "latency update")
	assert.GreaterOrEqual(t, latency, 0)
}

func TestGetPeersFiltersByState(t *testing.T) {
	srvL := newRecListener()
	cliL := newRecListener()
	srv := startManager(t, srvL, testConfig())
	cli := startManager(t, cliL, testConfig())

	cliPeer, err := cli.Connect(endpointOf(srv), nil)
	require.NoError(t, err)
	recv(t, cliL.connected, "client connect event")

	connected := cli.GetPeers(StateConnected)
	require.Len(t, connected, 1)
	assert.Same(t, cliPeer, connected[0])
	assert.Same(t, cliPeer, cli.GetFirstPeer())

	assert.Empty(t, cli.GetPeers(StateOutgoing))

	var scratch []*Peer
	cli.GetPeersNonAlloc(&scratch, StateAny)
	assert.Len(t, scratch, 1)
}

func TestConnectTwiceReturnsSamePeer(t *testing.T) {
	srvL := newRecListener()
	cliL := newRecListener()
	srv := startManager(t, srvL, testConfig())
	cli := startManager(t, cliL, testConfig())

	first, err := cli.Connect(endpointOf(srv), nil)
	require.NoError(t, err)
	second, err := cli.Connect(endpointOf(srv), nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestConnectFailedAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectDelay = 50
	cfg.MaxConnectAttempts = 3

	cliL := newRecListener()
	cli := startManager(t, cliL, cfg)

	// A bound but managerless socket swallows the requests.
	hole, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer hole.Close()
	ep := hole.LocalAddr().(*net.UDPAddr).AddrPort()

	_, err = cli.Connect(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), ep.Port()), nil)
	require.NoError(t, err)

	disc := recv(t, cliL.disconnected, "connect failure event")
	assert.Equal(t, ConnectionFailed, disc.reason)
}
