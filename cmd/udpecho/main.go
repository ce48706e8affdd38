// Udpecho — echo host and client over the reliable UDP transport.
//
// Host mode accepts every connection whose handshake payload matches -key
// and echoes received messages back on the delivery method they arrived
// with. Client mode connects, sends numbered lines and prints the echoes
// plus latency updates.
//
// Usage:
//
//	udpecho -role host -port 9050 [-key secret] [-monitor]
//	udpecho -role client -addr 127.0.0.1:9050 [-key secret] [-count 10]
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/1ureka.net.udp/internal/util"
	"github.com/1ureka/1ureka.net.udp/monitor"
	"github.com/1ureka/1ureka.net.udp/netmux"
	"github.com/1ureka/1ureka.net.udp/protocol"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	role := flag.String("role", "", "Role: host or client")
	port := flag.Int("port", 9050, "UDP port to listen on (host)")
	addr := flag.String("addr", "", "host endpoint, e.g. 127.0.0.1:9050 (client)")
	key := flag.String("key", "udpecho", "Connection key")
	count := flag.Int("count", 10, "Messages to send (client)")
	monitorMode := flag.Bool("monitor", false, "Expose live stats over WebSocket (host)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("udpecho — v%s", version))

	switch *role {
	case "host":
		runHost(ctx, *port, *key, *monitorMode)
	case "client":
		ep, err := netip.ParseAddrPort(*addr)
		if err != nil {
			util.LogError("invalid or missing -addr: %v", err)
			os.Exit(1)
		}
		runClient(ctx, ep, *key, *count)
	default:
		util.LogError("missing -role (host or client)")
		os.Exit(1)
	}
}

// hostListener accepts key-matching peers and echoes their traffic.
type hostListener struct {
	mgr *netmux.NetManager
	key string
}

func (h *hostListener) OnConnectionRequest(req *netmux.ConnectionRequest) {
	got, err := req.Data.GetString()
	if err != nil || got != h.key {
		util.LogWarning("rejected %s: bad key", req.RemoteEndPoint())
		req.Reject([]byte("bad key"))
		return
	}
	req.Accept()
}

func (h *hostListener) OnPeerConnected(peer *netmux.Peer) {
	util.LogInfo("connected: %s", peer.EndPoint())
}

func (h *hostListener) OnPeerDisconnected(peer *netmux.Peer, info netmux.DisconnectInfo) {
	util.LogInfo("disconnected: %s (%s)", peer.EndPoint(), info.Reason)
}

func (h *hostListener) OnNetworkReceive(peer *netmux.Peer, reader *protocol.Reader, method netmux.DeliveryMethod) {
	msg := reader.GetRemainingBytes()
	peer.Send(msg, 0, len(msg), method)
}

func (h *hostListener) OnNetworkReceiveUnconnected(ep netip.AddrPort, reader *protocol.Reader, msgType netmux.UnconnectedMessageType) {
}

func (h *hostListener) OnNetworkError(ep netip.AddrPort, errCode int) {
	util.LogError("network error %d (%s)", errCode, ep)
}

func (h *hostListener) OnNetworkLatencyUpdate(peer *netmux.Peer, latencyMs int) {}

func runHost(ctx context.Context, port int, key string, withMonitor bool) {
	listener := &hostListener{key: key}
	cfg := netmux.DefaultConfig()
	cfg.AutoRecycle = true
	mgr := netmux.NewNetManager(listener, cfg)
	listener.mgr = mgr

	if !mgr.Start(port) {
		os.Exit(1)
	}
	defer mgr.Stop()
	util.LogInfo("echo host listening on :%d", mgr.LocalPort())

	if withMonitor {
		mon := monitor.NewServer(mgr)
		monPort, err := mon.Start(":0")
		if err != nil {
			util.LogError("%v", err)
		} else {
			util.LogInfo("monitor: ws://127.0.0.1:%d/ws", monPort)
			defer mon.Close()
		}
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mgr.PollEvents()
		case <-ctx.Done():
			util.LogInfo("shutting down")
			return
		}
	}
}

// clientListener prints echoes and latency updates.
type clientListener struct {
	received chan []byte
}

func (c *clientListener) OnPeerConnected(peer *netmux.Peer) {
	util.LogInfo("connected to %s", peer.EndPoint())
}

func (c *clientListener) OnPeerDisconnected(peer *netmux.Peer, info netmux.DisconnectInfo) {
	util.LogInfo("disconnected (%s)", info.Reason)
	if info.AdditionalData != nil && info.AdditionalData.Remaining() > 0 {
		util.LogInfo("server said: %s", info.AdditionalData.GetRemainingBytes())
	}
}

func (c *clientListener) OnNetworkReceive(peer *netmux.Peer, reader *protocol.Reader, method netmux.DeliveryMethod) {
	select {
	case c.received <- reader.GetRemainingBytes():
	default:
	}
}

func (c *clientListener) OnNetworkReceiveUnconnected(ep netip.AddrPort, reader *protocol.Reader, msgType netmux.UnconnectedMessageType) {
}

func (c *clientListener) OnNetworkError(ep netip.AddrPort, errCode int) {
	util.LogError("network error %d (%s)", errCode, ep)
}

func (c *clientListener) OnNetworkLatencyUpdate(peer *netmux.Peer, latencyMs int) {
	util.LogDebug("latency: %d ms", latencyMs)
}

func (c *clientListener) OnConnectionRequest(req *netmux.ConnectionRequest) {
	req.Reject(nil)
}

func runClient(ctx context.Context, host netip.AddrPort, key string, count int) {
	listener := &clientListener{received: make(chan []byte, 16)}
	cfg := netmux.DefaultConfig()
	cfg.AutoRecycle = true
	mgr := netmux.NewNetManager(listener, cfg)

	if !mgr.Start(0) {
		os.Exit(1)
	}
	defer mgr.Stop()

	w := protocol.NewWriter()
	w.PutString(key)
	peer, err := mgr.Connect(host, w.Bytes())
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	sendEvery := time.NewTicker(500 * time.Millisecond)
	defer sendEvery.Stop()

	sent := 0
	for {
		select {
		case <-ticker.C:
			mgr.PollEvents()

		case <-sendEvery.C:
			if peer.ConnectionState() != netmux.StateConnected {
				continue
			}
			if sent >= count {
				mgr.DisconnectPeer(peer, nil)
				// Drain the goodbye, then leave.
				time.Sleep(100 * time.Millisecond)
				mgr.PollEvents()
				return
			}
			sent++
			msg := fmt.Sprintf("echo %d", sent)
			peer.Send([]byte(msg), 0, len(msg), netmux.ReliableOrdered)

		case echo := <-listener.received:
			util.LogInfo("<- %s (ping %d ms)", echo, peer.Ping())

		case <-ctx.Done():
			mgr.DisconnectAll(nil)
			return
		}
	}
}
