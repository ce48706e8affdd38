// Lanscan — discover transport hosts on the local network.
//
// Default mode broadcasts a DiscoveryRequest and prints every responder.
// With -listen it answers requests with a banner instead.
package main

import (
	"context"
	"flag"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/1ureka/1ureka.net.udp/internal/util"
	"github.com/1ureka/1ureka.net.udp/netmux"
	"github.com/1ureka/1ureka.net.udp/protocol"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	port := flag.Int("port", 9051, "Discovery UDP port")
	listen := flag.Bool("listen", false, "Answer discovery requests instead of scanning")
	banner := flag.String("banner", "lanscan host", "Banner sent in discovery responses (-listen)")
	timeout := flag.Duration("timeout", 3*time.Second, "How long to wait for responses")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	if *listen {
		runResponder(ctx, *port, *banner)
		return
	}
	runScan(ctx, *port, *timeout)
}

// discoveryListener handles both scan directions; the other callbacks are
// inert because no connections are made.
type discoveryListener struct {
	mgr    *netmux.NetManager
	banner string
}

func (d *discoveryListener) OnNetworkReceiveUnconnected(ep netip.AddrPort, reader *protocol.Reader, msgType netmux.UnconnectedMessageType) {
	switch msgType {
	case netmux.DiscoveryRequestMessage:
		util.LogInfo("probe from %s", ep)
		d.mgr.SendDiscoveryResponse([]byte(d.banner), ep)
	case netmux.DiscoveryResponseMessage:
		util.LogInfo("found %s: %s", ep, reader.GetRemainingBytes())
	}
}

func (d *discoveryListener) OnPeerConnected(peer *netmux.Peer) {}
func (d *discoveryListener) OnPeerDisconnected(peer *netmux.Peer, info netmux.DisconnectInfo) {
}
func (d *discoveryListener) OnNetworkReceive(peer *netmux.Peer, reader *protocol.Reader, method netmux.DeliveryMethod) {
}
func (d *discoveryListener) OnNetworkError(ep netip.AddrPort, errCode int) {
	util.LogError("network error %d (%s)", errCode, ep)
}
func (d *discoveryListener) OnNetworkLatencyUpdate(peer *netmux.Peer, latencyMs int) {}
func (d *discoveryListener) OnConnectionRequest(req *netmux.ConnectionRequest) {
	req.Reject(nil)
}

func runResponder(ctx context.Context, port int, banner string) {
	listener := &discoveryListener{banner: banner}
	cfg := netmux.DefaultConfig()
	cfg.DiscoveryEnabled = true
	cfg.AutoRecycle = true

	mgr := netmux.NewNetManager(listener, cfg)
	listener.mgr = mgr
	if !mgr.Start(port) {
		os.Exit(1)
	}
	defer mgr.Stop()
	util.LogInfo("answering discovery on :%d", port)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mgr.PollEvents()
		case <-ctx.Done():
			return
		}
	}
}

func runScan(ctx context.Context, port int, timeout time.Duration) {
	listener := &discoveryListener{}
	cfg := netmux.DefaultConfig()
	cfg.AutoRecycle = true
	mgr := netmux.NewNetManager(listener, cfg)
	listener.mgr = mgr
	if !mgr.Start(0) {
		os.Exit(1)
	}
	defer mgr.Stop()

	if !mgr.SendDiscoveryRequest([]byte("ping"), port) {
		util.LogError("broadcast failed")
		os.Exit(1)
	}
	util.LogInfo("scanning :%d ...", port)

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mgr.PollEvents()
		case <-deadline:
			return
		case <-ctx.Done():
			return
		}
	}
}
