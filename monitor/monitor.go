// Package monitor exposes a manager's live statistics over WebSocket.
// Intended for development dashboards; it is read-only and carries no
// control surface.
package monitor

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/1ureka/1ureka.net.udp/internal/util"
	"github.com/1ureka/1ureka.net.udp/netmux"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Snapshot is one JSON frame pushed to every connected client.
type Snapshot struct {
	Time      time.Time            `json:"time"`
	LocalPort int                  `json:"localPort"`
	Connected int                  `json:"connected"`
	Stats     netmux.StatsSnapshot `json:"stats"`
	Peers     []PeerInfo           `json:"peers"`
}

// PeerInfo is one peer row of a Snapshot.
type PeerInfo struct {
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`
	PingMs   int    `json:"pingMs"`
}

// Server pushes one Snapshot per second to every /ws client.
type Server struct {
	mgr      *netmux.NetManager
	listener net.Listener
}

// NewServer creates a monitor for mgr.
func NewServer(mgr *netmux.NetManager) *Server {
	return &Server{mgr: mgr}
}

// Start begins listening on addr (":0" picks a port). Returns the assigned
// port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, errors.Wrap(err, "monitor listen")
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.push(r.Context(), conn)
}

// push streams snapshots until a write fails, i.e. until the client goes
// away.
func (s *Server) push(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteJSON(s.snapshot()); err != nil {
				util.LogDebug("monitor client gone: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{
		Time:      time.Now(),
		LocalPort: s.mgr.LocalPort(),
		Connected: s.mgr.ConnectedPeersCount(),
		Stats:     s.mgr.Stats.Snapshot(),
	}
	for p := s.mgr.GetFirstPeer(); p != nil; p = p.NextPeer() {
		snap.Peers = append(snap.Peers, PeerInfo{
			Endpoint: p.EndPoint().String(),
			State:    p.ConnectionState().String(),
			PingMs:   p.Ping(),
		})
	}
	return snap
}

// Close shuts down the listener, so no new clients are accepted. Pushes to
// clients already connected are not stopped; each ends when its client
// goes away.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}
