// Package netmux implements a connection-oriented, reliable message
// transport multiplexed over a single UDP socket.
//
// A NetManager owns the socket, keeps one Peer per remote endpoint, drives
// every peer's protocol state from a periodic logic goroutine, and turns
// incoming datagrams into an ordered stream of events (connect, disconnect,
// receive, discovery, latency, errors) delivered to an EventListener from
// PollEvents.
package netmux

import "time"

// Config is read by the logic and receive paths after Start. Mutating it
// while the manager is running is out of contract.
type Config struct {
	// UpdateTime is the logic tick period in milliseconds.
	UpdateTime int

	// PingInterval is the keep-alive ping period in milliseconds.
	PingInterval int

	// DisconnectTimeout is how long a peer may stay silent, in
	// milliseconds, before it is considered dead. A peer that has
	// finished disconnecting is reaped after the same interval.
	DisconnectTimeout int

	// ReconnectDelay is the gap between ConnectRequest retries in
	// milliseconds.
	ReconnectDelay int

	// MaxConnectAttempts bounds ConnectRequest retries before the
	// handshake is abandoned.
	MaxConnectAttempts int

	// ReuseAddress sets SO_REUSEADDR on the bound sockets.
	ReuseAddress bool

	// UnconnectedMessagesEnabled accepts UnconnectedMessage datagrams
	// from endpoints without a connection.
	UnconnectedMessagesEnabled bool

	// NatPunchEnabled routes NAT introduction datagrams to the punch
	// module.
	NatPunchEnabled bool

	// DiscoveryEnabled delivers DiscoveryRequest datagrams to the listener
	// (which may answer with SendDiscoveryResponse); otherwise they are
	// dropped.
	DiscoveryEnabled bool

	// MergeEnabled coalesces queued datagrams per peer into Merged
	// datagrams at flush time.
	MergeEnabled bool

	// UnsyncedEvents dispatches events synchronously on the producing
	// goroutine instead of queueing for PollEvents. The listener must
	// then handle its own reentrancy.
	UnsyncedEvents bool

	// AutoRecycle recycles receive packets as soon as the listener
	// callback returns.
	AutoRecycle bool

	// Debug simulation knobs. Inherently approximate.
	SimulatePacketLoss         bool
	SimulateLatency            bool
	SimulationPacketLossChance int // percent, 0..100
	SimulationMinLatency       int // ms
	SimulationMaxLatency       int // ms
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		UpdateTime:           15,
		PingInterval:         1000,
		DisconnectTimeout:    5000,
		ReconnectDelay:       500,
		MaxConnectAttempts:   10,
		SimulationMinLatency: 30,
		SimulationMaxLatency: 100,
	}
}

func (c *Config) updatePeriod() time.Duration {
	return time.Duration(c.UpdateTime) * time.Millisecond
}
