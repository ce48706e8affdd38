package netmux

import "sync/atomic"

// TrafficStats is the per-manager traffic counter set. All fields are
// atomics; readers get individually-consistent values.
type TrafficStats struct {
	PacketsSent     atomic.Int64
	PacketsReceived atomic.Int64
	BytesSent       atomic.Int64
	BytesReceived   atomic.Int64

	// PacketLoss counts reliable-channel resends, aggregated once per
	// logic tick.
	PacketLoss atomic.Int64
}

func (s *TrafficStats) addSent(bytes int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(bytes))
}

func (s *TrafficStats) addReceived(bytes int) {
	s.PacketsReceived.Add(1)
	s.BytesReceived.Add(int64(bytes))
}

// StatsSnapshot is a point-in-time copy, e.g. for the monitor endpoint.
type StatsSnapshot struct {
	PacketsSent     int64 `json:"packetsSent"`
	PacketsReceived int64 `json:"packetsReceived"`
	BytesSent       int64 `json:"bytesSent"`
	BytesReceived   int64 `json:"bytesReceived"`
	PacketLoss      int64 `json:"packetLoss"`
}

// Snapshot copies the counters.
func (s *TrafficStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsSent:     s.PacketsSent.Load(),
		PacketsReceived: s.PacketsReceived.Load(),
		BytesSent:       s.BytesSent.Load(),
		BytesReceived:   s.BytesReceived.Load(),
		PacketLoss:      s.PacketLoss.Load(),
	}
}
