package netmux

import (
	"net/netip"
	"sync"
	"time"
)

// delayedDatagram is one entry of the debug latency simulation.
type delayedDatagram struct {
	data      []byte
	remote    netip.AddrPort
	releaseAt time.Time
}

// delayedQueue holds simulated-latency datagrams until they mature. The
// list is tiny in practice, so a linear sweep beats heap bookkeeping.
type delayedQueue struct {
	mu      sync.Mutex
	entries []delayedDatagram
}

func (q *delayedQueue) hold(data []byte, length int, remote netip.AddrPort, releaseAt time.Time) {
	buf := make([]byte, length)
	copy(buf, data[:length])
	q.mu.Lock()
	q.entries = append(q.entries, delayedDatagram{data: buf, remote: remote, releaseAt: releaseAt})
	q.mu.Unlock()
}

// takeMatured removes and returns every entry due at or before now.
func (q *delayedQueue) takeMatured(now time.Time) []delayedDatagram {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matured []delayedDatagram
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !e.releaseAt.After(now) {
			matured = append(matured, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return matured
}

func (q *delayedQueue) clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}

// logicLoop is the manager's periodic tick: drain matured simulated
// datagrams, advance every peer, reap dead records, aggregate loss, then
// sleep out the remainder of the period.
func (nm *NetManager) logicLoop() {
	defer close(nm.logicDone)

	period := nm.cfg.updatePeriod()
	reapAfter := time.Duration(nm.cfg.DisconnectTimeout) * time.Millisecond
	last := time.Now()
	var reapList []*Peer

	for nm.running.Load() {
		start := time.Now()

		elapsed := start.Sub(last).Milliseconds()
		if elapsed < 1 {
			elapsed = 1
		}
		last = start

		for _, e := range nm.delayed.takeMatured(start) {
			nm.handleDatagram(e.data, len(e.data), e.remote)
		}

		var lost int64
		for p := nm.peers.headPeer(); p != nil; p = p.NextPeer() {
			if p.ConnectionState() == StateDisconnected {
				if p.timeSinceDead() > reapAfter {
					reapList = append(reapList, p)
				}
			} else {
				p.Update(elapsed)
			}
			lost += p.takeResendCount()
		}

		if len(reapList) > 0 {
			for _, p := range reapList {
				p.clearChannels()
			}
			nm.peers.removePeers(reapList)
			reapList = reapList[:0]
		}

		if lost > 0 {
			nm.Stats.PacketLoss.Add(lost)
		}

		if sleep := period - time.Since(start); sleep > 0 {
			time.Sleep(sleep)
		}
	}
}
