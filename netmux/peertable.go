package netmux

import (
	"net/netip"
	"sync"
)

// peerTable holds the manager's peers twice: an endpoint map for O(1)
// demultiplexing and an intrusive linked list for allocation-free walks
// from the logic tick and broadcast paths.
//
// All mutation happens under mu. The next pointers are atomic so the logic
// goroutine may walk the chain without the lock; a walker sees a consistent
// (possibly stale) snapshot. A removed peer keeps its next pointer, so a
// walker standing on it still reaches the rest of the chain. Removed peers
// are never re-inserted; reconnects allocate a fresh record.
type peerTable struct {
	mu         sync.RWMutex
	byEndpoint map[netip.AddrPort]*Peer
	head       *Peer
	tail       *Peer
	count      int
}

func newPeerTable() *peerTable {
	return &peerTable{byEndpoint: make(map[netip.AddrPort]*Peer)}
}

// tryGetValue looks up the peer owning the endpoint.
func (t *peerTable) tryGetValue(ep netip.AddrPort) (*Peer, bool) {
	t.mu.RLock()
	p, ok := t.byEndpoint[ep]
	t.mu.RUnlock()
	return p, ok
}

// tryAdd inserts peer unless its endpoint is already taken, and returns the
// record actually resident in the table.
func (t *peerTable) tryAdd(peer *Peer) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byEndpoint[peer.endpoint]; ok {
		return existing
	}

	t.byEndpoint[peer.endpoint] = peer
	if t.tail == nil {
		t.head = peer
	} else {
		t.tail.next.Store(peer)
		peer.prev = t.tail
	}
	t.tail = peer
	t.count++
	return peer
}

// removePeer unlinks peer from the map and the list. Safe to call twice.
func (t *peerTable) removePeer(peer *Peer) {
	t.mu.Lock()
	t.removeLocked(peer)
	t.mu.Unlock()
}

// removePeers unlinks a batch in one critical section.
func (t *peerTable) removePeers(peers []*Peer) {
	if len(peers) == 0 {
		return
	}
	t.mu.Lock()
	for _, p := range peers {
		t.removeLocked(p)
	}
	t.mu.Unlock()
}

func (t *peerTable) removeLocked(peer *Peer) {
	if t.byEndpoint[peer.endpoint] != peer {
		return
	}
	delete(t.byEndpoint, peer.endpoint)

	next := peer.next.Load()
	if peer.prev != nil {
		peer.prev.next.Store(next)
	} else {
		t.head = next
	}
	if next != nil {
		next.prev = peer.prev
	} else {
		t.tail = peer.prev
	}
	// peer.next stays set so concurrent walkers fall through to the
	// remainder of the chain.
	peer.prev = nil
	t.count--
}

// headPeer returns the start of the iteration chain.
func (t *peerTable) headPeer() *Peer {
	t.mu.RLock()
	p := t.head
	t.mu.RUnlock()
	return p
}

func (t *peerTable) clear() {
	t.mu.Lock()
	t.byEndpoint = make(map[netip.AddrPort]*Peer)
	t.head = nil
	t.tail = nil
	t.count = 0
	t.mu.Unlock()
}

func (t *peerTable) size() int {
	t.mu.RLock()
	n := t.count
	t.mu.RUnlock()
	return n
}
