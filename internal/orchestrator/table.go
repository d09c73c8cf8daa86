package orchestrator

import (
	"fmt"
	"net/netip"

	lru "github.com/hashicorp/golang-lru"
)

// Peer is the handle of a per-address worker.
type Peer interface {
	// Deliver hands a segment to the worker, in submission order.
	Deliver(seg *Segment)
	// Stop ends the worker. Further deliveries are dropped.
	Stop()
}

// AddressTable maps remote addresses to their workers. Without a bound it
// keeps every worker for the lifetime of the process. With a bound the least
// recently used worker is stopped and forgotten when a new one is added.
type AddressTable struct {
	peers map[netip.AddrPort]Peer
	lru   *lru.Cache
}

// NewAddressTable creates a table. maxPeers <= 0 means unbounded.
func NewAddressTable(maxPeers int) (*AddressTable, error) {
	if maxPeers <= 0 {
		return &AddressTable{peers: make(map[netip.AddrPort]Peer)}, nil
	}
	cache, err := lru.NewWithEvict(maxPeers, func(_, value interface{}) {
		value.(Peer).Stop()
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer cache: %w", err)
	}
	return &AddressTable{lru: cache}, nil
}

// Get returns the worker for addr.
func (t *AddressTable) Get(addr netip.AddrPort) (Peer, bool) {
	if t.lru != nil {
		v, ok := t.lru.Get(addr)
		if !ok {
			return nil, false
		}
		return v.(Peer), true
	}
	p, ok := t.peers[addr]
	return p, ok
}

// Add registers p under addr.
func (t *AddressTable) Add(addr netip.AddrPort, p Peer) {
	if t.lru != nil {
		t.lru.Add(addr, p)
		return
	}
	t.peers[addr] = p
}

// Len returns the number of registered workers.
func (t *AddressTable) Len() int {
	if t.lru != nil {
		return t.lru.Len()
	}
	return len(t.peers)
}

// StopAll stops every worker and empties the table.
func (t *AddressTable) StopAll() {
	if t.lru != nil {
		t.lru.Purge()
		return
	}
	for addr, p := range t.peers {
		p.Stop()
		delete(t.peers, addr)
	}
}
