// Package store defines the durable record of decrypted messages.
package store

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Record is one decoded message of a peer session.
type Record struct {
	ID        uint64 // assigned by the store, increasing
	Timestamp time.Time
	PeerID    string
	Remote    netip.AddrPort
	Incoming  bool
	Kind      string // session stage: connection, metadata, ack, peer
	Name      string // message name, e.g. get_current_head
	Raw       []byte // wire bytes the message was decoded from
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	PeerID    string
	Remote    netip.AddrPort
	Direction Direction
	Since     time.Time
	Limit     int
}

// Direction restricts records to one side of the session.
type Direction uint8

// Direction filters.
const (
	Any Direction = iota
	OnlyIncoming
	OnlyOutgoing
)

// Match reports whether r passes every condition of f except Limit.
func (f *Filter) Match(r *Record) bool {
	if f.PeerID != "" && r.PeerID != f.PeerID {
		return false
	}
	if f.Remote.IsValid() && r.Remote != f.Remote {
		return false
	}
	switch f.Direction {
	case OnlyIncoming:
		if !r.Incoming {
			return false
		}
	case OnlyOutgoing:
		if r.Incoming {
			return false
		}
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Store persists records. Implementations are safe for concurrent use; each
// peer worker writes from its own goroutine.
type Store interface {
	// Put assigns rec.ID, sets a zero Timestamp to the current time and
	// persists rec.
	Put(ctx context.Context, rec *Record) error
	// List returns matching records in insertion order.
	List(ctx context.Context, f Filter) ([]*Record, error)
	Close() error
}
