// Package orchestrator routes captured segments to one worker per remote
// address and relays every segment to the virtual bridge.
//
// The orchestrator processes its inbox sequentially: for each segment the
// relay happens first, then the dispatch to the worker. Workers run
// concurrently, each with its own inbox, so the state of one peer session is
// only ever touched by its own goroutine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tezedge/tezedge-debugger/internal/bridge"
	"github.com/tezedge/tezedge-debugger/internal/capture"
)

// Segment is a classified TCP segment.
type Segment = capture.Segment

// DefaultInboxSize is the capacity of the orchestrator and worker inboxes.
const DefaultInboxSize = 1024

// SpawnFunc creates and starts the worker for a new remote address.
type SpawnFunc func(remote netip.AddrPort) (Peer, error)

// Config holds the relay addresses and table bound.
type Config struct {
	// LocalAddress receives incoming segments on the bridge.
	LocalAddress netip.Addr
	// FakeAddress replaces the source of outgoing segments.
	FakeAddress netip.Addr
	// MaxPeers bounds the address table; zero keeps every worker.
	MaxPeers  int
	InboxSize int
}

// Orchestrator is the packet router.
type Orchestrator struct {
	cfg    Config
	writer bridge.Writer
	spawn  SpawnFunc
	table  *AddressTable
	inbox  chan *Segment
	log    *logrus.Entry

	spawnFailures uint64
	peers         atomic.Int64 // table size, published after each segment
}

// New creates an orchestrator relaying through w and spawning workers with
// spawn.
func New(cfg Config, w bridge.Writer, spawn SpawnFunc) (*Orchestrator, error) {
	if w == nil || spawn == nil {
		return nil, errors.New("orchestrator needs a bridge writer and a spawn function")
	}
	if !cfg.LocalAddress.IsValid() || !cfg.FakeAddress.IsValid() {
		return nil, errors.New("orchestrator needs local and fake addresses")
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	table, err := NewAddressTable(cfg.MaxPeers)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:    cfg,
		writer: w,
		spawn:  spawn,
		table:  table,
		inbox:  make(chan *Segment, cfg.InboxSize),
		log:    logrus.WithField("component", "orchestrator"),
	}, nil
}

// Submit queues seg. It blocks while the inbox is full.
func (o *Orchestrator) Submit(ctx context.Context, seg *Segment) error {
	select {
	case o.inbox <- seg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes the inbox until ctx is done, then stops all workers.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer func() {
		o.table.StopAll()
		o.peers.Store(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case seg := <-o.inbox:
			o.handle(seg)
		}
	}
}

// Peers returns the number of live workers as of the last handled segment.
func (o *Orchestrator) Peers() int {
	return int(o.peers.Load())
}

func (o *Orchestrator) handle(seg *Segment) {
	defer func() { o.peers.Store(int64(o.table.Len())) }()
	o.relay(seg)

	remote := seg.Remote
	peer, ok := o.table.Get(remote)
	if !ok {
		var err error
		peer, err = o.spawnPeer(remote)
		if err != nil {
			o.spawnFailures++
			o.log.Warnf("Failed to create worker for message coming from addr %s: %v", remote, err)
			return
		}
		o.table.Add(remote, peer)
	}
	peer.Deliver(seg)
}

func (o *Orchestrator) spawnPeer(remote netip.AddrPort) (Peer, error) {
	peer, err := o.spawn(remote)
	if err != nil {
		return nil, err
	}
	if peer == nil {
		return nil, fmt.Errorf("spawn returned no worker for %s", remote)
	}
	o.log.Infof("Spawned peer-%s", remote)
	return peer, nil
}

// relay forwards seg to the bridge regardless of what happens to it later.
// Bridge errors are logged and otherwise ignored.
func (o *Orchestrator) relay(seg *Segment) {
	var err error
	if seg.IsIncoming() {
		err = o.writer.SendToLocal(seg, o.cfg.LocalAddress)
	} else {
		err = o.writer.SendToNetwork(seg, o.cfg.FakeAddress)
	}
	if err != nil {
		o.log.Debugf("relaying %s: %v", seg, err)
	}
}
