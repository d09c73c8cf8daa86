package orchestrator

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tezedge/tezedge-debugger/internal/crypto"
	"github.com/tezedge/tezedge-debugger/internal/decoder"
	"github.com/tezedge/tezedge-debugger/internal/identity"
	"github.com/tezedge/tezedge-debugger/internal/message"
	"github.com/tezedge/tezedge-debugger/internal/store"
)

// storeTimeout bounds a single store write.
const storeTimeout = 5 * time.Second

// Worker decodes the session with one remote address.
//
// The first non-empty segment in each direction carries the plaintext
// connection message. Once both are known the worker derives the session key
// and nonces and decrypts everything that follows.
type Worker struct {
	remote netip.AddrPort
	id     *identity.Identity
	store  store.Store
	log    *logrus.Entry

	inbox chan *Segment
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	// set once the session is established, readable from any goroutine
	established atomic.Pointer[string]

	// handshake, owned by the worker goroutine
	sent     []byte
	received []byte
	incoming bool
	remotePK crypto.PublicKey
	peerID   string
	inbound  *decoder.Decoder
	outbound *decoder.Decoder
}

// NewWorker validates its arguments and returns an unstarted worker.
func NewWorker(remote netip.AddrPort, id *identity.Identity, st store.Store, inboxSize int) (*Worker, error) {
	if !remote.IsValid() {
		return nil, errors.New("invalid remote address")
	}
	if id == nil {
		return nil, errors.New("missing local identity")
	}
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Worker{
		remote: remote,
		id:     id,
		store:  st,
		log:    logrus.WithFields(logrus.Fields{"component": "peer", "remote": remote.String()}),
		inbox:  make(chan *Segment, inboxSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// NewSpawner returns a SpawnFunc starting a Worker per address.
func NewSpawner(id *identity.Identity, st store.Store, inboxSize int) SpawnFunc {
	return func(remote netip.AddrPort) (Peer, error) {
		w, err := NewWorker(remote, id, st, inboxSize)
		if err != nil {
			return nil, err
		}
		w.Start()
		return w, nil
	}
}

// Start runs the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case seg := <-w.inbox:
			w.process(seg)
		}
	}
}

// Deliver implements Peer.
func (w *Worker) Deliver(seg *Segment) {
	select {
	case w.inbox <- seg:
	case <-w.stop:
	}
}

// Stop implements Peer.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
}

// Done is closed when the worker goroutine has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// PeerID returns the remote peer identifier, empty until both connection
// messages were seen. It is safe to call while the worker runs.
func (w *Worker) PeerID() string {
	if id := w.established.Load(); id != nil {
		return *id
	}
	return ""
}

func (w *Worker) process(seg *Segment) {
	if len(seg.Payload) == 0 {
		return
	}

	if w.needsConnectionMessage(seg.IsIncoming()) {
		w.observeConnection(seg)
		return
	}

	dec := w.outbound
	if seg.IsIncoming() {
		dec = w.inbound
	}
	if dec == nil {
		w.log.Debugf("dropping %s, handshake incomplete", seg)
		return
	}

	msg, err := dec.Ingest(seg.Payload)
	var (
		desync *decoder.DesyncError
		perr   *decoder.ParseError
	)
	switch {
	case errors.As(err, &desync):
		w.log.Warnf("session with %s desynchronized, dropping further %s traffic: %v", w.peerID, seg.Direction, err)
		return
	case errors.Is(err, decoder.ErrSessionClosed):
		return
	case errors.As(err, &perr):
		w.log.Warnf("Failed to deserialize message: %v", perr.Err)
		return
	case err != nil:
		w.log.Warnf("decoding: %v", err)
		return
	}
	if msg == nil {
		return
	}

	w.log.WithFields(logrus.Fields{
		"peer_id":   w.peerID,
		"direction": seg.Direction.String(),
	}).Infof("-- Decrypted new message: %s", msg.Name())
	w.record(seg, msg)
}

func (w *Worker) needsConnectionMessage(incoming bool) bool {
	if incoming {
		return w.received == nil
	}
	return w.sent == nil
}

func (w *Worker) observeConnection(seg *Segment) {
	body, err := message.ChunkBody(seg.Payload)
	if err != nil {
		w.log.Warnf("expected connection message, got %s: %v", seg, err)
		return
	}
	conn, err := message.ParseConnectionMessage(body)
	if err != nil {
		w.log.Warnf("parsing connection message: %v", err)
		return
	}

	chunk := append([]byte(nil), seg.Payload...)
	if w.sent == nil && w.received == nil {
		w.incoming = seg.IsIncoming()
	}
	if seg.IsIncoming() {
		w.received = chunk
		w.remotePK = conn.PublicKey
		w.peerID = crypto.PeerID(&conn.PublicKey)
	} else {
		w.sent = chunk
	}
	w.record(seg, &message.Message{Kind: message.KindConnection, Connection: conn, Raw: chunk})

	if w.sent != nil && w.received != nil {
		w.establish()
	}
}

// establish derives the session key and nonces from both connection messages.
func (w *Worker) establish() {
	key := crypto.Precompute(&w.remotePK, &w.id.SecretKey)
	nonces := crypto.GenerateNonces(w.sent, w.received, w.incoming)
	w.inbound = decoder.New(key, nonces.Remote, w.peerID)
	w.outbound = decoder.New(key, nonces.Local, w.peerID)

	peerID := w.peerID
	w.established.Store(&peerID)
	w.log.WithField("peer_id", w.peerID).Infof("session established, incoming=%t", w.incoming)
}

func (w *Worker) record(seg *Segment, msg *message.Message) {
	if w.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec := &store.Record{
		Timestamp: time.Now(),
		PeerID:    w.peerID,
		Remote:    w.remote,
		Incoming:  seg.IsIncoming(),
		Kind:      msg.Kind.String(),
		Name:      msg.Name(),
		Raw:       msg.Raw,
	}
	if err := w.store.Put(ctx, rec); err != nil {
		w.log.Warnf("storing message: %v", err)
	}
}
