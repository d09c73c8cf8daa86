package orchestrator

import (
	"context"
	"crypto/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/tezedge/tezedge-debugger/internal/capture"
	"github.com/tezedge/tezedge-debugger/internal/crypto"
	"github.com/tezedge/tezedge-debugger/internal/identity"
	"github.com/tezedge/tezedge-debugger/internal/message"
	"github.com/tezedge/tezedge-debugger/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	records []*store.Record
}

func (s *memStore) Put(_ context.Context, rec *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = uint64(len(s.records) + 1)
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) List(_ context.Context, f store.Filter) ([]*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Record
	for _, r := range s.records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.records))
	for _, r := range s.records {
		names = append(names, r.Name)
	}
	return names
}

var testRemote = netip.MustParseAddrPort("192.0.2.10:9732")

type keyPair struct {
	pk crypto.PublicKey
	sk crypto.SecretKey
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()
	pk, sk, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return keyPair{pk: crypto.PublicKey(*pk), sk: crypto.SecretKey(*sk)}
}

func connectionChunk(t *testing.T, kp keyPair, nonce byte) []byte {
	t.Helper()
	body, err := (&message.ConnectionMessage{
		Port:         9732,
		PublicKey:    kp.pk,
		MessageNonce: crypto.Nonce{0: nonce},
		ChainName:    "TEZOS_MAINNET",
		P2PVersion:   1,
	}).MarshalBinary()
	require.NoError(t, err)
	chunk, err := message.Chunk(body)
	require.NoError(t, err)
	return chunk
}

// session drives a worker with both sides of a handshake and keeps the
// remote peer's view of the key and nonces.
type session struct {
	t      *testing.T
	w      *Worker
	st     *memStore
	local  keyPair
	remote keyPair
	key    *crypto.PrecomputedKey
	// remote's sending nonce, our inbound
	remoteNonce crypto.Nonce
	// our sending nonce, our outbound
	localNonce crypto.Nonce
}

func newSession(t *testing.T, incoming bool) *session {
	t.Helper()
	s := &session{t: t, st: &memStore{}, local: newKeyPair(t), remote: newKeyPair(t)}
	id := &identity.Identity{PublicKey: s.local.pk, SecretKey: s.local.sk}

	w, err := NewWorker(testRemote, id, s.st, 16)
	require.NoError(t, err)
	s.w = w

	sent := connectionChunk(t, s.local, 1)
	received := connectionChunk(t, s.remote, 2)
	if incoming {
		w.process(s.segment(true, received))
		w.process(s.segment(false, sent))
	} else {
		w.process(s.segment(false, sent))
		w.process(s.segment(true, received))
	}

	// the remote side of the session derives the mirror image
	s.key = crypto.Precompute(&s.local.pk, &s.remote.sk)
	mirror := crypto.GenerateNonces(received, sent, !incoming)
	s.remoteNonce = mirror.Local
	s.localNonce = mirror.Remote
	return s
}

func (s *session) segment(incoming bool, payload []byte) *Segment {
	dir := capture.Outgoing
	if incoming {
		dir = capture.Incoming
	}
	return &Segment{Direction: dir, Remote: testRemote, Payload: payload}
}

func (s *session) seal(incoming bool, plain []byte) []byte {
	s.t.Helper()
	nonce := &s.localNonce
	if incoming {
		nonce = &s.remoteNonce
	}
	chunk, err := message.Chunk(crypto.Encrypt(plain, *nonce, s.key))
	require.NoError(s.t, err)
	*nonce = nonce.Increment()
	return chunk
}

func (s *session) send(incoming bool, plain []byte) {
	s.w.process(s.segment(incoming, s.seal(incoming, plain)))
}

func TestNewWorker_Validation(t *testing.T) {
	id := &identity.Identity{}
	_, err := NewWorker(netip.AddrPort{}, id, nil, 0)
	assert.Error(t, err)
	_, err = NewWorker(testRemote, nil, nil, 0)
	assert.Error(t, err)

	w, err := NewWorker(testRemote, id, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultInboxSize, cap(w.inbox))
}

func TestWorker_Handshake(t *testing.T) {
	for _, incoming := range []bool{true, false} {
		t.Run(map[bool]string{true: "incoming", false: "outgoing"}[incoming], func(t *testing.T) {
			s := newSession(t, incoming)

			assert.Equal(t, crypto.PeerID(&s.remote.pk), s.w.PeerID())
			assert.Equal(t, incoming, s.w.incoming)
			require.NotNil(t, s.w.inbound)
			require.NotNil(t, s.w.outbound)
			assert.Equal(t, s.remoteNonce, s.w.inbound.Nonce())
			assert.Equal(t, s.localNonce, s.w.outbound.Nonce())
			assert.Equal(t, []string{"connection", "connection"}, s.st.names())
		})
	}
}

func TestWorker_DecryptsBothDirections(t *testing.T) {
	s := newSession(t, true)

	s.send(true, []byte{1, 0})
	s.send(false, []byte{0, 1})
	s.send(true, []byte{byte(message.AckOk)})
	s.send(false, []byte{byte(message.AckOk)})

	head, err := (&message.PeerMessage{Tag: message.TagCurrentHead, Payload: []byte("head")}).MarshalBinary()
	require.NoError(t, err)
	s.send(true, head)

	records, err := s.st.List(context.Background(), store.Filter{Direction: store.OnlyIncoming})
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "metadata", records[1].Kind)
	assert.Equal(t, "peer", records[3].Kind)
	assert.Equal(t, message.TagCurrentHead.String(), records[3].Name)
	for _, r := range records {
		assert.Equal(t, s.w.PeerID(), r.PeerID)
		assert.Equal(t, testRemote, r.Remote)
	}

	outgoing, err := s.st.List(context.Background(), store.Filter{Direction: store.OnlyOutgoing})
	require.NoError(t, err)
	assert.Len(t, outgoing, 3)
}

func TestWorker_FirstDecryptFailure(t *testing.T) {
	s := newSession(t, false)
	before := s.w.inbound.Nonce()
	stored := len(s.st.names())

	garbage, err := message.Chunk(make([]byte, 40))
	require.NoError(t, err)
	s.w.process(s.segment(true, garbage))

	assert.Equal(t, stored, len(s.st.names()))
	assert.Equal(t, before.Increment(), s.w.inbound.Nonce())
	assert.True(t, s.w.inbound.Closed())

	// the outbound direction is unaffected
	s.send(false, []byte{0, 0})
	assert.Equal(t, stored+1, len(s.st.names()))
}

func TestWorker_TrafficBeforeHandshakeDropped(t *testing.T) {
	st := &memStore{}
	w, err := NewWorker(testRemote, &identity.Identity{}, st, 1)
	require.NoError(t, err)

	w.process(&Segment{Direction: capture.Incoming, Remote: testRemote})
	w.process(&Segment{Direction: capture.Incoming, Remote: testRemote, Payload: []byte{0, 1, 2}})
	assert.Empty(t, st.names())
	assert.Nil(t, w.received)
}

func TestWorker_StartStop(t *testing.T) {
	s := newSession(t, true)
	s.w.Start()
	s.w.Deliver(s.segment(true, s.seal(true, []byte{0, 0})))

	require.Eventually(t, func() bool { return len(s.st.names()) == 3 }, 2*time.Second, 5*time.Millisecond)

	s.w.Stop()
	s.w.Stop()
	select {
	case <-s.w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	// delivery after stop does not block
	s.w.Deliver(s.segment(true, []byte{1}))
}

func TestWorker_PeerIDWhileRunning(t *testing.T) {
	local, remote := newKeyPair(t), newKeyPair(t)
	w, err := NewWorker(testRemote, &identity.Identity{PublicKey: local.pk, SecretKey: local.sk}, &memStore{}, 4)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	assert.Empty(t, w.PeerID())
	w.Deliver(&Segment{Direction: capture.Incoming, Remote: testRemote, Payload: connectionChunk(t, remote, 1)})
	w.Deliver(&Segment{Direction: capture.Outgoing, Remote: testRemote, Payload: connectionChunk(t, local, 2)})

	expected := crypto.PeerID(&remote.pk)
	require.Eventually(t, func() bool { return w.PeerID() == expected }, 2*time.Second, 5*time.Millisecond)
}
