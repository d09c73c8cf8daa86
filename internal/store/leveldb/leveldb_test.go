package leveldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezedge/tezedge-debugger/internal/store"
	"github.com/tezedge/tezedge-debugger/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := NewInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { assert.NoError(t, s.Close()) })
		return s
	})
}

func TestStore_ReopenContinuesIDs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "messages")

	s, err := New(path)
	require.NoError(t, err)
	first := &store.Record{PeerID: "idtA"}
	require.NoError(t, s.Put(ctx, first))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	second := &store.Record{PeerID: "idtB"}
	require.NoError(t, s.Put(ctx, second))
	assert.Equal(t, first.ID+1, second.ID)

	got, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "idtA", got[0].PeerID)
	assert.Equal(t, "idtB", got[1].PeerID)
}

func TestStore_Closed(t *testing.T) {
	s, err := NewInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(context.Background(), &store.Record{}), store.ErrClosed)
	_, err = s.List(context.Background(), store.Filter{})
	assert.ErrorIs(t, err, store.ErrClosed)
}
