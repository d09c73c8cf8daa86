// Package storetest checks store.Store implementations against common
// expectations.
package storetest

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezedge/tezedge-debugger/internal/store"
)

// Run exercises the store returned by open. Each subtest gets a fresh store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("PutAssignsIncreasingIDs", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		var last uint64
		for i := 0; i < 3; i++ {
			rec := record(i)
			require.NoError(t, s.Put(ctx, rec))
			assert.Greater(t, rec.ID, last)
			last = rec.ID
		}
	})

	t.Run("ListRoundTrip", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		want := record(0)
		require.NoError(t, s.Put(ctx, want))

		got, err := s.List(ctx, store.Filter{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want.ID, got[0].ID)
		assert.True(t, want.Timestamp.Equal(got[0].Timestamp))
		assert.Equal(t, want.PeerID, got[0].PeerID)
		assert.Equal(t, want.Remote, got[0].Remote)
		assert.Equal(t, want.Incoming, got[0].Incoming)
		assert.Equal(t, want.Kind, got[0].Kind)
		assert.Equal(t, want.Name, got[0].Name)
		assert.Equal(t, want.Raw, got[0].Raw)
	})

	t.Run("ListFilters", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for i := 0; i < 6; i++ {
			require.NoError(t, s.Put(ctx, record(i)))
		}

		tests := []struct {
			name   string
			filter store.Filter
			want   int
		}{
			{"all", store.Filter{}, 6},
			{"peer", store.Filter{PeerID: "idt1"}, 2},
			{"remote", store.Filter{Remote: netip.MustParseAddrPort("10.0.0.2:9732")}, 2},
			{"incoming", store.Filter{Direction: store.OnlyIncoming}, 3},
			{"outgoing", store.Filter{Direction: store.OnlyOutgoing}, 3},
			{"since", store.Filter{Since: base.Add(4 * time.Second)}, 2},
			{"limit", store.Filter{Limit: 4}, 4},
			{"combined", store.Filter{PeerID: "idt0", Direction: store.OnlyIncoming}, 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.List(ctx, tt.filter)
				require.NoError(t, err)
				assert.Len(t, got, tt.want)
				for i := 1; i < len(got); i++ {
					assert.Greater(t, got[i].ID, got[i-1].ID)
				}
			})
		}
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					assert.NoError(t, s.Put(ctx, record(w*10+i)))
				}
			}(w)
		}
		wg.Wait()

		got, err := s.List(ctx, store.Filter{})
		require.NoError(t, err)
		assert.Len(t, got, 40)
	})
}

var base = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

func record(i int) *store.Record {
	return &store.Record{
		Timestamp: base.Add(time.Duration(i) * time.Second),
		PeerID:    fmt.Sprintf("idt%d", i%3),
		Remote:    netip.MustParseAddrPort(fmt.Sprintf("10.0.0.%d:9732", i%3)),
		Incoming:  i%2 == 0,
		Kind:      "peer",
		Name:      "current_head",
		Raw:       []byte{0, 2, byte(i), 0xff},
	}
}
