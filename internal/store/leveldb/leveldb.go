// Package leveldb stores message records in a LevelDB database.
//
// Records are JSON values under 9-byte keys, 'm' followed by the big-endian
// record id, so iteration order is insertion order.
package leveldb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tezedge/tezedge-debugger/internal/store"
)

const (
	openFileLimit = 128
	keyPrefix     = 'm'
	keySize       = 9
)

type levelStore struct {
	mu     sync.Mutex // guards seq and closed
	db     *leveldb.DB
	seq    uint64
	closed bool
	log    *logrus.Entry
}

// New opens, creating if needed, the database directory at path.
func New(path string) (store.Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: openFileLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb %s: %w", path, err)
	}
	return newStore(db, path)
}

// NewInMemory creates a store backed by memory, for testing.
func NewInMemory() (store.Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStore(db, ":memory:")
}

func newStore(db *leveldb.DB, name string) (*levelStore, error) {
	s := &levelStore{
		db:  db,
		log: logrus.WithFields(logrus.Fields{"component": "store", "db": name}),
	}

	// resume numbering after the last stored record
	it := db.NewIterator(util.BytesPrefix([]byte{keyPrefix}), nil)
	if it.Last() {
		s.seq = binary.BigEndian.Uint64(it.Key()[1:])
	}
	it.Release()
	if err := it.Error(); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("scanning records: %w", err)
	}

	s.log.Infof("opened database, last record %d", s.seq)
	return s, nil
}

func key(id uint64) []byte {
	k := make([]byte, keySize)
	k[0] = keyPrefix
	binary.BigEndian.PutUint64(k[1:], id)
	return k
}

// Put implements store.Store.
func (s *levelStore) Put(_ context.Context, rec *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.ID = s.seq + 1
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := s.db.Put(key(rec.ID), value, nil); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	s.seq = rec.ID
	return nil
}

// List implements store.Store.
func (s *levelStore) List(ctx context.Context, f store.Filter) ([]*store.Record, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, store.ErrClosed
	}

	it := s.db.NewIterator(util.BytesPrefix([]byte{keyPrefix}), nil)
	defer it.Release()

	var out []*store.Record
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec store.Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decoding message %x: %w", it.Key(), err)
		}
		if !f.Match(&rec) {
			continue
		}
		out = append(out, &rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

// Close implements store.Store.
func (s *levelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
