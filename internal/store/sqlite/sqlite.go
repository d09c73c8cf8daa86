// Package sqlite stores message records in a SQLite database.
//
// All queries are prepared once at open time. The database runs in WAL mode
// behind a single connection, so concurrent Put calls from peer workers are
// serialized by database/sql.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/tezedge/tezedge-debugger/internal/store"
)

const driverName = "sqlite"

//go:embed schema.sql
var schemaSQL string

const (
	insertSQL = `INSERT INTO messages (ts, peer_id, remote, incoming, kind, name, raw)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	listSQL = `SELECT id, ts, peer_id, remote, incoming, kind, name, raw FROM messages
WHERE (?1 = '' OR peer_id = ?1)
  AND (?2 = '' OR remote = ?2)
  AND (?3 = 0 OR (?3 = 1 AND incoming = 1) OR (?3 = 2 AND incoming = 0))
  AND ts >= ?4
ORDER BY id
LIMIT ?5`
)

type sqliteStore struct {
	db  *sql.DB
	log *logrus.Entry

	stmtInsert *sql.Stmt
	stmtList   *sql.Stmt
}

// dsn builds a modernc.org/sqlite DSN from a path and pragma key-value pairs.
func dsn(path string, pragmas [][2]string) string {
	s := path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_pragma=" + p[0] + "(" + p[1] + ")"
	}
	return s
}

// New opens, creating if needed, the database at dbPath.
func New(ctx context.Context, dbPath string) (store.Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return open(ctx, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"busy_timeout", "5000"}}), dbPath)
}

// NewInMemory creates an in-memory store for testing.
func NewInMemory(ctx context.Context) (store.Store, error) {
	return open(ctx, dsn(":memory:", nil), ":memory:")
}

func open(ctx context.Context, source, name string) (store.Store, error) {
	db, err := sql.Open(driverName, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &sqliteStore{
		db:  db,
		log: logrus.WithFields(logrus.Fields{"component": "store", "db": name}),
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	s.log.Info("opened database")
	return s, nil
}

func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	var err error
	if s.stmtInsert, err = s.db.PrepareContext(ctx, insertSQL); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if s.stmtList, err = s.db.PrepareContext(ctx, listSQL); err != nil {
		return fmt.Errorf("list: %w", err)
	}
	return nil
}

// Put implements store.Store.
func (s *sqliteStore) Put(ctx context.Context, rec *store.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	remote := ""
	if rec.Remote.IsValid() {
		remote = rec.Remote.String()
	}
	res, err := s.stmtInsert.ExecContext(ctx,
		rec.Timestamp.UnixNano(), rec.PeerID, remote, boolInt(rec.Incoming), rec.Kind, rec.Name, rec.Raw)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	rec.ID = uint64(id) //nolint:gosec // AUTOINCREMENT ids are positive
	return nil
}

// List implements store.Store.
func (s *sqliteStore) List(ctx context.Context, f store.Filter) ([]*store.Record, error) {
	remote := ""
	if f.Remote.IsValid() {
		remote = f.Remote.String()
	}
	var since int64
	if !f.Since.IsZero() {
		since = f.Since.UnixNano()
	}
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}

	rows, err := s.stmtList.QueryContext(ctx, f.PeerID, remote, int(f.Direction), since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		var (
			rec      store.Record
			ts       int64
			remote   string
			incoming int
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.PeerID, &remote, &incoming, &rec.Kind, &rec.Name, &rec.Raw); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		rec.Incoming = incoming != 0
		if remote != "" {
			if rec.Remote, err = netip.ParseAddrPort(remote); err != nil {
				return nil, fmt.Errorf("message %d: %w", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the prepared statements and the database.
func (s *sqliteStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{s.stmtInsert, s.stmtList} {
		if stmt != nil {
			errs = append(errs, stmt.Close())
		}
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
