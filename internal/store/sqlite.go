// Package store persists settlement records in SQLite. Each record is an
// opaque, versioned binary blob addressed by (kind, key).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by Get for a missing record.
var ErrNotFound = errors.New("record not found")

// Record kinds.
const (
	KindOracle          = "oracle"
	KindFuturesConfig   = "futures_config"
	KindFuturesPosition = "futures_position"
	KindPerpConfig      = "perp_config"
	KindPerpPosition    = "perp_position"
	KindVarianceMarket  = "variance_market"
	KindLedger          = "ledger"
)

// Record is one persisted blob.
type Record struct {
	Kind      string
	Key       string
	Data      []byte
	UpdatedAt time.Time
}

// SQLiteStore stores records in a single table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	log.Info().Str("path", path).Msg("sqlite store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS records (
		kind       TEXT NOT NULL,
		key        TEXT NOT NULL,
		data       BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (kind, key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
	`)
	return err
}

// PutBatch upserts records in one transaction; either all land or none.
func (s *SQLiteStore) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (kind, key, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range recs {
		ts := r.UpdatedAt
		if ts.IsZero() {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, r.Kind, r.Key, r.Data, ts.UnixNano()); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", r.Kind, r.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns the record at (kind, key) or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, kind, key string) (Record, error) {
	r := Record{Kind: kind, Key: key}
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM records WHERE kind = ? AND key = ?`, kind, key).Scan(&r.Data, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", kind, key, err)
	}
	r.UpdatedAt = time.Unix(0, ts)
	return r, nil
}

// List returns every record of kind ordered by key.
func (s *SQLiteStore) List(ctx context.Context, kind string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, data, updated_at FROM records WHERE kind = ? ORDER BY key`, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r := Record{Kind: kind}
		var ts int64
		if err := rows.Scan(&r.Key, &r.Data, &ts); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		r.UpdatedAt = time.Unix(0, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the record at (kind, key). Missing records are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, kind, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND key = ?`, kind, key)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
