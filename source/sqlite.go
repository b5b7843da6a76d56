package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/harborline/snapstore/snapshot"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id        TEXT PRIMARY KEY,
	data      TEXT NOT NULL,
	category  TEXT NOT NULL DEFAULT '',
	version   INTEGER NOT NULL DEFAULT 1,
	parent_id TEXT NOT NULL DEFAULT '',
	metadata  TEXT NOT NULL DEFAULT '{}',
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS subscriptions (
	subscriber_id TEXT NOT NULL,
	snapshot_id   TEXT NOT NULL,
	PRIMARY KEY (subscriber_id, snapshot_id)
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_subscriber ON subscriptions (subscriber_id);
`

// SQLiteSource serves snapshots out of a local SQLite database. It is
// the durable counterpart to MemorySource for deployments that persist
// a snapshot feed to disk between runs.
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and
// bootstraps the schema. The connection uses WAL journaling and a busy
// timeout so concurrent readers do not trip on writer locks.
func OpenSQLite(path string) (*SQLiteSource, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", url.QueryEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap snapshot schema: %w", err)
	}
	return &SQLiteSource{db: db}, nil
}

// OpenSQLiteMemory opens a throwaway in-memory database, used by tests.
func OpenSQLiteMemory() (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	// cache=shared keeps the memory database alive across pooled
	// connections, but only while at least one stays open.
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(0)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap snapshot schema: %w", err)
	}
	return &SQLiteSource{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a snapshot row.
func (s *SQLiteSource) Put(ctx context.Context, snap *snapshot.Snapshot) error {
	meta := []byte("{}")
	if len(snap.Metadata) > 0 {
		encoded, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(snap.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", snap.ID, err)
		}
		meta = encoded
	}
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (id, data, category, version, parent_id, metadata, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, string(snap.Data), snap.Category, snap.Version, snap.ParentID, string(meta), ts)
	return err
}

// Associate records a subscriber interest used by FetchBySubscriber.
func (s *SQLiteSource) Associate(ctx context.Context, subscriberID, snapshotID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (subscriber_id, snapshot_id) VALUES (?, ?)`,
		subscriberID, snapshotID)
	return err
}

// Fetch implements SnapshotSource.
func (s *SQLiteSource) Fetch(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, data, category, version, parent_id, metadata, updated_at FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, snapshot.NotFoundError{ID: id}
	}
	return snap, err
}

// FetchBySubscriber implements SnapshotSource.
func (s *SQLiteSource) FetchBySubscriber(ctx context.Context, subscriberID string) ([]*snapshot.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.data, s.category, s.version, s.parent_id, s.metadata, s.updated_at
		 FROM snapshots s
		 JOIN subscriptions sub ON sub.snapshot_id = s.id
		 WHERE sub.subscriber_id = ?
		 ORDER BY s.id`, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*snapshot.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*snapshot.Snapshot, error) {
	var (
		snap snapshot.Snapshot
		data string
		meta string
	)
	if err := row.Scan(&snap.ID, &data, &snap.Category, &snap.Version, &snap.ParentID, &meta, &snap.Timestamp); err != nil {
		return nil, err
	}
	snap.Data = json.RawMessage(data)
	if meta != "" && meta != "{}" {
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(meta), &snap.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", snap.ID, err)
		}
	}
	return &snap, nil
}
