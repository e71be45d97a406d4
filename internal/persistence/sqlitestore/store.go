// Package sqlitestore is a SQLite-backed persistence.Store, for
// single-binary deployments that want durability without standing up a
// separate database: a single-writer connection pool, one schema
// migration at construction time, and a single records table keyed by
// (kind, id).
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kdlbs/orchestra/internal/common/errors"
	"github.com/kdlbs/orchestra/internal/persistence"
)

// Store is a SQLite-backed persistence.Store.
type Store struct {
	db *sql.DB
}

var _ persistence.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at dbPath and ensures its
// schema exists.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite only supports one writer; a larger pool just serializes
	// anyway and risks "database is locked" under the default busy timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
	`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Save(ctx context.Context, kind, id string, data []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (kind, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, kind, id, string(data), now)
	return err
}

func (s *Store) Load(ctx context.Context, kind, id string) (*persistence.Record, error) {
	var data string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT data, updated_at FROM records WHERE kind = ? AND id = ?
	`, kind, id).Scan(&data, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(kind, id)
	}
	if err != nil {
		return nil, err
	}
	return &persistence.Record{Kind: kind, ID: id, Data: []byte(data), UpdatedAt: updatedAt}, nil
}

func (s *Store) List(ctx context.Context, kind string) ([]*persistence.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data, updated_at FROM records WHERE kind = ?
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*persistence.Record
	for rows.Next() {
		var id, data string
		var updatedAt time.Time
		if err := rows.Scan(&id, &data, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &persistence.Record{Kind: kind, ID: id, Data: []byte(data), UpdatedAt: updatedAt})
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, kind, id)
	return err
}
