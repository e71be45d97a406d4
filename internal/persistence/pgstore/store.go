// Package pgstore is a Postgres-backed persistence.Store, for
// deployments that already run a shared database and want the
// orchestrator's snapshots alongside everything else. Grounded in the
// teacher's general pgxpool-based repository idiom (ExecContext-free,
// pool.QueryRow/Exec directly), generalized to the same single
// records(kind, id, data, updated_at) schema as sqlitestore.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	orcherrors "github.com/kdlbs/orchestra/internal/common/errors"
	"github.com/kdlbs/orchestra/internal/persistence"
)

// Store is a Postgres-backed persistence.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ persistence.Store = (*Store)(nil)

// New connects to Postgres at dsn and ensures its schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS orchestra_records (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS idx_orchestra_records_kind ON orchestra_records(kind);
	`)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Save(ctx context.Context, kind, id string, data []byte) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestra_records (kind, id, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, kind, id, data, now)
	return err
}

func (s *Store) Load(ctx context.Context, kind, id string) (*persistence.Record, error) {
	var data []byte
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT data, updated_at FROM orchestra_records WHERE kind = $1 AND id = $2
	`, kind, id).Scan(&data, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orcherrors.NotFound(kind, id)
	}
	if err != nil {
		return nil, err
	}
	return &persistence.Record{Kind: kind, ID: id, Data: data, UpdatedAt: updatedAt}, nil
}

func (s *Store) List(ctx context.Context, kind string) ([]*persistence.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data, updated_at FROM orchestra_records WHERE kind = $1
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*persistence.Record
	for rows.Next() {
		var id string
		var data []byte
		var updatedAt time.Time
		if err := rows.Scan(&id, &data, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &persistence.Record{Kind: kind, ID: id, Data: data, UpdatedAt: updatedAt})
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, kind, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM orchestra_records WHERE kind = $1 AND id = $2`, kind, id)
	return err
}
