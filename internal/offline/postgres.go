package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entries in a flag_entries table.
//
// Expected schema:
//
//	CREATE TABLE flag_entries (
//	    key          TEXT PRIMARY KEY,
//	    value        BOOLEAN NOT NULL,
//	    persisted_at TIMESTAMPTZ NOT NULL,
//	    expires_at   TIMESTAMPTZ
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Available pings the database.
func (s *PostgresStore) Available(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// Get retrieves the entry for a key, deleting expired rows on detection.
func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT value, persisted_at, expires_at
		FROM flag_entries
		WHERE key = $1
	`

	var e Entry
	err := s.pool.QueryRow(ctx, query, key).Scan(&e.Value, &e.PersistedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("query entry: %w", err)
	}

	if !e.Valid(time.Now()) {
		if err := s.Delete(ctx, key); err != nil {
			return nil, err
		}
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

// Set upserts the entry for a key.
func (s *PostgresStore) Set(ctx context.Context, key string, e *Entry) error {
	query := `
		INSERT INTO flag_entries (key, value, persisted_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			persisted_at = EXCLUDED.persisted_at,
			expires_at = EXCLUDED.expires_at
	`

	if _, err := s.pool.Exec(ctx, query, key, e.Value, e.PersistedAt, e.ExpiresAt); err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

// Delete removes the row for a key.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM flag_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
