package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed record store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema applies any pending migrations.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return runMigrations(ctx, s.pool)
}

// Upsert inserts the record or replaces the data of the existing one.
func (s *PostgresStore) Upsert(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO records (collection, record_key, data)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, record_key)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`

	if _, err := s.pool.Exec(ctx, query, r.Collection, r.Key, string(r.Data)); err != nil {
		return fmt.Errorf("failed to upsert record: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("collection", r.Collection).
		Str("key", r.Key).
		Msg("Upserted record")

	return nil
}

// Get returns the record stored under collection and key.
func (s *PostgresStore) Get(ctx context.Context, collection, key string) (Record, error) {
	query := `
		SELECT collection, record_key, data, updated_at
		FROM records
		WHERE collection = $1 AND record_key = $2
	`

	var (
		r    Record
		data []byte
	)
	err := s.pool.QueryRow(ctx, query, collection, key).Scan(&r.Collection, &r.Key, &data, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to get record: %w", mapPostgresError(err))
	}
	r.Data = data

	return r, nil
}
