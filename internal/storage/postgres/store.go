package postgres

import (
	"context"

	"github.com/nexus-trading/pomp/internal/storage"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool *Pool
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// NewStore creates a Store over an open pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// execOne runs an UPDATE by id and maps zero affected rows to ErrNotFound.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
