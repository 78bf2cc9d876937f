// Package memory is an in-process implementation of storage.Store. It backs
// single-process runs and tests; rows are copied in and out so callers can
// never mutate stored state.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
)

type bundleRow struct {
	seq int64
	b   model.Bundle
}

type coinRow struct {
	seq int64
	c   model.Coin
}

type goodCoinRow struct {
	seq int64
	g   model.GoodCoin
}

// Store holds every table behind one lock.
type Store struct {
	mu        sync.RWMutex
	seq       int64
	bundles   map[string]*bundleRow
	coins     map[string]*coinRow
	goodcoins map[string]*goodCoinRow
	byCoin    map[string]string // coin_uuid -> goodcoin id
	portfolio []model.PortfolioEntry

	now func() time.Time
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		bundles:   make(map[string]*bundleRow),
		coins:     make(map[string]*coinRow),
		goodcoins: make(map[string]*goodCoinRow),
		byCoin:    make(map[string]string),
		now:       time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// nextSeq must be called with mu held.
func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}
