package memory

import (
	"context"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
)

// InsertPortfolioEntry adds a holding.
func (s *Store) InsertPortfolioEntry(_ context.Context, e *model.PortfolioEntry) error {
	if e == nil || e.ID == "" || e.Mint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.portfolio {
		if existing.ID == e.ID {
			return storage.ErrDuplicateKey
		}
	}
	entry := *e
	entry.CreatedAt = s.stamp(e.CreatedAt)
	s.portfolio = append(s.portfolio, entry)
	return nil
}

// ListHeldPositions returns entries with inpossession=true in insert order.
func (s *Store) ListHeldPositions(_ context.Context) ([]*model.PortfolioEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.PortfolioEntry
	for _, e := range s.portfolio {
		if e.InPossession {
			entryCopy := e
			result = append(result, &entryCopy)
		}
	}
	return result, nil
}

// PortfolioCount returns the number of stored entries.
func (s *Store) PortfolioCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.portfolio)
}
