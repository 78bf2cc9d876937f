package memory

import (
	"context"
	"sort"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
)

// InsertCoin adds a coin. Returns ErrDuplicateKey if (bundle_id, coin_id) exists.
func (s *Store) InsertCoin(_ context.Context, c *model.Coin) error {
	if c == nil || c.ID == "" || c.BundleID == "" || c.CoinID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.coins[c.ID]; exists {
		return storage.ErrDuplicateKey
	}
	for _, row := range s.coins {
		if row.c.BundleID == c.BundleID && row.c.CoinID == c.CoinID {
			return storage.ErrDuplicateKey
		}
	}
	row := &coinRow{seq: s.nextSeq(), c: *c}
	row.c.CreatedAt = s.stamp(c.CreatedAt)
	s.coins[c.ID] = row
	return nil
}

// GetCoin returns a coin by row id. Returns ErrNotFound if missing.
func (s *Store) GetCoin(_ context.Context, id string) (*model.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.coins[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	coinCopy := row.c
	return &coinCopy, nil
}

// ListCoinsByBundle returns a bundle's coins ordered by coin_id.
func (s *Store) ListCoinsByBundle(_ context.Context, bundleID string) ([]*model.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Coin
	for _, row := range s.coins {
		if row.c.BundleID == bundleID {
			coinCopy := row.c
			result = append(result, &coinCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CoinID < result[j].CoinID })
	return result, nil
}

// SetCoinDecision records the screen outcome for a coin.
func (s *Store) SetCoinDecision(_ context.Context, id string, d model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.coins[id]
	if !exists {
		return storage.ErrNotFound
	}
	row.c.Decision = d
	return nil
}

// SetCoinCropURL records where the coin's cropped cell was uploaded.
func (s *Store) SetCoinCropURL(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.coins[id]
	if !exists {
		return storage.ErrNotFound
	}
	row.c.CropURL = url
	return nil
}
