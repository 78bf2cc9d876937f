package memory

import (
	"context"
	"sort"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
)

// InsertGoodCoin adds a GoodCoin. Returns ErrDuplicateKey if the coin
// already has one.
func (s *Store) InsertGoodCoin(_ context.Context, g *model.GoodCoin) error {
	if g == nil || g.ID == "" || g.CoinUUID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.goodcoins[g.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.byCoin[g.CoinUUID]; exists {
		return storage.ErrDuplicateKey
	}
	row := &goodCoinRow{seq: s.nextSeq(), g: *g}
	row.g.CreatedAt = s.stamp(g.CreatedAt)
	s.goodcoins[g.ID] = row
	s.byCoin[g.CoinUUID] = g.ID
	return nil
}

// OldestUnprocessedGoodCoin returns the oldest GoodCoin with processed=false.
func (s *Store) OldestUnprocessedGoodCoin(_ context.Context) (*model.GoodCoin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *goodCoinRow
	for _, row := range s.goodcoins {
		if row.g.Processed {
			continue
		}
		if oldest == nil || row.seq < oldest.seq {
			oldest = row
		}
	}
	if oldest == nil {
		return nil, storage.ErrNotFound
	}
	goodCopy := oldest.g
	return &goodCopy, nil
}

// SetGoodCoinScreenshot records the latest funnel screenshot URL.
func (s *Store) SetGoodCoinScreenshot(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.goodcoins[id]
	if !exists {
		return storage.ErrNotFound
	}
	row.g.ScreenshotURL = url
	return nil
}

// MarkGoodCoinProcessed sets processed=true with the terminal quality.
func (s *Store) MarkGoodCoinProcessed(_ context.Context, id string, q model.Quality) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.goodcoins[id]
	if !exists {
		return storage.ErrNotFound
	}
	row.g.Processed = true
	row.g.Quality = q
	return nil
}

// GoodCoins returns a snapshot of every GoodCoin, oldest first.
func (s *Store) GoodCoins() []model.GoodCoin {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*goodCoinRow, 0, len(s.goodcoins))
	for _, row := range s.goodcoins {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]model.GoodCoin, len(rows))
	for i, row := range rows {
		out[i] = row.g
	}
	return out
}
