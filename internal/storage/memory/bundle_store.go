package memory

import (
	"context"
	"sort"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
)

// InsertBundle adds a new bundle. Returns ErrDuplicateKey if the id exists.
func (s *Store) InsertBundle(_ context.Context, b *model.Bundle) error {
	if b == nil || b.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bundles[b.ID]; exists {
		return storage.ErrDuplicateKey
	}
	row := &bundleRow{seq: s.nextSeq(), b: *b}
	row.b.CreatedAt = s.stamp(b.CreatedAt)
	s.bundles[b.ID] = row
	return nil
}

// SetBundleImage records the composite image URL.
func (s *Store) SetBundleImage(_ context.Context, id, imageURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.bundles[id]
	if !exists {
		return storage.ErrNotFound
	}
	row.b.ImageURL = imageURL
	return nil
}

// ListUnprocessedBundles returns bundles with processed=false, oldest first.
func (s *Store) ListUnprocessedBundles(_ context.Context) ([]*model.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*bundleRow, 0)
	for _, row := range s.bundles {
		if !row.b.Processed {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	result := make([]*model.Bundle, len(rows))
	for i, row := range rows {
		bundleCopy := row.b
		result[i] = &bundleCopy
	}
	return result, nil
}

// MarkBundleProcessed flips processed to true.
func (s *Store) MarkBundleProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.bundles[id]
	if !exists {
		return storage.ErrNotFound
	}
	row.b.Processed = true
	return nil
}

// Bundles returns a snapshot of every bundle, oldest first.
func (s *Store) Bundles() []model.Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*bundleRow, 0, len(s.bundles))
	for _, row := range s.bundles {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]model.Bundle, len(rows))
	for i, row := range rows {
		out[i] = row.b
	}
	return out
}
