package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
)

// InsertBundle adds a new bundle. Returns ErrDuplicateKey if the id exists.
func (s *Store) InsertBundle(ctx context.Context, b *model.Bundle) error {
	if b == nil || b.ID == "" {
		return storage.ErrInvalidInput
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO bundles (id, image_url, processed, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.pool.Exec(ctx, query, b.ID, b.ImageURL, b.Processed, b.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert bundle: %w", err)
	}
	return nil
}

// SetBundleImage records the composite image URL.
func (s *Store) SetBundleImage(ctx context.Context, id, imageURL string) error {
	err := s.execOne(ctx, `UPDATE bundles SET image_url = $2 WHERE id = $1`, id, imageURL)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("set bundle image: %w", err)
	}
	return err
}

// ListUnprocessedBundles returns bundles with processed=false, oldest first.
func (s *Store) ListUnprocessedBundles(ctx context.Context) ([]*model.Bundle, error) {
	query := `
		SELECT id, image_url, processed, created_at
		FROM bundles
		WHERE processed = FALSE
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed bundles: %w", err)
	}
	defer rows.Close()

	var result []*model.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// MarkBundleProcessed flips processed to true.
func (s *Store) MarkBundleProcessed(ctx context.Context, id string) error {
	err := s.execOne(ctx, `UPDATE bundles SET processed = TRUE WHERE id = $1`, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("mark bundle processed: %w", err)
	}
	return err
}

func scanBundle(row pgx.Row) (*model.Bundle, error) {
	var b model.Bundle
	if err := row.Scan(&b.ID, &b.ImageURL, &b.Processed, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}
