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

// InsertGoodCoin adds a GoodCoin. The unique coin_uuid column turns a second
// insert for the same coin into ErrDuplicateKey.
func (s *Store) InsertGoodCoin(ctx context.Context, g *model.GoodCoin) error {
	if g == nil || g.ID == "" || g.CoinUUID == "" {
		return storage.ErrInvalidInput
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO goodcoins (id, coin_uuid, processed, quality, image_url, screenshot_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		g.ID, g.CoinUUID, g.Processed, string(g.Quality), g.ImageURL, g.ScreenshotURL, g.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return fmt.Errorf("insert goodcoin: coin %s: %w", g.CoinUUID, storage.ErrNotFound)
		}
		return fmt.Errorf("insert goodcoin: %w", err)
	}
	return nil
}

// OldestUnprocessedGoodCoin returns the oldest GoodCoin with processed=false.
func (s *Store) OldestUnprocessedGoodCoin(ctx context.Context) (*model.GoodCoin, error) {
	query := `
		SELECT id, coin_uuid, processed, quality, image_url, screenshot_url, created_at
		FROM goodcoins
		WHERE processed = FALSE
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`
	g, err := scanGoodCoin(s.pool.QueryRow(ctx, query))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("oldest unprocessed goodcoin: %w", err)
	}
	return g, nil
}

// SetGoodCoinScreenshot records the latest funnel screenshot URL.
func (s *Store) SetGoodCoinScreenshot(ctx context.Context, id, url string) error {
	err := s.execOne(ctx, `UPDATE goodcoins SET screenshot_url = $2 WHERE id = $1`, id, url)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("set goodcoin screenshot: %w", err)
	}
	return err
}

// MarkGoodCoinProcessed sets processed=true with the terminal quality.
func (s *Store) MarkGoodCoinProcessed(ctx context.Context, id string, q model.Quality) error {
	err := s.execOne(ctx, `UPDATE goodcoins SET processed = TRUE, quality = $2 WHERE id = $1`, id, string(q))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("mark goodcoin processed: %w", err)
	}
	return err
}

func scanGoodCoin(row pgx.Row) (*model.GoodCoin, error) {
	var g model.GoodCoin
	var quality string
	if err := row.Scan(&g.ID, &g.CoinUUID, &g.Processed, &quality, &g.ImageURL, &g.ScreenshotURL, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.Quality = model.Quality(quality)
	return &g, nil
}
