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

const coinColumns = `
	id, bundle_id, coin_id, mint, metadata_name, metadata_symbol, metadata_description,
	metadata_image_official, twitter, telegram, website, pumpfun_url, decision, crop_url, created_at
`

// InsertCoin adds a coin. Returns ErrDuplicateKey if (bundle_id, coin_id) exists.
func (s *Store) InsertCoin(ctx context.Context, c *model.Coin) error {
	if c == nil || c.ID == "" || c.BundleID == "" || c.CoinID == "" {
		return storage.ErrInvalidInput
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO coins (` + coinColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.pool.Exec(ctx, query,
		c.ID,
		c.BundleID,
		c.CoinID,
		c.Mint,
		c.Name,
		c.Symbol,
		c.Description,
		c.ImageURL,
		c.Twitter,
		c.Telegram,
		c.Website,
		c.PumpfunURL,
		string(c.Decision),
		c.CropURL,
		c.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return fmt.Errorf("insert coin: bundle %s: %w", c.BundleID, storage.ErrNotFound)
		}
		return fmt.Errorf("insert coin: %w", err)
	}
	return nil
}

// GetCoin returns a coin by row id. Returns ErrNotFound if missing.
func (s *Store) GetCoin(ctx context.Context, id string) (*model.Coin, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+coinColumns+` FROM coins WHERE id = $1`, id)
	c, err := scanCoin(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get coin: %w", err)
	}
	return c, nil
}

// ListCoinsByBundle returns a bundle's coins ordered by coin_id.
func (s *Store) ListCoinsByBundle(ctx context.Context, bundleID string) ([]*model.Coin, error) {
	query := `SELECT ` + coinColumns + ` FROM coins WHERE bundle_id = $1 ORDER BY coin_id ASC`
	rows, err := s.pool.Query(ctx, query, bundleID)
	if err != nil {
		return nil, fmt.Errorf("list coins: %w", err)
	}
	defer rows.Close()

	var result []*model.Coin
	for rows.Next() {
		c, err := scanCoin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coin: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// SetCoinDecision records the screen outcome for a coin.
func (s *Store) SetCoinDecision(ctx context.Context, id string, d model.Decision) error {
	err := s.execOne(ctx, `UPDATE coins SET decision = $2 WHERE id = $1`, id, string(d))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("set coin decision: %w", err)
	}
	return err
}

// SetCoinCropURL records where the coin's cropped cell was uploaded.
func (s *Store) SetCoinCropURL(ctx context.Context, id, url string) error {
	err := s.execOne(ctx, `UPDATE coins SET crop_url = $2 WHERE id = $1`, id, url)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("set coin crop url: %w", err)
	}
	return err
}

func scanCoin(row pgx.Row) (*model.Coin, error) {
	var c model.Coin
	var decision string
	err := row.Scan(
		&c.ID,
		&c.BundleID,
		&c.CoinID,
		&c.Mint,
		&c.Name,
		&c.Symbol,
		&c.Description,
		&c.ImageURL,
		&c.Twitter,
		&c.Telegram,
		&c.Website,
		&c.PumpfunURL,
		&decision,
		&c.CropURL,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Decision = model.Decision(decision)
	return &c, nil
}
