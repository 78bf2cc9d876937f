package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
)

// InsertPortfolioEntry adds a holding. Decimals travel as text so NUMERIC
// keeps full precision.
func (s *Store) InsertPortfolioEntry(ctx context.Context, e *model.PortfolioEntry) error {
	if e == nil || e.ID == "" || e.Mint == "" {
		return storage.ErrInvalidInput
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO portfolio (id, mint, price, quantity, inpossession, created_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.Mint, e.Price.String(), e.Quantity.String(), e.InPossession, e.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert portfolio entry: %w", err)
	}
	return nil
}

// ListHeldPositions returns entries with inpossession=true, oldest first.
func (s *Store) ListHeldPositions(ctx context.Context) ([]*model.PortfolioEntry, error) {
	query := `
		SELECT id, mint, price::text, quantity::text, inpossession, created_at
		FROM portfolio
		WHERE inpossession = TRUE
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list held positions: %w", err)
	}
	defer rows.Close()

	var result []*model.PortfolioEntry
	for rows.Next() {
		e, err := scanPortfolioEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan portfolio entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanPortfolioEntry(row pgx.Row) (*model.PortfolioEntry, error) {
	var e model.PortfolioEntry
	var price, quantity string
	if err := row.Scan(&e.ID, &e.Mint, &price, &quantity, &e.InPossession, &e.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}
	if e.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("parse quantity %q: %w", quantity, err)
	}
	return &e, nil
}
