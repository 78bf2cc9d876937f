// Package storage defines the persistence capabilities of the bundle
// pipeline. Status flags on each row are the only claim mechanism, so every
// loop assumes it is the single consumer of its table.
package storage

import (
	"context"

	"github.com/nexus-trading/pomp/internal/model"
)

// BundleStore persists bundles and their processed flag.
type BundleStore interface {
	// InsertBundle adds a new bundle. Returns ErrDuplicateKey if the id exists.
	InsertBundle(ctx context.Context, b *model.Bundle) error

	// SetBundleImage records the composite image URL.
	SetBundleImage(ctx context.Context, id, imageURL string) error

	// ListUnprocessedBundles returns bundles with processed=false, oldest first.
	ListUnprocessedBundles(ctx context.Context) ([]*model.Bundle, error)

	// MarkBundleProcessed flips processed to true.
	MarkBundleProcessed(ctx context.Context, id string) error
}

// CoinStore persists the coins of a bundle.
type CoinStore interface {
	// InsertCoin adds a coin. Returns ErrDuplicateKey if (bundle_id, coin_id) exists.
	InsertCoin(ctx context.Context, c *model.Coin) error

	// GetCoin returns a coin by row id. Returns ErrNotFound if missing.
	GetCoin(ctx context.Context, id string) (*model.Coin, error)

	// ListCoinsByBundle returns a bundle's coins ordered by coin_id.
	ListCoinsByBundle(ctx context.Context, bundleID string) ([]*model.Coin, error)

	// SetCoinDecision records the screen outcome for a coin.
	SetCoinDecision(ctx context.Context, id string, d model.Decision) error

	// SetCoinCropURL records where the coin's cropped cell was uploaded.
	SetCoinCropURL(ctx context.Context, id, url string) error
}

// GoodCoinStore persists the funnel state of coins that passed the screen.
type GoodCoinStore interface {
	// InsertGoodCoin adds a GoodCoin. Returns ErrDuplicateKey if the coin
	// already has one.
	InsertGoodCoin(ctx context.Context, g *model.GoodCoin) error

	// OldestUnprocessedGoodCoin returns the oldest GoodCoin with
	// processed=false. Returns ErrNotFound if there is none.
	OldestUnprocessedGoodCoin(ctx context.Context) (*model.GoodCoin, error)

	// SetGoodCoinScreenshot records the latest funnel screenshot URL.
	SetGoodCoinScreenshot(ctx context.Context, id, url string) error

	// MarkGoodCoinProcessed sets processed=true with the terminal quality.
	MarkGoodCoinProcessed(ctx context.Context, id string, q model.Quality) error
}

// PortfolioStore persists simulated holdings.
type PortfolioStore interface {
	// InsertPortfolioEntry adds a holding.
	InsertPortfolioEntry(ctx context.Context, e *model.PortfolioEntry) error

	// ListHeldPositions returns entries with inpossession=true.
	ListHeldPositions(ctx context.Context) ([]*model.PortfolioEntry, error)
}

// Store is the full persistence capability.
type Store interface {
	BundleStore
	CoinStore
	GoodCoinStore
	PortfolioStore

	Ping(ctx context.Context) error
	Close()
}
