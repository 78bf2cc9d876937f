package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
)

func TestStore_BundleLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b1", CreatedAt: base}))
	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b2", CreatedAt: base.Add(time.Second)}))
	assert.ErrorIs(t, s.InsertBundle(ctx, &model.Bundle{ID: "b1"}), storage.ErrDuplicateKey)

	require.NoError(t, s.SetBundleImage(ctx, "b1", "https://cdn/b1.png"))
	assert.ErrorIs(t, s.SetBundleImage(ctx, "missing", "x"), storage.ErrNotFound)

	bundles, err := s.ListUnprocessedBundles(ctx)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, "b1", bundles[0].ID)
	assert.Equal(t, "https://cdn/b1.png", bundles[0].ImageURL)

	require.NoError(t, s.MarkBundleProcessed(ctx, "b1"))
	bundles, err = s.ListUnprocessedBundles(ctx)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "b2", bundles[0].ID)
}

func TestStore_Coins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b1"}))
	for _, id := range []string{"02", "01"} {
		require.NoError(t, s.InsertCoin(ctx, &model.Coin{
			ID: "c" + id, BundleID: "b1", CoinID: id, Mint: "mint" + id, Name: "n" + id, Twitter: "https://x.com/" + id,
		}))
	}
	assert.ErrorIs(t, s.InsertCoin(ctx, &model.Coin{ID: "c9", BundleID: "b1", CoinID: "01"}), storage.ErrDuplicateKey)
	assert.ErrorIs(t, s.InsertCoin(ctx, &model.Coin{ID: "c8", BundleID: "nope", CoinID: "01"}), storage.ErrNotFound)

	coins, err := s.ListCoinsByBundle(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, coins, 2)
	assert.Equal(t, "01", coins[0].CoinID)
	assert.Equal(t, "https://x.com/01", coins[0].Twitter)

	require.NoError(t, s.SetCoinDecision(ctx, "c02", model.DecisionYes))
	require.NoError(t, s.SetCoinCropURL(ctx, "c02", "https://cdn/c02.png"))
	c, err := s.GetCoin(ctx, "c02")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionYes, c.Decision)
	assert.Equal(t, "https://cdn/c02.png", c.CropURL)

	_, err = s.GetCoin(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_GoodCoins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b1"}))
	require.NoError(t, s.InsertCoin(ctx, &model.Coin{ID: "c1", BundleID: "b1", CoinID: "01"}))
	require.NoError(t, s.InsertCoin(ctx, &model.Coin{ID: "c2", BundleID: "b1", CoinID: "02"}))

	_, err := s.OldestUnprocessedGoodCoin(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.InsertGoodCoin(ctx, &model.GoodCoin{ID: "g1", CoinUUID: "c1", CreatedAt: base}))
	require.NoError(t, s.InsertGoodCoin(ctx, &model.GoodCoin{ID: "g2", CoinUUID: "c2", CreatedAt: base.Add(time.Second)}))
	assert.ErrorIs(t, s.InsertGoodCoin(ctx, &model.GoodCoin{ID: "g3", CoinUUID: "c1"}), storage.ErrDuplicateKey)

	g, err := s.OldestUnprocessedGoodCoin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "g1", g.ID)

	require.NoError(t, s.SetGoodCoinScreenshot(ctx, "g1", "https://cdn/lens.png"))
	require.NoError(t, s.MarkGoodCoinProcessed(ctx, "g1", model.QualityBuy))
	assert.ErrorIs(t, s.MarkGoodCoinProcessed(ctx, "missing", model.QualityBad), storage.ErrNotFound)

	g, err = s.OldestUnprocessedGoodCoin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "g2", g.ID)
}

func TestStore_Portfolio(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertPortfolioEntry(ctx, &model.PortfolioEntry{
		ID: "p1", Mint: "A", Price: decimal.RequireFromString("0.000012345678901234"),
		Quantity: decimal.NewFromInt(500000), InPossession: true,
	}))
	require.NoError(t, s.InsertPortfolioEntry(ctx, &model.PortfolioEntry{
		ID: "p2", Mint: "B", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1), InPossession: false,
	}))

	held, err := s.ListHeldPositions(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "A", held[0].Mint)
	assert.True(t, held[0].Price.Equal(decimal.RequireFromString("0.000012345678901234")))
	assert.True(t, held[0].Quantity.Equal(decimal.NewFromInt(500000)))

	require.NoError(t, s.Ping(ctx))
}
