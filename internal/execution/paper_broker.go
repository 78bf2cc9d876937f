// Package execution performs the simulated purchase at the end of the funnel.
package execution

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/observability"
	"github.com/nexus-trading/pomp/internal/storage"
)

// PriceSource quotes the current price of a mint.
type PriceSource interface {
	Price(ctx context.Context, mint string) (decimal.Decimal, error)
}

// Config configures simulated fills.
type Config struct {
	Quantity    decimal.Decimal `yaml:"quantity"`
	SlippageBps float64         `yaml:"slippage_bps"`
}

// DefaultConfig buys 500000 units at the quoted price.
func DefaultConfig() Config {
	return Config{
		Quantity: decimal.NewFromInt(500_000),
	}
}

// PaperBuyer simulates buys by recording a held position at the oracle
// price. Nothing is sent to a chain or exchange.
//
// Every Buy creates a new entry; repeated buys of one mint are not merged.
type PaperBuyer struct {
	config  Config
	prices  PriceSource
	store   storage.PortfolioStore
	metrics *observability.Metrics

	buys     atomic.Int64
	failures atomic.Int64
}

// NewPaperBuyer creates a PaperBuyer. metrics may be nil.
func NewPaperBuyer(config Config, prices PriceSource, store storage.PortfolioStore, metrics *observability.Metrics) *PaperBuyer {
	if !config.Quantity.IsPositive() {
		config.Quantity = DefaultConfig().Quantity
	}
	log.Info().
		Str("quantity", config.Quantity.String()).
		Float64("slippage_bps", config.SlippageBps).
		Msg("paper buyer initialized")
	return &PaperBuyer{
		config:  config,
		prices:  prices,
		store:   store,
		metrics: observability.OrDiscard(metrics),
	}
}

// Buy quotes mint and records a held position at the quoted price plus
// simulated slippage.
func (b *PaperBuyer) Buy(ctx context.Context, mint string) (*model.PortfolioEntry, error) {
	price, err := b.prices.Price(ctx, mint)
	if err != nil {
		b.failures.Add(1)
		b.metrics.PriceErrors.Inc()
		return nil, fmt.Errorf("execution: quote %s: %w", mint, err)
	}

	fill := price
	if b.config.SlippageBps != 0 {
		slip := decimal.NewFromFloat(b.config.SlippageBps).Div(decimal.NewFromInt(10_000))
		fill = price.Mul(decimal.NewFromInt(1).Add(slip))
	}

	entry := &model.PortfolioEntry{
		ID:           uuid.NewString(),
		Mint:         mint,
		Price:        fill,
		Quantity:     b.config.Quantity,
		InPossession: true,
	}
	if err := b.store.InsertPortfolioEntry(ctx, entry); err != nil {
		b.failures.Add(1)
		return nil, fmt.Errorf("execution: record position %s: %w", mint, err)
	}

	b.buys.Add(1)
	b.metrics.PaperBuys.Inc()
	log.Info().
		Str("mint", mint).
		Str("price", fill.String()).
		Str("quantity", entry.Quantity.String()).
		Msg("paper buy filled")
	return entry, nil
}

// Stats returns buy counters.
type Stats struct {
	Buys     int64 `json:"buys"`
	Failures int64 `json:"failures"`
}

func (b *PaperBuyer) Stats() Stats {
	return Stats{Buys: b.buys.Load(), Failures: b.failures.Load()}
}
