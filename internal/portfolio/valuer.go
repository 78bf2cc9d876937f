// Package portfolio values the simulated holdings against live prices.
package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pomp/internal/notify"
	"github.com/nexus-trading/pomp/internal/observability"
	"github.com/nexus-trading/pomp/internal/storage"
)

// PriceSource quotes the current price of a mint.
type PriceSource interface {
	Price(ctx context.Context, mint string) (decimal.Decimal, error)
}

// Config configures the valuation loop.
type Config struct {
	Interval time.Duration `yaml:"-"`
}

// DefaultConfig revalues every 10s.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second}
}

// Valuer computes net unrealized profit over every held position.
type Valuer struct {
	config   Config
	store    storage.PortfolioStore
	prices   PriceSource
	notifier notify.Publisher
	metrics  *observability.Metrics
}

// NewValuer creates a Valuer. metrics may be nil.
func NewValuer(config Config, store storage.PortfolioStore, prices PriceSource, notifier notify.Publisher, metrics *observability.Metrics) *Valuer {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Valuer{
		config:   config,
		store:    store,
		prices:   prices,
		notifier: notifier,
		metrics:  observability.OrDiscard(metrics),
	}
}

// Run revalues on every tick until ctx is cancelled.
func (v *Valuer) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.config.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", v.config.Interval).Msg("portfolio: valuer started")
	for {
		if _, err := v.Compute(ctx); err != nil {
			log.Error().Err(err).Msg("portfolio: valuation failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("portfolio: valuer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Compute sums quantity × (current − acquisition) over held positions and
// broadcasts the result. Positions without a positive quantity or price are
// skipped; a position whose quote fails contributes zero.
func (v *Valuer) Compute(ctx context.Context) (decimal.Decimal, error) {
	held, err := v.store.ListHeldPositions(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("portfolio: list positions: %w", err)
	}

	net := decimal.Zero
	for _, p := range held {
		if !p.Quantity.IsPositive() || !p.Price.IsPositive() {
			continue
		}
		current, err := v.prices.Price(ctx, p.Mint)
		if err != nil {
			v.metrics.PriceErrors.Inc()
			log.Warn().Err(err).Str("mint", p.Mint).Msg("portfolio: price unavailable")
			continue
		}
		net = net.Add(p.Quantity.Mul(current.Sub(p.Price)))
	}

	f, _ := net.Float64()
	v.metrics.PortfolioNet.Set(f)
	v.notifier.Publish(notify.EventUpdateBalanceBar, notify.Balance{NetBalance: f})
	log.Debug().Int("positions", len(held)).Str("net", net.String()).Msg("portfolio: valued")
	return net, nil
}
