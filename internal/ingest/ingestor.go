// Package ingest accumulates feed events into fixed-size bundles.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pomp/internal/grid"
	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/objstore"
	"github.com/nexus-trading/pomp/internal/observability"
	"github.com/nexus-trading/pomp/internal/storage"
)

// ---------------------------------------------------------------------------
// Event Ingestor: feed events → enriched buffer → Bundle + Coins + composite
// ---------------------------------------------------------------------------

// Resolver turns a metadata URI into metadata, blank on failure.
type Resolver interface {
	Resolve(ctx context.Context, uri string) model.Metadata
}

// Renderer draws a bundle composite.
type Renderer interface {
	Render(ctx context.Context, coins []model.Coin) ([]byte, error)
}

// Store is the slice of persistence the ingestor writes.
type Store interface {
	storage.BundleStore
	storage.CoinStore
}

// Config configures batching.
type Config struct {
	BundleSize     int           `yaml:"size"`
	PumpfunURL     string        `yaml:"pumpfun_url"`
	FlushTimeout   time.Duration `yaml:"-"`
	ImageKeyPrefix string        `yaml:"image_key_prefix"`
}

// DefaultConfig returns 8-coin bundles.
func DefaultConfig() Config {
	return Config{
		BundleSize:     8,
		PumpfunURL:     "https://pump.fun/coin/%s",
		FlushTimeout:   60 * time.Second,
		ImageKeyPrefix: "bundles/",
	}
}

// Ingestor buffers enriched events and flushes each full batch as a bundle.
type Ingestor struct {
	config   Config
	resolver Resolver
	renderer Renderer
	store    Store
	uploader objstore.Uploader
	metrics  *observability.Metrics

	mu     sync.Mutex
	buffer []model.Coin
}

// New creates an Ingestor. metrics may be nil.
func New(config Config, resolver Resolver, renderer Renderer, store Store, uploader objstore.Uploader, metrics *observability.Metrics) *Ingestor {
	def := DefaultConfig()
	if config.BundleSize <= 0 {
		config.BundleSize = def.BundleSize
	}
	if config.PumpfunURL == "" {
		config.PumpfunURL = def.PumpfunURL
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = def.FlushTimeout
	}
	if config.ImageKeyPrefix == "" {
		config.ImageKeyPrefix = def.ImageKeyPrefix
	}
	return &Ingestor{
		config:   config,
		resolver: resolver,
		renderer: renderer,
		store:    store,
		uploader: uploader,
		metrics:  observability.OrDiscard(metrics),
		buffer:   make([]model.Coin, 0, config.BundleSize),
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context, events <-chan model.TokenEvent) error {
	log.Info().Int("bundle_size", in.config.BundleSize).Msg("ingest: started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Int("buffered", in.Buffered()).Msg("ingest: stopped, partial batch discarded")
			return nil
		case ev, ok := <-events:
			if !ok {
				log.Info().Msg("ingest: feed closed")
				return nil
			}
			in.OnEvent(ctx, ev)
		}
	}
}

// OnEvent enriches one event and appends it to the buffer. When the buffer
// reaches the bundle size it is flushed. Flush failures are logged.
func (in *Ingestor) OnEvent(ctx context.Context, ev model.TokenEvent) {
	if ev.Mint == "" {
		log.Debug().Msg("ingest: event without mint ignored")
		return
	}
	coin := in.enrich(ctx, ev)

	in.mu.Lock()
	in.buffer = append(in.buffer, coin)
	in.metrics.BufferSize.Set(float64(len(in.buffer)))
	var batch []model.Coin
	if len(in.buffer) >= in.config.BundleSize {
		batch = in.buffer
		in.buffer = make([]model.Coin, 0, in.config.BundleSize)
		in.metrics.BufferSize.Set(0)
	}
	in.mu.Unlock()

	if batch == nil {
		return
	}
	// A flush outlives a cancelled feed; the batch is already drained.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.config.FlushTimeout)
	defer cancel()
	if _, err := in.Flush(fctx, batch); err != nil {
		log.Error().Err(err).Int("coins", len(batch)).Msg("ingest: flush failed, batch dropped")
	}
}

// Buffered returns the number of events waiting for a flush.
func (in *Ingestor) Buffered() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.buffer)
}

func (in *Ingestor) enrich(ctx context.Context, ev model.TokenEvent) model.Coin {
	md := in.resolver.Resolve(ctx, ev.URI)
	return model.Coin{
		Mint:        ev.Mint,
		Name:        firstNonEmpty(md.Name, ev.Name),
		Symbol:      firstNonEmpty(md.Symbol, ev.Symbol),
		Description: md.Description,
		ImageURL:    md.Image,
		Twitter:     firstNonEmpty(ev.Twitter, md.Twitter),
		Telegram:    firstNonEmpty(ev.Telegram, md.Telegram),
		Website:     firstNonEmpty(ev.Website, md.Website),
		PumpfunURL:  fmt.Sprintf(in.config.PumpfunURL, ev.Mint),
	}
}

// Flush persists batch as one bundle, renders and uploads its composite and
// records the image URL. Coin insert failures are logged without aborting
// the bundle. Returns the new bundle.
func (in *Ingestor) Flush(ctx context.Context, batch []model.Coin) (*model.Bundle, error) {
	bundle := &model.Bundle{ID: uuid.NewString()}
	if err := in.store.InsertBundle(ctx, bundle); err != nil {
		return nil, fmt.Errorf("ingest: insert bundle: %w", err)
	}
	in.metrics.BundlesCreated.Inc()

	coins := make([]model.Coin, len(batch))
	inserted := 0
	for i, c := range batch {
		c.ID = uuid.NewString()
		c.BundleID = bundle.ID
		c.CoinID = grid.Label(i + 1)
		coins[i] = c
		if err := in.store.InsertCoin(ctx, &c); err != nil {
			in.metrics.CoinInsertErrors.Inc()
			log.Warn().Err(err).Str("bundle_id", bundle.ID).Str("coin_id", c.CoinID).Str("mint", c.Mint).
				Msg("ingest: coin insert failed")
			continue
		}
		inserted++
	}

	log.Info().Str("bundle_id", bundle.ID).Int("coins", inserted).Msg("ingest: bundle created")

	png, err := in.renderer.Render(ctx, coins)
	if err != nil {
		in.metrics.RenderErrors.Inc()
		return bundle, fmt.Errorf("ingest: render bundle %s: %w", bundle.ID, err)
	}
	url, err := in.uploader.Upload(ctx, in.config.ImageKeyPrefix+bundle.ID+".png", png, "image/png")
	if err != nil {
		in.metrics.RenderErrors.Inc()
		return bundle, fmt.Errorf("ingest: upload bundle %s: %w", bundle.ID, err)
	}
	if err := in.store.SetBundleImage(ctx, bundle.ID, url); err != nil {
		return bundle, fmt.Errorf("ingest: set bundle image %s: %w", bundle.ID, err)
	}
	bundle.ImageURL = url
	log.Info().Str("bundle_id", bundle.ID).Str("image_url", url).Msg("ingest: composite uploaded")
	return bundle, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
