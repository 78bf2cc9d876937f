package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pomp/internal/observability"
	"github.com/nexus-trading/pomp/internal/storage"
)

// EnqueuerConfig sets the polling cadence.
type EnqueuerConfig struct {
	ActiveInterval time.Duration // after a pass that enqueued something
	IdleInterval   time.Duration // after an empty pass or an error
}

// DefaultEnqueuerConfig polls every 5s while busy and 10s when idle.
func DefaultEnqueuerConfig() EnqueuerConfig {
	return EnqueuerConfig{
		ActiveInterval: 5 * time.Second,
		IdleInterval:   10 * time.Second,
	}
}

// Enqueuer moves unprocessed bundles onto the work queue.
//
// The flag flip happens only after a successful push. The two calls are not
// atomic, so a crash between them re-enqueues the bundle on the next pass:
// delivery is at-least-once and the processor tolerates duplicates.
type Enqueuer struct {
	config  EnqueuerConfig
	store   storage.BundleStore
	queue   Queue
	metrics *observability.Metrics
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(config EnqueuerConfig, store storage.BundleStore, q Queue, metrics *observability.Metrics) *Enqueuer {
	if config.ActiveInterval <= 0 {
		config.ActiveInterval = DefaultEnqueuerConfig().ActiveInterval
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = DefaultEnqueuerConfig().IdleInterval
	}
	return &Enqueuer{
		config:  config,
		store:   store,
		queue:   q,
		metrics: observability.OrDiscard(metrics),
	}
}

// EnqueueUnprocessed pushes every unprocessed bundle that has an image and
// marks it processed. Returns the number of bundles pushed and flagged.
// Failures on one bundle are logged and do not stop the pass.
func (e *Enqueuer) EnqueueUnprocessed(ctx context.Context) (int, error) {
	bundles, err := e.store.ListUnprocessedBundles(ctx)
	if err != nil {
		e.metrics.EnqueueErrors.WithLabelValues("list").Inc()
		return 0, err
	}

	count := 0
	for _, b := range bundles {
		if b.ImageURL == "" {
			log.Debug().Str("bundle_id", b.ID).Msg("enqueuer: bundle has no image yet, skipping")
			continue
		}

		payload, err := Envelope{BundleID: b.ID, ImageURL: b.ImageURL}.Encode()
		if err != nil {
			log.Error().Err(err).Str("bundle_id", b.ID).Msg("enqueuer: encode envelope")
			continue
		}

		if err := e.queue.Push(ctx, payload); err != nil {
			e.metrics.EnqueueErrors.WithLabelValues("push").Inc()
			log.Warn().Err(err).Str("bundle_id", b.ID).Msg("enqueuer: push failed, will retry next pass")
			continue
		}

		if err := e.store.MarkBundleProcessed(ctx, b.ID); err != nil {
			// Already pushed; the next pass will push it again.
			e.metrics.EnqueueErrors.WithLabelValues("mark").Inc()
			log.Error().Err(err).Str("bundle_id", b.ID).Msg("enqueuer: mark processed failed after push")
			continue
		}

		count++
		e.metrics.BundlesEnqueued.Inc()
		log.Info().Str("bundle_id", b.ID).Msg("enqueuer: bundle enqueued")
	}

	if n, err := e.queue.Len(ctx); err == nil {
		e.metrics.QueueDepth.Set(float64(n))
	}
	return count, nil
}

// Run polls until ctx is cancelled.
func (e *Enqueuer) Run(ctx context.Context) error {
	log.Info().
		Dur("active_interval", e.config.ActiveInterval).
		Dur("idle_interval", e.config.IdleInterval).
		Msg("enqueuer: started")

	for {
		n, err := e.EnqueueUnprocessed(ctx)
		wait := e.config.ActiveInterval
		if err != nil {
			log.Error().Err(err).Msg("enqueuer: pass failed")
			wait = e.config.IdleInterval
		} else if n == 0 {
			wait = e.config.IdleInterval
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("enqueuer: stopped")
			return nil
		case <-time.After(wait):
		}
	}
}
