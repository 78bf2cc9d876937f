// Package housekeeping removes stale generated artifacts from local disk.
package housekeeping

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pomp/internal/observability"
)

// Config configures the pruner.
type Config struct {
	Dirs     []string      `yaml:"dirs"`
	Interval time.Duration `yaml:"-"`
	MaxAge   time.Duration `yaml:"-"`
}

// DefaultConfig sweeps every 30s and drops files older than 200s.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		MaxAge:   200 * time.Second,
	}
}

// Pruner deletes regular files whose modification time is older than MaxAge.
type Pruner struct {
	config  Config
	metrics *observability.Metrics
	now     func() time.Time
}

// NewPruner creates a Pruner. metrics may be nil.
func NewPruner(config Config, metrics *observability.Metrics) *Pruner {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	return &Pruner{
		config:  config,
		metrics: observability.OrDiscard(metrics),
		now:     time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	if len(p.config.Dirs) == 0 {
		log.Info().Msg("pruner: no directories configured")
		return nil
	}
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	log.Info().Strs("dirs", p.config.Dirs).Dur("max_age", p.config.MaxAge).Msg("pruner: started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep walks every configured directory once and returns how many files
// were removed. Missing directories are skipped.
func (p *Pruner) Sweep() int {
	cutoff := p.now().Add(-p.config.MaxAge)
	removed := 0
	for _, dir := range p.config.Dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
			if err := os.Remove(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("pruner: remove failed")
				return nil
			}
			removed++
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("pruner: walk failed")
		}
	}
	if removed > 0 {
		p.metrics.ArtifactsPruned.Add(float64(removed))
		log.Debug().Int("removed", removed).Msg("pruner: swept")
	}
	return removed
}
