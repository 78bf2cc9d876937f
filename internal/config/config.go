package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nexus-trading/pomp/internal/adapters/jupiter"
	"github.com/nexus-trading/pomp/internal/feed"
	"github.com/nexus-trading/pomp/internal/intel"
	"github.com/nexus-trading/pomp/internal/metadata"
	"github.com/nexus-trading/pomp/internal/objstore"
	"github.com/nexus-trading/pomp/internal/queue"
	"github.com/nexus-trading/pomp/internal/screenshot"
	"github.com/nexus-trading/pomp/internal/server"
)

// Config is the root configuration structure for pomp.
type Config struct {
	General    GeneralConfig     `yaml:"general"`
	Feed       feed.Config       `yaml:"feed"`
	Metadata   metadata.Config   `yaml:"metadata"`
	Bundle     BundleConfig      `yaml:"bundle"`
	Store      StoreConfig       `yaml:"store"`
	Queue      QueueConfig       `yaml:"queue"`
	ObjStore   ObjStoreConfig    `yaml:"objstore"`
	LLM        intel.Config      `yaml:"llm"`
	Screenshot screenshot.Config `yaml:"screenshot"`
	Pricing    jupiter.Config    `yaml:"pricing"`
	Funnel     FunnelConfig      `yaml:"funnel"`
	Valuer     ValuerConfig      `yaml:"valuer"`
	Pruner     PrunerConfig      `yaml:"pruner"`
	Server     server.Config     `yaml:"server"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

// BundleConfig describes the grid and the per-bundle timings.
type BundleConfig struct {
	Size            int    `yaml:"size"`
	Cols            int    `yaml:"cols"`
	Rows            int    `yaml:"rows"`
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	PumpfunURL      string `yaml:"pumpfun_url"`
	FlushTimeoutS   int    `yaml:"flush_timeout_s"`
	FetchTimeoutS   int    `yaml:"fetch_timeout_s"`
	DecideTimeoutS  int    `yaml:"decide_timeout_s"`
	FadeDelayMs     int    `yaml:"fade_delay_ms"`
	PopTimeoutS     int    `yaml:"pop_timeout_s"`
	ThumbConcurrent int    `yaml:"thumb_concurrency"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"` // memory|postgres
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type QueueConfig struct {
	Driver          string            `yaml:"driver"` // memory|redis
	Redis           queue.RedisConfig `yaml:"redis"`
	ActiveIntervalS int               `yaml:"active_interval_s"`
	IdleIntervalS   int               `yaml:"idle_interval_s"`
}

type ObjStoreConfig struct {
	Driver string               `yaml:"driver"` // local|s3
	Local  objstore.LocalConfig `yaml:"local"`
	S3     objstore.S3Config    `yaml:"s3"`
}

type FunnelConfig struct {
	IdleSleepS    int     `yaml:"idle_sleep_s"`
	JudgeTimeoutS int     `yaml:"judge_timeout_s"`
	Quantity      string  `yaml:"quantity"` // decimal
	SlippageBps   float64 `yaml:"slippage_bps"`
}

type ValuerConfig struct {
	IntervalS int `yaml:"interval_s"`
}

type PrunerConfig struct {
	Dirs      []string `yaml:"dirs"`
	IntervalS int      `yaml:"interval_s"`
	MaxAgeS   int      `yaml:"max_age_s"`
}

// Load reads and parses a YAML configuration file. Component sections start
// from their package defaults, so a file only needs to name what it changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		Feed:       feed.DefaultConfig(),
		Metadata:   metadata.DefaultConfig(),
		LLM:        intel.DefaultConfig(),
		Screenshot: screenshot.DefaultConfig(),
		Pricing:    jupiter.DefaultConfig(),
		Server:     server.DefaultConfig(),
		Queue:      QueueConfig{Redis: queue.DefaultRedisConfig()},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "pomp-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	b := &cfg.Bundle
	if b.Size == 0 {
		b.Size = 8
	}
	if b.Cols == 0 && b.Rows == 0 {
		b.Cols, b.Rows = 2, 4
	}
	if b.Width == 0 {
		b.Width = 512
	}
	if b.Height == 0 {
		b.Height = 512
	}
	if b.PumpfunURL == "" {
		b.PumpfunURL = "https://pump.fun/coin/%s"
	}
	if b.FlushTimeoutS == 0 {
		b.FlushTimeoutS = 60
	}
	if b.FetchTimeoutS == 0 {
		b.FetchTimeoutS = 10
	}
	if b.DecideTimeoutS == 0 {
		b.DecideTimeoutS = 90
	}
	if b.FadeDelayMs == 0 {
		b.FadeDelayMs = 5000
	}
	if b.PopTimeoutS == 0 {
		b.PopTimeoutS = 5
	}
	if b.ThumbConcurrent == 0 {
		b.ThumbConcurrent = 4
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.MaxConns == 0 {
		cfg.Store.MaxConns = 10
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Redis.Addr == "" {
		cfg.Queue.Redis.Addr = queue.DefaultRedisConfig().Addr
	}
	if cfg.Queue.Redis.Key == "" {
		cfg.Queue.Redis.Key = queue.DefaultRedisConfig().Key
	}
	if cfg.Queue.ActiveIntervalS == 0 {
		cfg.Queue.ActiveIntervalS = 5
	}
	if cfg.Queue.IdleIntervalS == 0 {
		cfg.Queue.IdleIntervalS = 10
	}
	if cfg.ObjStore.Driver == "" {
		cfg.ObjStore.Driver = "local"
	}
	if cfg.ObjStore.Local.Dir == "" {
		cfg.ObjStore.Local.Dir = "data/artifacts"
	}
	if cfg.ObjStore.Local.BaseURL == "" {
		cfg.ObjStore.Local.BaseURL = "http://localhost:8080/artifacts"
	}

	if cfg.Screenshot.BaseURL == "" {
		cfg.Screenshot.BaseURL = screenshot.DefaultConfig().BaseURL
	}
	if cfg.Pricing.PriceURL == "" {
		cfg.Pricing.PriceURL = jupiter.DefaultConfig().PriceURL
	}

	if cfg.Funnel.IdleSleepS == 0 {
		cfg.Funnel.IdleSleepS = 5
	}
	if cfg.Funnel.JudgeTimeoutS == 0 {
		cfg.Funnel.JudgeTimeoutS = 90
	}
	if cfg.Funnel.Quantity == "" {
		cfg.Funnel.Quantity = "500000"
	}
	if cfg.Valuer.IntervalS == 0 {
		cfg.Valuer.IntervalS = 10
	}
	if cfg.Pruner.IntervalS == 0 {
		cfg.Pruner.IntervalS = 30
	}
	if cfg.Pruner.MaxAgeS == 0 {
		cfg.Pruner.MaxAgeS = 200
	}
	if cfg.Server.ArtifactsDir == "" && cfg.ObjStore.Driver == "local" {
		cfg.Server.ArtifactsDir = cfg.ObjStore.Local.Dir
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	b := c.Bundle
	if b.Size <= 0 {
		errs = append(errs, fmt.Errorf("bundle.size must be positive, got %d", b.Size))
	}
	if b.Cols*b.Rows != b.Size {
		errs = append(errs, fmt.Errorf("bundle.cols×bundle.rows (%d×%d) must equal bundle.size (%d)", b.Cols, b.Rows, b.Size))
	}
	if b.Width < b.Cols || b.Height < b.Rows {
		errs = append(errs, fmt.Errorf("bundle canvas %dx%d too small for %dx%d grid", b.Width, b.Height, b.Cols, b.Rows))
	}
	if b.Size > 99 {
		errs = append(errs, fmt.Errorf("bundle.size %d exceeds two-digit coin ids", b.Size))
	}

	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not memory|postgres", c.Store.Driver))
	}

	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("queue.driver %q is not memory|redis", c.Queue.Driver))
	}

	switch c.ObjStore.Driver {
	case "local":
		if c.ObjStore.Local.Dir == "" {
			errs = append(errs, errors.New("objstore.local.dir is required"))
		}
	case "s3":
		s3 := c.ObjStore.S3
		if s3.Endpoint == "" || s3.Bucket == "" {
			errs = append(errs, errors.New("objstore.s3.endpoint and objstore.s3.bucket are required"))
		}
		if s3.AccessKey == "" || s3.SecretKey == "" {
			errs = append(errs, errors.New("objstore.s3.access_key and objstore.s3.secret_key are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("objstore.driver %q is not local|s3", c.ObjStore.Driver))
	}

	return errors.Join(errs...)
}
