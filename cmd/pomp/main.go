package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/pomp/internal/adapters/jupiter"
	"github.com/nexus-trading/pomp/internal/config"
	"github.com/nexus-trading/pomp/internal/execution"
	"github.com/nexus-trading/pomp/internal/feed"
	"github.com/nexus-trading/pomp/internal/funnel"
	"github.com/nexus-trading/pomp/internal/grid"
	"github.com/nexus-trading/pomp/internal/housekeeping"
	"github.com/nexus-trading/pomp/internal/ingest"
	"github.com/nexus-trading/pomp/internal/intel"
	"github.com/nexus-trading/pomp/internal/metadata"
	"github.com/nexus-trading/pomp/internal/notify"
	"github.com/nexus-trading/pomp/internal/objstore"
	"github.com/nexus-trading/pomp/internal/observability"
	"github.com/nexus-trading/pomp/internal/portfolio"
	"github.com/nexus-trading/pomp/internal/processor"
	"github.com/nexus-trading/pomp/internal/queue"
	"github.com/nexus-trading/pomp/internal/render"
	"github.com/nexus-trading/pomp/internal/screenshot"
	"github.com/nexus-trading/pomp/internal/server"
	"github.com/nexus-trading/pomp/internal/storage"
	"github.com/nexus-trading/pomp/internal/storage/memory"
	"github.com/nexus-trading/pomp/internal/storage/migrations"
	"github.com/nexus-trading/pomp/internal/storage/postgres"
)

const (
	loopIngest  = "ingest"
	loopEnqueue = "enqueue"
	loopProcess = "process"
	loopFunnel  = "funnel"
	loopValuer  = "valuer"
	loopPrune   = "prune"
)

var allLoops = []string{loopIngest, loopEnqueue, loopProcess, loopFunnel, loopValuer, loopPrune}

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/pomp.yaml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional dotenv file loaded before the config")
	loopsFlag := flag.String("loops", strings.Join(allLoops, ","), "Comma separated loops to run in this process")
	flag.Parse()

	// 2. Load environment and configuration.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load env file %s: %v\n", *envPath, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	loops, err := parseLoops(*loopsFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -loops flag")
	}
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Strs("loops", loops).
		Str("store", cfg.Store.Driver).
		Str("queue", cfg.Queue.Driver).
		Str("objstore", cfg.ObjStore.Driver).
		Int("bundle_size", cfg.Bundle.Size).
		Msg("pomp - Starting")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}
	quantity, err := decimal.NewFromString(cfg.Funnel.Quantity)
	if err != nil {
		log.Fatal().Err(err).Str("quantity", cfg.Funnel.Quantity).Msg("Invalid funnel.quantity")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Metrics and health.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg, "")
	health := observability.NewHealthMonitor(2 * time.Second)

	// 5. Persistence.
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Store unavailable")
	}
	defer store.Close()
	health.Register("store", observability.PingCheck(store.Ping))

	q, closeQueue := openQueue(cfg.Queue)
	defer closeQueue()
	health.Register("queue", observability.PingCheck(q.Ping))

	uploader, err := openObjStore(cfg.ObjStore)
	if err != nil {
		log.Fatal().Err(err).Msg("Object storage unavailable")
	}
	if s3, ok := uploader.(*objstore.S3); ok {
		health.Register("objstore", observability.PingCheck(s3.Ping))
	}

	// 6. Capabilities.
	hub := notify.NewHub(notify.DefaultHubConfig())
	llm := intel.NewOpenAI(cfg.LLM)
	shots := screenshot.NewClient(cfg.Screenshot)
	prices := jupiter.NewAPIClient(cfg.Pricing)
	buyer := execution.NewPaperBuyer(execution.Config{
		Quantity:    quantity,
		SlippageBps: cfg.Funnel.SlippageBps,
	}, prices, store, metrics)

	layout := grid.Layout{
		Cols:   cfg.Bundle.Cols,
		Rows:   cfg.Bundle.Rows,
		Width:  cfg.Bundle.Width,
		Height: cfg.Bundle.Height,
	}

	// 7. Loops.
	g, gctx := errgroup.WithContext(ctx)
	stats := map[string]func() any{
		"hub":        func() any { return hub.Stats() },
		"screenshot": func() any { return shots.Stats() },
		"pricing":    func() any { return prices.APIStats() },
		"buyer":      func() any { return buyer.Stats() },
	}

	if slices.Contains(loops, loopIngest) {
		renderCfg := render.DefaultConfig()
		renderCfg.Layout = layout
		renderCfg.FetchConcurrency = cfg.Bundle.ThumbConcurrent
		renderer, err := render.New(renderCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Renderer unavailable")
		}

		ingestCfg := ingest.DefaultConfig()
		ingestCfg.BundleSize = cfg.Bundle.Size
		ingestCfg.PumpfunURL = cfg.Bundle.PumpfunURL
		ingestCfg.FlushTimeout = time.Duration(cfg.Bundle.FlushTimeoutS) * time.Second
		ingestor := ingest.New(ingestCfg, metadata.NewResolver(cfg.Metadata), renderer, store, uploader, metrics)

		monitor := feed.NewMonitor(cfg.Feed, metrics)
		health.Register("feed", observability.FlagCheck(monitor.Connected, "feed disconnected"))
		stats["feed"] = func() any { return monitor.Stats() }

		g.Go(func() error {
			return ingestor.Run(gctx, monitor.Start(gctx))
		})
	}

	if slices.Contains(loops, loopEnqueue) {
		enqueuer := queue.NewEnqueuer(queue.EnqueuerConfig{
			ActiveInterval: time.Duration(cfg.Queue.ActiveIntervalS) * time.Second,
			IdleInterval:   time.Duration(cfg.Queue.IdleIntervalS) * time.Second,
		}, store, q, metrics)
		g.Go(func() error { return enqueuer.Run(gctx) })
	}

	if slices.Contains(loops, loopProcess) {
		procCfg := processor.DefaultConfig()
		procCfg.Layout = layout
		procCfg.PopTimeout = time.Duration(cfg.Bundle.PopTimeoutS) * time.Second
		procCfg.FetchTimeout = time.Duration(cfg.Bundle.FetchTimeoutS) * time.Second
		procCfg.DecideTimeout = time.Duration(cfg.Bundle.DecideTimeoutS) * time.Second
		procCfg.FadeDelay = time.Duration(cfg.Bundle.FadeDelayMs) * time.Millisecond
		proc := processor.New(procCfg, q, store, llm, uploader, hub, metrics)
		stats["processor"] = func() any { return map[string]string{"current_bundle": proc.CurrentBundle()} }
		g.Go(func() error { return proc.Run(gctx) })
	}

	if slices.Contains(loops, loopFunnel) {
		fn := funnel.New(funnel.Config{
			IdleSleep:    time.Duration(cfg.Funnel.IdleSleepS) * time.Second,
			JudgeTimeout: time.Duration(cfg.Funnel.JudgeTimeoutS) * time.Second,
		}, store, shots, llm, llm, buyer, hub, metrics)
		stats["funnel"] = func() any { return map[string]bool{"in_flight": fn.InFlight()} }
		g.Go(func() error { return fn.Run(gctx) })
	}

	if slices.Contains(loops, loopValuer) {
		valuer := portfolio.NewValuer(portfolio.Config{
			Interval: time.Duration(cfg.Valuer.IntervalS) * time.Second,
		}, store, prices, hub, metrics)
		g.Go(func() error { return valuer.Run(gctx) })
	}

	if slices.Contains(loops, loopPrune) {
		dirs := cfg.Pruner.Dirs
		if len(dirs) == 0 && cfg.ObjStore.Driver == "local" {
			dirs = []string{cfg.ObjStore.Local.Dir}
		}
		pruner := housekeeping.NewPruner(housekeeping.Config{
			Dirs:     dirs,
			Interval: time.Duration(cfg.Pruner.IntervalS) * time.Second,
			MaxAge:   time.Duration(cfg.Pruner.MaxAgeS) * time.Second,
		}, metrics)
		g.Go(func() error { return pruner.Run(gctx) })
	}

	g.Go(func() error { return health.Run(gctx, 30*time.Second) })

	srv := server.New(cfg.Server, server.Handlers{
		Socket:  hub,
		Health:  health.Handler(),
		Metrics: observability.Handler(reg),
		Stats: func() any {
			out := make(map[string]any, len(stats))
			for name, fn := range stats {
				out[name] = fn()
			}
			return out
		},
	})
	g.Go(func() error { return srv.Run(gctx) })

	log.Info().Msg("pomp - Running")

	// 8. Block until every loop has returned.
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("pomp - loop failed")
	}
	log.Info().Msg("pomp - Shutdown complete")
}

func parseLoops(s string) ([]string, error) {
	var loops []string
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !slices.Contains(allLoops, name) {
			return nil, fmt.Errorf("unknown loop %q (want one of %s)", name, strings.Join(allLoops, ","))
		}
		if !slices.Contains(loops, name) {
			loops = append(loops, name)
		}
	}
	if len(loops) == 0 {
		return nil, errors.New("no loops selected")
	}
	return loops, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	if cfg.Driver != "postgres" {
		log.Warn().Msg("Store: in-memory, data is lost on exit")
		return memory.New(), nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := migrations.RunPostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	log.Info().Msg("Store: postgres")
	return postgres.NewStore(pool), nil
}

func openQueue(cfg config.QueueConfig) (queue.Queue, func()) {
	if cfg.Driver != "redis" {
		log.Warn().Msg("Queue: in-memory, only usable when every loop runs in this process")
		return queue.NewMemoryQueue(), func() {}
	}
	rq := queue.NewRedisQueue(cfg.Redis)
	log.Info().Str("addr", cfg.Redis.Addr).Str("key", cfg.Redis.Key).Msg("Queue: redis")
	return rq, func() { rq.Close() }
}

func openObjStore(cfg config.ObjStoreConfig) (objstore.Uploader, error) {
	if cfg.Driver == "s3" {
		log.Info().Str("endpoint", cfg.S3.Endpoint).Str("bucket", cfg.S3.Bucket).Msg("Object storage: s3")
		return objstore.NewS3(cfg.S3)
	}
	log.Info().Str("dir", cfg.Local.Dir).Msg("Object storage: local directory")
	return objstore.NewLocal(cfg.Local)
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "pomp").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "pomp").
			Str("instance", general.InstanceID).Logger()
	}
}
