// Package observability provides Prometheus metrics and component health
// checks for the pipeline loops.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Feed metrics
	FeedEventsReceived prometheus.Counter
	FeedEventsDropped  prometheus.Counter
	FeedReconnects     prometheus.Counter

	// Ingestion metrics
	BundlesCreated   prometheus.Counter
	CoinInsertErrors prometheus.Counter
	RenderErrors     prometheus.Counter
	BufferSize       prometheus.Gauge

	// Queue metrics
	BundlesEnqueued prometheus.Counter
	EnqueueErrors   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge

	// Processor metrics
	BundlesProcessed  prometheus.Counter
	BundlesAbandoned  *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	GoodCoinsCreated  prometheus.Counter
	BundleProcessTime prometheus.Histogram

	// Funnel metrics
	FunnelOutcomes *prometheus.CounterVec
	FunnelDuration prometheus.Histogram
	PaperBuys      prometheus.Counter

	// Portfolio metrics
	PortfolioNet prometheus.Gauge
	PriceErrors  prometheus.Counter

	// Housekeeping
	ArtifactsPruned prometheus.Counter
}

// NewMetrics creates a Metrics instance registered on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "pomp"
	}
	f := promauto.With(reg)

	return &Metrics{
		FeedEventsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "events_received_total",
			Help: "Token mint events received from the live feed",
		}),
		FeedEventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "events_dropped_total",
			Help: "Feed payloads dropped as malformed or because the output buffer was full",
		}),
		FeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "reconnects_total",
			Help: "Feed reconnect attempts",
		}),

		BundlesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "bundles_created_total",
			Help: "Bundles persisted by the ingestor",
		}),
		CoinInsertErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "coin_insert_errors_total",
			Help: "Coins that failed to persist during a flush",
		}),
		RenderErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "render_errors_total",
			Help: "Bundle composites that failed to render or upload",
		}),
		BufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "buffer_size",
			Help: "Events waiting in the accumulation buffer",
		}),

		BundlesEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "bundles_enqueued_total",
			Help: "Bundles pushed onto the work queue",
		}),
		EnqueueErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueue_errors_total",
			Help: "Enqueue failures by step",
		}, []string{"step"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Items waiting in the work queue",
		}),

		BundlesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "bundles_processed_total",
			Help: "Bundles that reached Done",
		}),
		BundlesAbandoned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "bundles_abandoned_total",
			Help: "Bundles abandoned, by the stage that failed",
		}, []string{"stage"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "decisions_total",
			Help: "Bundle screen verdicts by status",
		}, []string{"status"}),
		GoodCoinsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "goodcoins_created_total",
			Help: "GoodCoin rows persisted",
		}),
		BundleProcessTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "processor", Name: "bundle_seconds",
			Help:    "Time from pop to done for one bundle",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),

		FunnelOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "funnel", Name: "outcomes_total",
			Help: "Terminal funnel outcomes by quality",
		}, []string{"quality"}),
		FunnelDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "funnel", Name: "investigation_seconds",
			Help:    "Time spent investigating one GoodCoin",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480},
		}),
		PaperBuys: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "funnel", Name: "paper_buys_total",
			Help: "Simulated purchases recorded",
		}),

		PortfolioNet: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "portfolio", Name: "net_balance",
			Help: "Unrealized gain/loss across held positions",
		}),
		PriceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "portfolio", Name: "price_errors_total",
			Help: "Price oracle failures during valuation",
		}),

		ArtifactsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "housekeeping", Name: "artifacts_pruned_total",
			Help: "Expired artifact files removed",
		}),
	}
}

// OrDiscard returns m, or a fresh set registered nowhere when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return NewMetrics(prometheus.NewRegistry(), "")
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
