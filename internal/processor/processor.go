// Package processor is the bundle consumer: it pops one bundle at a time,
// crops the composite into per-coin cells, asks for a yes/no screen and
// records every "yes" as a GoodCoin for the funnel.
package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp"

	"github.com/nexus-trading/pomp/internal/grid"
	"github.com/nexus-trading/pomp/internal/intel"
	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/notify"
	"github.com/nexus-trading/pomp/internal/objstore"
	"github.com/nexus-trading/pomp/internal/observability"
	"github.com/nexus-trading/pomp/internal/queue"
	"github.com/nexus-trading/pomp/internal/storage"
)

// ---------------------------------------------------------------------------
// Bundle Processor: Queued → ImageFetched → CoinsCropped → AwaitingDecision
//                    → DecisionReceived → Persist → Done
// ---------------------------------------------------------------------------

// Stage is a step of the per-bundle state machine.
type Stage string

const (
	StageQueued           Stage = "queued"
	StageImageFetched     Stage = "image_fetched"
	StageCoinsCropped     Stage = "coins_cropped"
	StageAwaitingDecision Stage = "awaiting_decision"
	StageDecisionReceived Stage = "decision_received"
	StagePersist          Stage = "persist"
	StageDone             Stage = "done"
)

// StageError abandons a bundle. Stage is the state the bundle failed to
// reach. The queue item is already consumed, so the bundle is not retried.
type StageError struct {
	BundleID string
	Stage    Stage
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("processor: bundle %s failed at %s: %v", e.BundleID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Store is the slice of persistence the processor needs.
type Store interface {
	storage.CoinStore
	storage.GoodCoinStore
}

// Config configures the processor.
type Config struct {
	Layout            grid.Layout   `yaml:"-"`
	PopTimeout        time.Duration `yaml:"-"`
	FetchTimeout      time.Duration `yaml:"-"`
	DecideTimeout     time.Duration `yaml:"-"`
	FadeDelay         time.Duration `yaml:"-"`
	CoinKeyPrefix     string        `yaml:"coin_key_prefix"`
	GoodCoinKeyPrefix string        `yaml:"goodcoin_key_prefix"`
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		Layout:            grid.DefaultLayout(),
		PopTimeout:        5 * time.Second,
		FetchTimeout:      10 * time.Second,
		DecideTimeout:     90 * time.Second,
		FadeDelay:         5 * time.Second,
		CoinKeyPrefix:     "coins/",
		GoodCoinKeyPrefix: "goodcoins/",
	}
}

// Processor consumes the work queue. Only one Processor may run per queue.
type Processor struct {
	config   Config
	queue    queue.Queue
	store    Store
	decider  intel.BundleDecider
	uploader objstore.Uploader
	notifier notify.Publisher
	metrics  *observability.Metrics
	client   *http.Client

	current atomic.Pointer[string]
}

// New creates a Processor. metrics may be nil.
func New(config Config, q queue.Queue, store Store, decider intel.BundleDecider, uploader objstore.Uploader, notifier notify.Publisher, metrics *observability.Metrics) *Processor {
	def := DefaultConfig()
	if config.Layout.Size() == 0 {
		config.Layout = def.Layout
	}
	if config.PopTimeout <= 0 {
		config.PopTimeout = def.PopTimeout
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	if config.DecideTimeout <= 0 {
		config.DecideTimeout = def.DecideTimeout
	}
	if config.CoinKeyPrefix == "" {
		config.CoinKeyPrefix = def.CoinKeyPrefix
	}
	if config.GoodCoinKeyPrefix == "" {
		config.GoodCoinKeyPrefix = def.GoodCoinKeyPrefix
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Processor{
		config:   config,
		queue:    q,
		store:    store,
		decider:  decider,
		uploader: uploader,
		notifier: notifier,
		metrics:  observability.OrDiscard(metrics),
		client:   &http.Client{Timeout: config.FetchTimeout},
	}
}

// CurrentBundle returns the id of the bundle in progress, or "".
func (p *Processor) CurrentBundle() string {
	if id := p.current.Load(); id != nil {
		return *id
	}
	return ""
}

// Run processes bundles until ctx is cancelled. Abandoned bundles are
// logged and counted; the loop never stops on a bundle failure.
func (p *Processor) Run(ctx context.Context) error {
	log.Info().Int("bundle_size", p.config.Layout.Size()).Msg("processor: started")
	for {
		if ctx.Err() != nil {
			log.Info().Msg("processor: stopped")
			return nil
		}
		if _, err := p.ProcessNext(ctx); err != nil {
			var se *StageError
			if errors.As(err, &se) {
				log.Error().Err(se.Err).Str("bundle_id", se.BundleID).Str("stage", string(se.Stage)).
					Msg("processor: bundle abandoned")
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			log.Warn().Err(err).Msg("processor: pop failed")
			select {
			case <-ctx.Done():
			case <-time.After(p.config.PopTimeout):
			}
		}
	}
}

// ProcessNext pops and fully processes one bundle. It reports whether an
// item was taken off the queue. An empty queue is (false, nil).
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	payload, err := p.queue.Pop(ctx, p.config.PopTimeout)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	start := time.Now()
	env, err := queue.DecodeEnvelope(payload)
	if err != nil {
		return true, p.abandon("", StageQueued, err)
	}

	p.current.Store(&env.BundleID)
	defer p.current.Store(nil)

	log.Info().Str("bundle_id", env.BundleID).Msg("processor: bundle popped")

	// Queued → ImageFetched
	composite, err := p.fetchComposite(ctx, env.ImageURL)
	if err != nil {
		return true, p.abandon(env.BundleID, StageImageFetched, err)
	}
	l := p.config.Layout
	if b := composite.Bounds(); b.Dx() != l.Width || b.Dy() != l.Height {
		log.Warn().Str("bundle_id", env.BundleID).Int("width", b.Dx()).Int("height", b.Dy()).
			Msg("processor: composite size differs from layout, cropping by actual size")
	}

	// ImageFetched → CoinsCropped
	crops := make([][]byte, l.Size()+1)
	for i := 1; i <= l.Size(); i++ {
		data, err := encodePNG(grid.Crop(composite, i, l.Cols, l.Rows))
		if err != nil {
			return true, p.abandon(env.BundleID, StageCoinsCropped, err)
		}
		crops[i] = data
	}

	p.notifier.Publish(notify.EventClearCanvas, nil)
	cropURLs := make(map[string]string, l.Size())
	for i := 1; i <= l.Size(); i++ {
		id := grid.Label(i)
		url := p.uploadCrop(ctx, env.BundleID, id, crops[i])
		cropURLs[id] = url
		p.notifier.Publish(notify.EventAddCoin, notify.AddCoin{BundleID: env.BundleID, ID: id, URL: url})
	}

	// CoinsCropped → AwaitingDecision
	coins, err := p.store.ListCoinsByBundle(ctx, env.BundleID)
	if err != nil {
		log.Warn().Err(err).Str("bundle_id", env.BundleID).Msg("processor: coin metadata unavailable")
		coins = nil
	}
	if len(coins) < l.Size() {
		log.Warn().Str("bundle_id", env.BundleID).Int("coins", len(coins)).Int("expected", l.Size()).
			Msg("processor: partial coin metadata")
	}
	byID := make(map[string]*model.Coin, len(coins))
	for _, c := range coins {
		byID[c.CoinID] = c
		if url := cropURLs[c.CoinID]; url != "" && !isDataURL(url) {
			if err := p.store.SetCoinCropURL(ctx, c.ID, url); err != nil {
				log.Warn().Err(err).Str("coin_id", c.CoinID).Msg("processor: store crop url")
			}
		}
	}

	infos := make([]intel.CoinInfo, l.Size())
	for i := 1; i <= l.Size(); i++ {
		id := grid.Label(i)
		infos[i-1] = intel.CoinInfo{ID: id}
		if c := byID[id]; c != nil {
			infos[i-1] = intel.CoinInfo{ID: id, Name: c.Name, Symbol: c.Symbol, Description: c.Description}
		}
	}

	dctx, cancel := context.WithTimeout(ctx, p.config.DecideTimeout)
	verdict, err := p.decider.Decide(dctx, env.BundleID, env.ImageURL, infos)
	cancel()
	if err != nil {
		p.metrics.Decisions.WithLabelValues("error").Inc()
		return true, p.abandon(env.BundleID, StageDecisionReceived, err)
	}

	// AwaitingDecision → DecisionReceived
	p.metrics.Decisions.WithLabelValues(string(verdict.Status)).Inc()
	if !verdict.Usable() {
		return true, p.abandon(env.BundleID, StageDecisionReceived,
			fmt.Errorf("decision %s: %s", verdict.Status, verdict.Reason))
	}

	// DecisionReceived → Persist
	marks := make([]notify.Mark, 0, len(verdict.Decisions))
	good := 0
	for _, d := range verdict.Decisions {
		marks = append(marks, notify.Mark{ID: d.ID, Decision: string(d.Decision)})
		coin := byID[d.ID]
		if coin != nil {
			if err := p.store.SetCoinDecision(ctx, coin.ID, d.Decision); err != nil {
				log.Warn().Err(err).Str("coin_id", d.ID).Msg("processor: store decision")
			}
		}
		if d.Decision != model.DecisionYes {
			continue
		}
		if coin == nil {
			log.Warn().Str("bundle_id", env.BundleID).Str("coin_id", d.ID).Msg("processor: yes for a coin with no row, skipped")
			continue
		}
		idx, _ := grid.ParseLabel(d.ID, l.Size())
		if p.persistGoodCoin(ctx, composite, idx, coin) {
			good++
		}
	}

	// Persist → Done
	p.notifier.Publish(notify.EventOverlayMarks, marks)
	if p.config.FadeDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(p.config.FadeDelay):
		}
	}
	p.notifier.Publish(notify.EventFadeOut, nil)

	p.metrics.BundlesProcessed.Inc()
	p.metrics.BundleProcessTime.Observe(time.Since(start).Seconds())
	log.Info().Str("bundle_id", env.BundleID).Int("good", good).Dur("took", time.Since(start)).
		Msg("processor: bundle done")
	return true, nil
}

// persistGoodCoin re-crops the coin's cell from the original composite,
// uploads it and records the GoodCoin. Failures are logged and confined to
// this coin. Reports whether a new row was written.
func (p *Processor) persistGoodCoin(ctx context.Context, composite image.Image, index int, coin *model.Coin) bool {
	l := p.config.Layout
	data, err := encodePNG(grid.Crop(composite, index, l.Cols, l.Rows))
	if err != nil {
		log.Warn().Err(err).Str("coin_id", coin.CoinID).Msg("processor: encode good coin crop")
		return false
	}

	gc := &model.GoodCoin{ID: uuid.NewString(), CoinUUID: coin.ID}
	url, err := p.uploader.Upload(ctx, p.config.GoodCoinKeyPrefix+gc.ID+".png", data, "image/png")
	if err != nil {
		log.Warn().Err(err).Str("coin_id", coin.CoinID).Msg("processor: good coin upload failed, recording without image")
	} else {
		gc.ImageURL = url
	}

	if err := p.store.InsertGoodCoin(ctx, gc); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			log.Info().Str("coin_id", coin.CoinID).Str("coin_uuid", coin.ID).Msg("processor: good coin already recorded")
			return false
		}
		log.Error().Err(err).Str("coin_id", coin.CoinID).Msg("processor: insert good coin")
		return false
	}

	p.metrics.GoodCoinsCreated.Inc()
	log.Info().Str("goodcoin_id", gc.ID).Str("coin_id", coin.CoinID).Str("mint", coin.Mint).
		Msg("processor: good coin recorded")
	return true
}

// uploadCrop stores a crop and returns its URL, or an inline data URL when
// the upload fails.
func (p *Processor) uploadCrop(ctx context.Context, bundleID, coinID string, data []byte) string {
	key := fmt.Sprintf("%s%s_%s.png", p.config.CoinKeyPrefix, bundleID, coinID)
	url, err := p.uploader.Upload(ctx, key, data, "image/png")
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("processor: crop upload failed, inlining")
		return dataURL(data)
	}
	return url
}

func (p *Processor) fetchComposite(ctx context.Context, url string) (image.Image, error) {
	fctx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch composite: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch composite: HTTP %d", resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode composite: %w", err)
	}
	return img, nil
}

func (p *Processor) abandon(bundleID string, stage Stage, err error) error {
	p.metrics.BundlesAbandoned.WithLabelValues(string(stage)).Inc()
	return &StageError{BundleID: bundleID, Stage: stage, Err: err}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const dataURLPrefix = "data:image/png;base64,"

func dataURL(data []byte) string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(data)
}

func isDataURL(s string) bool {
	return strings.HasPrefix(s, dataURLPrefix)
}
