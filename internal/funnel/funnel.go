// Package funnel investigates GoodCoins one at a time through a chain of
// external checks, disqualifying at the first failed stage and paper-buying
// the survivors.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pomp/internal/intel"
	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/notify"
	"github.com/nexus-trading/pomp/internal/observability"
	"github.com/nexus-trading/pomp/internal/storage"
)

// ErrInFlight is returned by Step while another investigation is running.
var ErrInFlight = errors.New("funnel: investigation already in flight")

// unknownCoinID stands in for the human-facing id when the coin row is gone.
const unknownCoinID = "???"

// State is a stage of one investigation.
type State string

const (
	StateFound                  State = "found"
	StateHasCoinData            State = "has_coin_data"
	StateHasOfficialImage       State = "has_official_image"
	StateLensScreenshotTaken    State = "lens_screenshot_taken"
	StateLensVerdict            State = "lens_verdict"
	StateHasTwitterLink         State = "has_twitter_link"
	StateTwitterScreenshotTaken State = "twitter_screenshot_taken"
	StateFinalVerdict           State = "final_verdict"
)

// Screenshotter captures the pages the judges look at.
type Screenshotter interface {
	LensScreenshot(ctx context.Context, imageURL string) (string, error)
	TwitterScreenshot(ctx context.Context, twitterURL string) (string, error)
}

// Buyer performs the simulated purchase.
type Buyer interface {
	Buy(ctx context.Context, mint string) (*model.PortfolioEntry, error)
}

// Store is the slice of persistence the funnel needs.
type Store interface {
	storage.CoinStore
	storage.GoodCoinStore
}

// Config configures the funnel loop.
type Config struct {
	IdleSleep    time.Duration `yaml:"-"`
	JudgeTimeout time.Duration `yaml:"-"`
}

// DefaultConfig polls every 5s when idle.
func DefaultConfig() Config {
	return Config{
		IdleSleep:    5 * time.Second,
		JudgeTimeout: 90 * time.Second,
	}
}

// Result describes one finished investigation.
type Result struct {
	GoodCoinID string
	CoinID     string
	Quality    model.Quality
	// Reached is the last state entered before the terminal transition.
	Reached State
	Reason  string
}

// Funnel runs investigations. Step is serialized by an in-flight guard, so
// at most one GoodCoin is under investigation per Funnel.
type Funnel struct {
	config   Config
	store    Store
	shots    Screenshotter
	lens     intel.LensJudge
	account  intel.AccountJudge
	buyer    Buyer
	notifier notify.Publisher
	metrics  *observability.Metrics

	inFlight atomic.Bool
}

// New creates a Funnel. metrics may be nil.
func New(config Config, store Store, shots Screenshotter, lens intel.LensJudge, account intel.AccountJudge, buyer Buyer, notifier notify.Publisher, metrics *observability.Metrics) *Funnel {
	def := DefaultConfig()
	if config.IdleSleep <= 0 {
		config.IdleSleep = def.IdleSleep
	}
	if config.JudgeTimeout <= 0 {
		config.JudgeTimeout = def.JudgeTimeout
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Funnel{
		config:   config,
		store:    store,
		shots:    shots,
		lens:     lens,
		account:  account,
		buyer:    buyer,
		notifier: notifier,
		metrics:  observability.OrDiscard(metrics),
	}
}

// Run advances one GoodCoin per iteration, sleeping when there is nothing
// to do or a step failed.
func (f *Funnel) Run(ctx context.Context) error {
	log.Info().Dur("idle_sleep", f.config.IdleSleep).Msg("funnel: started")
	for {
		res, err := f.Step(ctx)
		if err != nil {
			log.Error().Err(err).Msg("funnel: step failed")
		}
		if res == nil || err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("funnel: stopped")
				return nil
			case <-time.After(f.config.IdleSleep):
			}
			continue
		}
		if ctx.Err() != nil {
			log.Info().Msg("funnel: stopped")
			return nil
		}
	}
}

// Step investigates the oldest unprocessed GoodCoin to a terminal outcome.
// It returns (nil, nil) when there is none.
func (f *Funnel) Step(ctx context.Context) (*Result, error) {
	if !f.inFlight.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer f.inFlight.Store(false)

	gc, err := f.store.OldestUnprocessedGoodCoin(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("funnel: poll: %w", err)
	}

	start := time.Now()
	log.Info().Str("goodcoin_id", gc.ID).Str("coin_uuid", gc.CoinUUID).Msg("funnel: investigation started")

	res := f.investigate(ctx, gc)
	if err := f.finish(ctx, gc, res); err != nil {
		return res, err
	}

	f.metrics.FunnelOutcomes.WithLabelValues(string(res.Quality)).Inc()
	f.metrics.FunnelDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Str("goodcoin_id", gc.ID).
		Str("coin_id", res.CoinID).
		Str("quality", string(res.Quality)).
		Str("reached", string(res.Reached)).
		Str("reason", res.Reason).
		Dur("took", time.Since(start)).
		Msg("funnel: investigation finished")
	return res, nil
}

// investigate walks the state chain and returns the terminal outcome. The
// purchase itself happens here; persistence of the outcome is left to finish.
func (f *Funnel) investigate(ctx context.Context, gc *model.GoodCoin) *Result {
	res := &Result{GoodCoinID: gc.ID, CoinID: unknownCoinID, Reached: StateFound}
	bad := func(reason string) *Result {
		res.Quality = model.QualityBad
		res.Reason = reason
		return res
	}

	// Found → HasCoinData
	coin, err := f.store.GetCoin(ctx, gc.CoinUUID)
	if err != nil {
		res.Quality = model.QualityError
		res.Reason = "coin data: " + err.Error()
		return res
	}
	res.CoinID = coin.CoinID
	res.Reached = StateHasCoinData

	if gc.ImageURL != "" {
		f.notifier.Publish(notify.EventStartInvestigation, notify.Investigation{ImageURL: gc.ImageURL})
	}

	// HasCoinData → HasOfficialImage
	if coin.ImageURL == "" {
		return bad("no official image")
	}
	res.Reached = StateHasOfficialImage

	// HasOfficialImage → LensScreenshotTaken
	lensShot, err := f.shots.LensScreenshot(ctx, coin.ImageURL)
	if err != nil {
		return bad("lens screenshot: " + err.Error())
	}
	f.recordScreenshot(ctx, gc.ID, lensShot)
	res.Reached = StateLensScreenshotTaken

	// LensScreenshotTaken → LensVerdict; no usable verdict counts as a copy.
	jctx, cancel := context.WithTimeout(ctx, f.config.JudgeTimeout)
	lv, err := f.lens.CheckUniqueness(jctx, lensShot)
	cancel()
	answer := intel.AnswerCopy
	switch {
	case err != nil:
		log.Warn().Err(err).Str("goodcoin_id", gc.ID).Msg("funnel: lens check failed, assuming copy")
	case !lv.Usable():
		log.Warn().Str("status", string(lv.Status)).Str("reason", lv.Reason).Str("goodcoin_id", gc.ID).
			Msg("funnel: lens check gave no answer, assuming copy")
	default:
		answer = lv.Answer
	}
	res.Reached = StateLensVerdict
	if answer != intel.AnswerUnique {
		return bad("lens verdict: " + answer)
	}

	// LensVerdict → HasTwitterLink
	if coin.Twitter == "" {
		return bad("no twitter link")
	}
	res.Reached = StateHasTwitterLink

	// HasTwitterLink → TwitterScreenshotTaken
	twShot, err := f.shots.TwitterScreenshot(ctx, coin.Twitter)
	if err != nil {
		return bad("twitter screenshot: " + err.Error())
	}
	f.recordScreenshot(ctx, gc.ID, twShot)
	res.Reached = StateTwitterScreenshotTaken

	// TwitterScreenshotTaken → FinalVerdict; no usable verdict counts as a pass.
	jctx, cancel = context.WithTimeout(ctx, f.config.JudgeTimeout)
	av, err := f.account.CheckAccount(jctx, twShot)
	cancel()
	answer = intel.AnswerPass
	switch {
	case err != nil:
		log.Warn().Err(err).Str("goodcoin_id", gc.ID).Msg("funnel: final check failed, assuming pass")
	case !av.Usable():
		log.Warn().Str("status", string(av.Status)).Str("reason", av.Reason).Str("goodcoin_id", gc.ID).
			Msg("funnel: final check gave no answer, assuming pass")
	default:
		answer = av.Answer
	}
	res.Reached = StateFinalVerdict
	if answer != intel.AnswerBuy {
		return bad("final verdict: " + answer)
	}

	if _, err := f.buyer.Buy(ctx, coin.Mint); err != nil {
		res.Quality = model.QualityError
		res.Reason = "buy: " + err.Error()
		return res
	}
	res.Quality = model.QualityBuy
	return res
}

// finish persists the terminal outcome once and emits its notifications.
func (f *Funnel) finish(ctx context.Context, gc *model.GoodCoin, res *Result) error {
	if err := f.store.MarkGoodCoinProcessed(ctx, gc.ID, res.Quality); err != nil {
		return fmt.Errorf("funnel: mark %s %s: %w", gc.ID, res.Quality, err)
	}

	if res.Quality == model.QualityBuy {
		f.notifier.Publish(notify.EventBoughtCoin, notify.CoinRef{CoinID: res.CoinID})
	} else {
		f.notifier.Publish(notify.EventDisqualifiedCoin, notify.CoinRef{CoinID: res.CoinID})
	}
	f.notifier.Publish(notify.EventStopInvestigation, nil)
	return nil
}

func (f *Funnel) recordScreenshot(ctx context.Context, id, url string) {
	if err := f.store.SetGoodCoinScreenshot(ctx, id, url); err != nil {
		log.Warn().Err(err).Str("goodcoin_id", id).Msg("funnel: store screenshot url")
	}
}

// InFlight reports whether an investigation is running.
func (f *Funnel) InFlight() bool {
	return f.inFlight.Load()
}
