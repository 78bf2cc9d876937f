package funnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pomp/internal/execution"
	"github.com/nexus-trading/pomp/internal/intel"
	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/notify"
	"github.com/nexus-trading/pomp/internal/storage/memory"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeShots struct {
	lensErr    error
	twitterErr error
	block      chan struct{}

	mu    sync.Mutex
	calls []string
}

func (s *fakeShots) LensScreenshot(_ context.Context, imageURL string) (string, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.calls = append(s.calls, "lens:"+imageURL)
	s.mu.Unlock()
	if s.lensErr != nil {
		return "", s.lensErr
	}
	return "https://shots/lens.png", nil
}

func (s *fakeShots) TwitterScreenshot(_ context.Context, twitterURL string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, "twitter:"+twitterURL)
	s.mu.Unlock()
	if s.twitterErr != nil {
		return "", s.twitterErr
	}
	return "https://shots/twitter.png", nil
}

type prices map[string]decimal.Decimal

func (p prices) Price(_ context.Context, mint string) (decimal.Decimal, error) {
	if v, ok := p[mint]; ok {
		return v, nil
	}
	return decimal.Zero, errors.New("no route")
}

type fixture struct {
	store  *memory.Store
	shots  *fakeShots
	judge  *intel.Stub
	events *notify.Recorder
	funnel *Funnel
}

func newFixture(t *testing.T, p prices) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		shots:  &fakeShots{},
		judge:  intel.NewStub(),
		events: &notify.Recorder{},
	}
	buyer := execution.NewPaperBuyer(execution.DefaultConfig(), p, f.store, nil)
	f.funnel = New(Config{IdleSleep: 10 * time.Millisecond}, f.store, f.shots, f.judge, f.judge, buyer, f.events, nil)
	return f
}

// seed stores a coin and a GoodCoin for it and returns the GoodCoin id.
func (f *fixture) seed(t *testing.T, coin model.Coin, gcImage string) string {
	t.Helper()
	ctx := context.Background()
	coin.ID = "coin-" + coin.CoinID
	coin.BundleID = "b1"
	if coin.Mint == "" {
		coin.Mint = "MINT" + coin.CoinID
	}
	require.NoError(t, f.store.InsertCoin(ctx, &coin))
	gc := &model.GoodCoin{ID: "gc-" + coin.CoinID, CoinUUID: coin.ID, ImageURL: gcImage}
	require.NoError(t, f.store.InsertGoodCoin(ctx, gc))
	return gc.ID
}

func (f *fixture) goodCoin(t *testing.T, id string) model.GoodCoin {
	t.Helper()
	for _, g := range f.store.GoodCoins() {
		if g.ID == id {
			return g
		}
	}
	t.Fatalf("goodcoin %s not found", id)
	return model.GoodCoin{}
}

func fullCoin(coinID string) model.Coin {
	return model.Coin{
		CoinID:   coinID,
		ImageURL: "https://img/" + coinID + ".png",
		Twitter:  "https://x.com/coin" + coinID,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStep_Idle(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, f.events.Events())
}

func TestStep_NoOfficialImageIsBad(t *testing.T) {
	f := newFixture(t, nil)
	coin := fullCoin("03")
	coin.ImageURL = ""
	id := f.seed(t, coin, "https://cdn/goodcoins/gc-03.png")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.QualityBad, res.Quality)
	assert.Equal(t, StateHasCoinData, res.Reached)

	gc := f.goodCoin(t, id)
	assert.True(t, gc.Processed)
	assert.Equal(t, model.QualityBad, gc.Quality)

	assert.Equal(t, []string{
		notify.EventStartInvestigation,
		notify.EventDisqualifiedCoin,
		notify.EventStopInvestigation,
	}, f.events.Names())
	dq := f.events.Named(notify.EventDisqualifiedCoin)[0].Data.(notify.CoinRef)
	assert.Equal(t, "03", dq.CoinID)
	assert.Empty(t, f.shots.calls)
}

func TestStep_CopyIsBadAndNothingBought(t *testing.T) {
	f := newFixture(t, prices{"MINT05": decimal.NewFromInt(1)})
	f.judge.WithLens(intel.OK(intel.AnswerCopy))
	id := f.seed(t, fullCoin("05"), "")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QualityBad, res.Quality)
	assert.Equal(t, StateLensVerdict, res.Reached)
	assert.Zero(t, f.store.PortfolioCount())
	assert.Zero(t, f.judge.Calls("account"))

	gc := f.goodCoin(t, id)
	assert.Equal(t, "https://shots/lens.png", gc.ScreenshotURL)
	// No stored crop, so no start notification.
	assert.Equal(t, []string{notify.EventDisqualifiedCoin, notify.EventStopInvestigation}, f.events.Names())
}

func TestStep_NoLensVerdictDefaultsToBad(t *testing.T) {
	f := newFixture(t, nil)
	f.judge.WithLens(intel.Verdict{Status: intel.StatusRefused})
	f.seed(t, fullCoin("01"), "")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QualityBad, res.Quality)
	assert.Contains(t, res.Reason, "copy")
}

func TestStep_LensScreenshotFailureIsBad(t *testing.T) {
	f := newFixture(t, nil)
	f.shots.lensErr = errors.New("HTTP 500")
	f.seed(t, fullCoin("02"), "")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QualityBad, res.Quality)
	assert.Equal(t, StateHasOfficialImage, res.Reached)
	assert.Zero(t, f.judge.Calls("lens"))
}

func TestStep_NoTwitterIsBad(t *testing.T) {
	f := newFixture(t, nil)
	f.judge.WithLens(intel.OK(intel.AnswerUnique))
	coin := fullCoin("04")
	coin.Twitter = ""
	f.seed(t, coin, "")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QualityBad, res.Quality)
	assert.Equal(t, StateLensVerdict, res.Reached)
	assert.Equal(t, "no twitter link", res.Reason)
}

func TestStep_TwitterScreenshotFailureIsBad(t *testing.T) {
	f := newFixture(t, nil)
	f.judge.WithLens(intel.OK(intel.AnswerUnique))
	f.shots.twitterErr = errors.New("timeout")
	f.seed(t, fullCoin("06"), "")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QualityBad, res.Quality)
	assert.Equal(t, StateHasTwitterLink, res.Reached)
}

func TestStep_PassIsBad(t *testing.T) {
	f := newFixture(t, nil)
	f.judge.WithLens(intel.OK(intel.AnswerUnique)).WithAccounts(intel.OK(intel.AnswerPass))
	id := f.seed(t, fullCoin("07"), "")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QualityBad, res.Quality)
	assert.Equal(t, StateFinalVerdict, res.Reached)
	assert.Equal(t, "https://shots/twitter.png", f.goodCoin(t, id).ScreenshotURL)
}

func TestStep_NoFinalVerdictDefaultsToBad(t *testing.T) {
	f := newFixture(t, nil)
	f.judge.WithLens(intel.OK(intel.AnswerUnique))
	f.seed(t, fullCoin("07"), "")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QualityBad, res.Quality)
	assert.Contains(t, res.Reason, "pass")
}

func TestStep_BuyRecordsPosition(t *testing.T) {
	f := newFixture(t, prices{"MINT08": decimal.RequireFromString("0.001")})
	f.judge.WithLens(intel.OK(intel.AnswerUnique)).WithAccounts(intel.OK(intel.AnswerBuy))
	id := f.seed(t, fullCoin("08"), "https://cdn/goodcoins/gc-08.png")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QualityBuy, res.Quality)

	gc := f.goodCoin(t, id)
	assert.True(t, gc.Processed)
	assert.Equal(t, model.QualityBuy, gc.Quality)

	held, err := f.store.ListHeldPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "MINT08", held[0].Mint)
	assert.True(t, held[0].Quantity.Equal(decimal.NewFromInt(500_000)))

	assert.Equal(t, []string{
		notify.EventStartInvestigation,
		notify.EventBoughtCoin,
		notify.EventStopInvestigation,
	}, f.events.Names())
	assert.Empty(t, f.events.Named(notify.EventDisqualifiedCoin))
	assert.Equal(t, []string{"lens:https://img/08.png", "twitter:https://x.com/coin08"}, f.shots.calls)
}

func TestStep_BuyFailureIsError(t *testing.T) {
	f := newFixture(t, prices{})
	f.judge.WithLens(intel.OK(intel.AnswerUnique)).WithAccounts(intel.OK(intel.AnswerBuy))
	id := f.seed(t, fullCoin("08"), "")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QualityError, res.Quality)
	assert.Equal(t, model.QualityError, f.goodCoin(t, id).Quality)
	assert.Len(t, f.events.Named(notify.EventDisqualifiedCoin), 1)
}

func TestStep_MissingCoinIsError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.InsertGoodCoin(ctx, &model.GoodCoin{ID: "gc-x", CoinUUID: "gone"}))

	res, err := f.funnel.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QualityError, res.Quality)
	assert.Equal(t, StateFound, res.Reached)
	dq := f.events.Named(notify.EventDisqualifiedCoin)[0].Data.(notify.CoinRef)
	assert.Equal(t, "???", dq.CoinID)
}

func TestStep_ProcessesOldestFirstAndOnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	first := f.seed(t, fullCoin("01"), "")
	second := f.seed(t, fullCoin("02"), "")

	res, err := f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, res.GoodCoinID)

	res, err = f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second, res.GoodCoinID)

	res, err = f.funnel.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestStep_InFlightGuard(t *testing.T) {
	f := newFixture(t, nil)
	f.shots.block = make(chan struct{})
	f.seed(t, fullCoin("01"), "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.funnel.Step(context.Background())
	}()

	require.Eventually(t, f.funnel.InFlight, time.Second, 5*time.Millisecond)
	_, err := f.funnel.Step(context.Background())
	assert.ErrorIs(t, err, ErrInFlight)

	close(f.shots.block)
	<-done
	assert.False(t, f.funnel.InFlight())
}

func TestRun_DrainsAndStops(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, fullCoin("01"), "")
	f.seed(t, fullCoin("02"), "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.funnel.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, g := range f.store.GoodCoins() {
			if !g.Processed {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
