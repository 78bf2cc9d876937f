package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
	"github.com/nexus-trading/pomp/internal/storage/memory"
)

type fakeResolver map[string]model.Metadata

func (f fakeResolver) Resolve(_ context.Context, uri string) model.Metadata {
	return f[uri]
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls [][]model.Coin
	err   error
}

func (r *fakeRenderer) Render(_ context.Context, coins []model.Coin) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, coins)
	if r.err != nil {
		return nil, r.err
	}
	return []byte("png"), nil
}

type fakeUploader struct {
	keys []string
	err  error
}

func (u *fakeUploader) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.keys = append(u.keys, key)
	return "https://cdn.test/" + key, nil
}

// flakyCoinStore fails the insert of one coin position.
type flakyCoinStore struct {
	*memory.Store
	failCoinID string
}

func (s *flakyCoinStore) InsertCoin(ctx context.Context, c *model.Coin) error {
	if c.CoinID == s.failCoinID {
		return errors.New("deadlock detected")
	}
	return s.Store.InsertCoin(ctx, c)
}

func events(n int) []model.TokenEvent {
	out := make([]model.TokenEvent, n)
	for i := range out {
		out[i] = model.TokenEvent{
			Mint:   fmt.Sprintf("MINT%d", i+1),
			Name:   fmt.Sprintf("feed-name-%d", i+1),
			Symbol: fmt.Sprintf("F%d", i+1),
			URI:    fmt.Sprintf("https://meta/%d.json", i+1),
		}
	}
	return out
}

func TestIngestor_FlushesFullBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	renderer := &fakeRenderer{}
	uploader := &fakeUploader{}
	resolver := fakeResolver{
		"https://meta/1.json": {Name: "Frog", Symbol: "FRG", Description: "ribbit", Image: "https://img/1.png", Twitter: "https://x.com/meta"},
	}
	in := New(DefaultConfig(), resolver, renderer, store, uploader, nil)

	evs := events(8)
	evs[0].Twitter = "https://x.com/feed"
	for i, ev := range evs {
		in.OnEvent(ctx, ev)
		if i < 7 {
			assert.Empty(t, store.Bundles(), "no bundle before the batch is full")
		}
	}

	bundles := store.Bundles()
	require.Len(t, bundles, 1)
	b := bundles[0]
	assert.False(t, b.Processed)
	assert.Equal(t, "https://cdn.test/bundles/"+b.ID+".png", b.ImageURL)
	assert.Equal(t, []string{"bundles/" + b.ID + ".png"}, uploader.keys)
	assert.Zero(t, in.Buffered())

	coins, err := store.ListCoinsByBundle(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, coins, 8)
	for i, c := range coins {
		assert.Equal(t, fmt.Sprintf("%02d", i+1), c.CoinID)
		assert.Equal(t, fmt.Sprintf("MINT%d", i+1), c.Mint)
		assert.Equal(t, "https://pump.fun/coin/"+c.Mint, c.PumpfunURL)
	}

	// Metadata wins for descriptive fields; feed socials win over metadata.
	assert.Equal(t, "Frog", coins[0].Name)
	assert.Equal(t, "ribbit", coins[0].Description)
	assert.Equal(t, "https://img/1.png", coins[0].ImageURL)
	assert.Equal(t, "https://x.com/feed", coins[0].Twitter)

	// Blank metadata falls back to the feed's name and symbol.
	assert.Equal(t, "feed-name-2", coins[1].Name)
	assert.Empty(t, coins[1].Description)

	require.Len(t, renderer.calls, 1)
	assert.Equal(t, "01", renderer.calls[0][0].CoinID)
}

func TestIngestor_TwoBatches(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := DefaultConfig()
	cfg.BundleSize = 2
	in := New(cfg, fakeResolver{}, &fakeRenderer{}, store, &fakeUploader{}, nil)

	for _, ev := range events(5) {
		in.OnEvent(ctx, ev)
	}
	assert.Len(t, store.Bundles(), 2)
	assert.Equal(t, 1, in.Buffered())
}

func TestIngestor_CoinInsertFailureDoesNotAbortBundle(t *testing.T) {
	ctx := context.Background()
	store := &flakyCoinStore{Store: memory.New(), failCoinID: "03"}
	in := New(DefaultConfig(), fakeResolver{}, &fakeRenderer{}, store, &fakeUploader{}, nil)

	for _, ev := range events(8) {
		in.OnEvent(ctx, ev)
	}

	bundles := store.Bundles()
	require.Len(t, bundles, 1)
	assert.NotEmpty(t, bundles[0].ImageURL)
	coins, err := store.ListCoinsByBundle(ctx, bundles[0].ID)
	require.NoError(t, err)
	assert.Len(t, coins, 7)
}

func TestIngestor_UploadFailureLeavesImageEmpty(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	in := New(DefaultConfig(), fakeResolver{}, &fakeRenderer{}, store, &fakeUploader{err: errors.New("403")}, nil)

	_, err := in.Flush(ctx, make([]model.Coin, 8))
	require.Error(t, err)

	bundles := store.Bundles()
	require.Len(t, bundles, 1)
	assert.Empty(t, bundles[0].ImageURL)
}

func TestIngestor_IgnoresEventsWithoutMint(t *testing.T) {
	in := New(DefaultConfig(), fakeResolver{}, &fakeRenderer{}, memory.New(), &fakeUploader{}, nil)
	in.OnEvent(context.Background(), model.TokenEvent{URI: "x"})
	assert.Zero(t, in.Buffered())
}

func TestIngestor_RunDrainsChannel(t *testing.T) {
	store := memory.New()
	cfg := DefaultConfig()
	cfg.BundleSize = 2
	in := New(cfg, fakeResolver{}, &fakeRenderer{}, store, &fakeUploader{}, nil)

	ch := make(chan model.TokenEvent, 4)
	for _, ev := range events(4) {
		ch <- ev
	}
	close(ch)

	require.NoError(t, in.Run(context.Background(), ch))
	assert.Len(t, store.Bundles(), 2)
}

var _ Store = (*memory.Store)(nil)
var _ storage.CoinStore = (*flakyCoinStore)(nil)
