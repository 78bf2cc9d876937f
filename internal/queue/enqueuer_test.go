package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/storage"
	"github.com/nexus-trading/pomp/internal/storage/memory"
)

// failingMarkStore simulates a crash between push and flag flip.
type failingMarkStore struct {
	storage.BundleStore
	fail bool
}

func (s *failingMarkStore) MarkBundleProcessed(ctx context.Context, id string) error {
	if s.fail {
		return errors.New("connection reset")
	}
	return s.BundleStore.MarkBundleProcessed(ctx, id)
}

type failingPushQueue struct {
	*MemoryQueue
}

func (q failingPushQueue) Push(context.Context, []byte) error {
	return errors.New("redis down")
}

func drain(t *testing.T, q Queue) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		payload, err := q.Pop(context.Background(), 10*time.Millisecond)
		if errors.Is(err, ErrEmpty) {
			return out
		}
		require.NoError(t, err)
		e, err := DecodeEnvelope(payload)
		require.NoError(t, err)
		out = append(out, e)
	}
}

func seedBundles(t *testing.T, s *memory.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b1", ImageURL: "https://cdn/b1.png"}))
	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b2"}))
	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b3", ImageURL: "https://cdn/b3.png"}))
	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b4", ImageURL: "https://cdn/b4.png", Processed: true}))
}

func TestEnqueueUnprocessed_PushesAndFlags(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedBundles(t, s)
	q := NewMemoryQueue()
	e := NewEnqueuer(DefaultEnqueuerConfig(), s, q, nil)

	n, err := e.EnqueueUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items := drain(t, q)
	require.Len(t, items, 2)
	assert.Equal(t, Envelope{BundleID: "b1", ImageURL: "https://cdn/b1.png"}, items[0])
	assert.Equal(t, "b3", items[1].BundleID)

	// The imageless bundle stays unprocessed for a later pass.
	pending, err := s.ListUnprocessedBundles(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b2", pending[0].ID)
}

func TestEnqueueUnprocessed_IdempotentForProcessed(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedBundles(t, s)
	q := NewMemoryQueue()
	e := NewEnqueuer(DefaultEnqueuerConfig(), s, q, nil)

	_, err := e.EnqueueUnprocessed(ctx)
	require.NoError(t, err)
	n, err := e.EnqueueUnprocessed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Len(t, drain(t, q), 2)
}

func TestEnqueueUnprocessed_CrashBetweenPushAndFlagRedelivers(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b1", ImageURL: "https://cdn/b1.png"}))

	flaky := &failingMarkStore{BundleStore: s, fail: true}
	q := NewMemoryQueue()
	e := NewEnqueuer(DefaultEnqueuerConfig(), flaky, q, nil)

	n, err := e.EnqueueUnprocessed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	flaky.fail = false
	n, err = e.EnqueueUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items := drain(t, q)
	require.Len(t, items, 2, "at-least-once: the bundle is pushed twice")
	assert.Equal(t, items[0], items[1])
}

func TestEnqueueUnprocessed_PushFailureLeavesFlag(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.InsertBundle(ctx, &model.Bundle{ID: "b1", ImageURL: "https://cdn/b1.png"}))

	e := NewEnqueuer(DefaultEnqueuerConfig(), s, failingPushQueue{NewMemoryQueue()}, nil)
	n, err := e.EnqueueUnprocessed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := s.ListUnprocessedBundles(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEnqueuer_RunStopsOnCancel(t *testing.T) {
	s := memory.New()
	seedBundles(t, s)
	q := NewMemoryQueue()
	e := NewEnqueuer(EnqueuerConfig{ActiveInterval: time.Millisecond, IdleInterval: time.Millisecond}, s, q, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	assert.Len(t, drain(t, q), 2)
}
