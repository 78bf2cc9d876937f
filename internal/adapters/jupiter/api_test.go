package jupiter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *APIClient {
	cfg := DefaultConfig()
	cfg.PriceURL = url
	return NewAPIClient(cfg)
}

func TestPrice_ParsesStringPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "MINT1", r.URL.Query().Get("ids"))
		w.Write([]byte(`{"data":{"MINT1":{"id":"MINT1","type":"derivedPrice","price":"0.00012345"}},"timeTaken":0.002}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	p, err := c.Price(context.Background(), "MINT1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.00012345").Equal(p))
	assert.Equal(t, int64(1), c.APIStats().PriceCount)
}

func TestPrice_UnknownMint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"NOPE":null}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Price(context.Background(), "NOPE")
	assert.ErrorContains(t, err, "price not found")
}

func TestPrice_ZeroPriceIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"M":{"id":"M","price":"0"}}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Price(context.Background(), "M")
	assert.Error(t, err)
}

func TestPrice_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"M":{"id":"M","price":"2.5"}}}`))
	}))
	defer srv.Close()

	p, err := newTestClient(srv.URL).Price(context.Background(), "M")
	require.NoError(t, err)
	assert.Equal(t, "2.5", p.String())
	assert.Equal(t, int32(2), calls.Load())
}

func TestPrice_CircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.resetAfter = time.Hour
	// Two calls of three attempts each exceed the threshold.
	_, _ = c.Price(context.Background(), "M")
	_, _ = c.Price(context.Background(), "M")

	_, err := c.Price(context.Background(), "M")
	assert.ErrorContains(t, err, "circuit breaker open")
	assert.True(t, c.APIStats().CircuitOpen)
}
