// Package jupiter is the price oracle: current token prices from the
// Jupiter price API.
package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Jupiter Price API client: https://api.jup.ag/price/v2?ids=<mint>
// ---------------------------------------------------------------------------

const (
	defaultPriceURL = "https://api.jup.ag/price/v2"

	maxRetries   = 2
	retryBackoff = 500 * time.Millisecond
)

// Config configures the price client.
type Config struct {
	PriceURL  string `yaml:"price_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// DefaultConfig returns the public v2 endpoint with a 10s timeout.
func DefaultConfig() Config {
	return Config{
		PriceURL:  defaultPriceURL,
		TimeoutMs: 10_000,
	}
}

// APIClient fetches prices from Jupiter.
type APIClient struct {
	config     Config
	httpClient *http.Client

	priceCount   atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
	resetAfter        time.Duration
}

// NewAPIClient creates a new Jupiter price client.
func NewAPIClient(config Config) *APIClient {
	if config.PriceURL == "" {
		config.PriceURL = defaultPriceURL
	}
	if config.TimeoutMs <= 0 {
		config.TimeoutMs = 10_000
	}
	return &APIClient{
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutMs) * time.Millisecond,
		},
		resetAfter: 30 * time.Second,
	}
}

// PriceResponse is the response from the price endpoint. Unknown mints map
// to null entries.
type PriceResponse struct {
	Data map[string]*struct {
		ID    string          `json:"id"`
		Type  string          `json:"type"`
		Price decimal.Decimal `json:"price"`
	} `json:"data"`
	TimeTaken float64 `json:"timeTaken"`
}

// Price fetches the current price of mint. A missing or non-positive price
// is an error.
func (c *APIClient) Price(ctx context.Context, mint string) (decimal.Decimal, error) {
	if c.circuitOpen.Load() {
		return decimal.Zero, fmt.Errorf("jupiter: circuit breaker open")
	}
	if mint == "" {
		return decimal.Zero, fmt.Errorf("jupiter: empty mint")
	}

	start := time.Now()

	queryURL, err := url.Parse(c.config.PriceURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("ids", mint)
	queryURL.RawQuery = q.Encode()

	var priceResp PriceResponse
	var lastErr error
	ok := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL.String(), nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("jupiter: create price request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("jupiter: price HTTP error: %w", err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("jupiter: read price response: %w", err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("jupiter: rate limited (429)")
			c.errorCount.Add(1)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("jupiter: price HTTP %d: %s (mint=%s)", resp.StatusCode, string(body), mint)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		if err := json.Unmarshal(body, &priceResp); err != nil {
			return decimal.Zero, fmt.Errorf("jupiter: parse price: %w", err)
		}

		c.resetErrors()
		ok = true
		break
	}

	if !ok {
		return decimal.Zero, fmt.Errorf("jupiter: price failed after %d attempts: %w", maxRetries+1, lastErr)
	}

	data := priceResp.Data[mint]
	if data == nil {
		return decimal.Zero, fmt.Errorf("jupiter: price not found for %s", mint)
	}
	if !data.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("jupiter: zero/negative price for %s", mint)
	}

	latency := time.Since(start).Milliseconds()
	c.priceCount.Add(1)
	c.avgLatencyMs.Store(latency)

	short := mint
	if len(short) > 8 {
		short = short[:8]
	}
	log.Debug().
		Str("mint", short).
		Str("price", data.Price.String()).
		Int64("latency_ms", latency).
		Msg("jupiter: price received")

	return data.Price, nil
}

// recordError increments consecutive errors and opens circuit breaker.
func (c *APIClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= 5 {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("jupiter: CIRCUIT BREAKER OPEN")
			go func() {
				time.Sleep(c.resetAfter)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("jupiter: circuit breaker reset")
			}()
		}
	}
}

// resetErrors resets the consecutive error counter.
func (c *APIClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// APIStats returns Jupiter API client stats.
type APIStats struct {
	PriceCount   int64 `json:"price_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *APIClient) APIStats() APIStats {
	return APIStats{
		PriceCount:   c.priceCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.circuitOpen.Load(),
	}
}
