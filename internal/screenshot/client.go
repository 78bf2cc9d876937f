// Package screenshot calls the headless-browser service that captures
// reverse-image search results and social profile pages.
package screenshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures the screenshot service client.
type Config struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// DefaultConfig targets a local service with a 120s timeout; captures are slow.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:3000",
		TimeoutMs: 120_000,
	}
}

// Client captures screenshots and returns their hosted URLs.
type Client struct {
	config Config
	client *http.Client

	captures atomic.Int64
	failures atomic.Int64
}

// NewClient creates a screenshot client.
func NewClient(config Config) *Client {
	if config.TimeoutMs <= 0 {
		config.TimeoutMs = 120_000
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: time.Duration(config.TimeoutMs) * time.Millisecond},
	}
}

type captureResponse struct {
	Success       bool   `json:"success"`
	CloudflareURL string `json:"cloudflareUrl"`
	Error         string `json:"error"`
}

// LensScreenshot captures a reverse-image search for imageURL.
func (c *Client) LensScreenshot(ctx context.Context, imageURL string) (string, error) {
	return c.capture(ctx, "/api/lens-screenshot", map[string]string{"imageUrl": imageURL})
}

// TwitterScreenshot captures the profile page at twitterURL.
func (c *Client) TwitterScreenshot(ctx context.Context, twitterURL string) (string, error) {
	return c.capture(ctx, "/api/twitter-screenshot", map[string]string{"twitterUrl": twitterURL})
}

func (c *Client) capture(ctx context.Context, path string, payload map[string]string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("screenshot: marshal: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("screenshot: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.failures.Add(1)
		return "", fmt.Errorf("screenshot: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.failures.Add(1)
		return "", fmt.Errorf("screenshot: %s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.failures.Add(1)
		return "", fmt.Errorf("screenshot: %s: HTTP %d", path, resp.StatusCode)
	}

	var cr captureResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		c.failures.Add(1)
		return "", fmt.Errorf("screenshot: %s: decode: %w", path, err)
	}
	if !cr.Success || cr.CloudflareURL == "" {
		c.failures.Add(1)
		return "", fmt.Errorf("screenshot: %s: capture unsuccessful: %s", path, cr.Error)
	}

	c.captures.Add(1)
	log.Debug().Str("path", path).Str("url", cr.CloudflareURL).Dur("took", time.Since(start)).Msg("screenshot: captured")
	return cr.CloudflareURL, nil
}

// Stats returns capture counters.
type Stats struct {
	Captures int64 `json:"captures"`
	Failures int64 `json:"failures"`
}

func (c *Client) Stats() Stats {
	return Stats{Captures: c.captures.Load(), Failures: c.failures.Load()}
}
