// Package metadata resolves the off-chain JSON document a token's URI points at.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pomp/internal/model"
)

// DefaultGateway serves resized IPFS images.
const DefaultGateway = "https://pump.mypinata.cloud/ipfs/%s?img-width=256&img-dpr=2&img-onerror=redirect"

// Config configures metadata resolution.
type Config struct {
	TimeoutMs   int    `yaml:"timeout_ms"`
	IPFSGateway string `yaml:"ipfs_gateway"`
	MaxBytes    int64  `yaml:"max_bytes"`
}

// DefaultConfig returns a 5s timeout and the pinata gateway.
func DefaultConfig() Config {
	return Config{
		TimeoutMs:   5000,
		IPFSGateway: DefaultGateway,
		MaxBytes:    1 << 20,
	}
}

// Resolver fetches metadata documents.
type Resolver struct {
	config Config
	client *http.Client
}

// NewResolver creates a resolver.
func NewResolver(config Config) *Resolver {
	if config.TimeoutMs <= 0 {
		config.TimeoutMs = 5000
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 1 << 20
	}
	return &Resolver{
		config: config,
		client: &http.Client{Timeout: time.Duration(config.TimeoutMs) * time.Millisecond},
	}
}

// document tolerates the loose shapes seen in the wild: socials sometimes
// nest under "extensions".
type document struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Twitter     string `json:"twitter"`
	Telegram    string `json:"telegram"`
	Website     string `json:"website"`
	Extensions  struct {
		Twitter  string `json:"twitter"`
		Telegram string `json:"telegram"`
		Website  string `json:"website"`
	} `json:"extensions"`
}

// Fetch downloads and decodes the document at uri.
func (r *Resolver) Fetch(ctx context.Context, uri string) (model.Metadata, error) {
	if uri == "" {
		return model.Metadata{}, fmt.Errorf("metadata: empty uri")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("metadata: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("metadata: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Metadata{}, fmt.Errorf("metadata: HTTP %d", resp.StatusCode)
	}

	var doc document
	if err := json.NewDecoder(io.LimitReader(resp.Body, r.config.MaxBytes)).Decode(&doc); err != nil {
		return model.Metadata{}, fmt.Errorf("metadata: decode: %w", err)
	}

	md := model.Metadata{
		Name:        doc.Name,
		Symbol:      doc.Symbol,
		Description: doc.Description,
		Image:       RewriteIPFS(doc.Image, r.config.IPFSGateway),
		Twitter:     firstNonEmpty(doc.Twitter, doc.Extensions.Twitter),
		Telegram:    firstNonEmpty(doc.Telegram, doc.Extensions.Telegram),
		Website:     firstNonEmpty(doc.Website, doc.Extensions.Website),
	}
	return md, nil
}

// Resolve is Fetch that never fails: any error yields blank metadata.
func (r *Resolver) Resolve(ctx context.Context, uri string) model.Metadata {
	md, err := r.Fetch(ctx, uri)
	if err != nil {
		log.Warn().Err(err).Str("uri", uri).Msg("metadata: resolution failed, using blank fields")
		return model.Metadata{}
	}
	return md
}

var ipfsHash = regexp.MustCompile(`/ipfs/([A-Za-z0-9]+)`)

// RewriteIPFS points an IPFS image URL at the gateway template. Other URLs
// pass through unchanged.
func RewriteIPFS(image, gateway string) string {
	if gateway == "" {
		return image
	}
	m := ipfsHash.FindStringSubmatch(image)
	if m == nil {
		return image
	}
	return fmt.Sprintf(gateway, m[1])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
