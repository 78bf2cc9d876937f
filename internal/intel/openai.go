package intel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// OpenAI chat-completions client with structured (json_schema) output
// ---------------------------------------------------------------------------

// Config configures the OpenAI judges.
type Config struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMs    int     `yaml:"timeout_ms"`
	MaxRetries   int     `yaml:"max_retries"`
	ImageDetail  string  `yaml:"image_detail"`
	BundlePrompt string  `yaml:"bundle_prompt"`
	LensPrompt   string  `yaml:"lens_prompt"`
	FinalPrompt  string  `yaml:"final_prompt"`
}

// DefaultConfig returns gpt-4o-mini defaults. APIKey must be supplied.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://api.openai.com/v1",
		Model:        "gpt-4o-mini",
		TimeoutMs:    60_000,
		MaxRetries:   2,
		ImageDetail:  "low",
		BundlePrompt: defaultBundlePrompt,
		LensPrompt:   defaultLensPrompt,
		FinalPrompt:  defaultFinalPrompt,
	}
}

const defaultBundlePrompt = `You screen newly launched meme coins. The image is a grid of coins, each cell labelled with a two digit id.
For every coin decide "yes" if it looks like an original, well presented meme with potential, otherwise "no".
Answer once for every id you are given.`

const defaultLensPrompt = `You are given a reverse image search screenshot: the reference image on the left and matches on the right.
Answer "copy" if the matches clearly show the same or a nearly identical image, otherwise answer "unique".`

const defaultFinalPrompt = `You are given a screenshot of the social media account linked to a new meme coin.
Answer "buy" if the account looks genuine, active and consistent with the coin, otherwise answer "pass".`

// OpenAI implements BundleDecider, LensJudge and AccountJudge.
type OpenAI struct {
	config Config
	client *http.Client

	// Circuit breaker: after 5 consecutive failures, stop calling for 30s.
	mu            sync.Mutex
	consecutiveEr int
	circuitOpen   bool
	circuitUntil  time.Time
}

// Compile-time interface checks.
var (
	_ BundleDecider = (*OpenAI)(nil)
	_ LensJudge     = (*OpenAI)(nil)
	_ AccountJudge  = (*OpenAI)(nil)
)

// NewOpenAI creates the client.
func NewOpenAI(config Config) *OpenAI {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.TimeoutMs <= 0 {
		config.TimeoutMs = def.TimeoutMs
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BundlePrompt == "" {
		config.BundlePrompt = def.BundlePrompt
	}
	if config.LensPrompt == "" {
		config.LensPrompt = def.LensPrompt
	}
	if config.FinalPrompt == "" {
		config.FinalPrompt = def.FinalPrompt
	}
	return &OpenAI{
		config: config,
		client: &http.Client{Timeout: time.Duration(config.TimeoutMs) * time.Millisecond},
	}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
			Refusal *string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// completion is the outcome of one structured chat call.
type completion struct {
	content string
	refusal string
}

func textPart(s string) contentPart { return contentPart{Type: "text", Text: s} }

func (o *OpenAI) imagePart(url string) contentPart {
	return contentPart{Type: "image_url", ImageURL: &imageRef{URL: url, Detail: o.config.ImageDetail}}
}

func enumAnswerSchema(name string, values ...string) responseFormat {
	return responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchema{
			Name:   name,
			Strict: true,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"answer": map[string]any{"type": "string", "enum": values},
				},
				"required":             []string{"answer"},
				"additionalProperties": false,
			},
		},
	}
}

func decisionListSchema() responseFormat {
	return responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchema{
			Name:   "decision_list",
			Strict: true,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"decisions": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id":       map[string]any{"type": "string"},
								"decision": map[string]any{"type": "string", "enum": []string{"yes", "no"}},
							},
							"required":             []string{"id", "decision"},
							"additionalProperties": false,
						},
					},
				},
				"required":             []string{"decisions"},
				"additionalProperties": false,
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Judges
// ---------------------------------------------------------------------------

// Decide screens a bundle composite. The answer is validated against the
// number of coins sent.
func (o *OpenAI) Decide(ctx context.Context, bundleID, imageURL string, coins []CoinInfo) (BundleVerdict, error) {
	var sb strings.Builder
	sb.WriteString("Coins data:\n")
	for _, c := range coins {
		fmt.Fprintf(&sb, "ID: %s\nName: %s\nSymbol: %s\nDescription: %s\n\n", c.ID, c.Name, c.Symbol, c.Description)
	}

	req := chatRequest{
		Model:       o.config.Model,
		Temperature: o.config.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: []contentPart{textPart(o.config.BundlePrompt)}},
			{Role: "user", Content: []contentPart{textPart(strings.TrimSpace(sb.String())), o.imagePart(imageURL)}},
		},
		ResponseFormat: decisionListSchema(),
	}

	c, err := o.complete(ctx, req)
	if err != nil {
		return BundleVerdict{}, fmt.Errorf("intel: bundle %s: %w", bundleID, err)
	}
	if c.refusal != "" {
		log.Warn().Str("bundle_id", bundleID).Str("refusal", c.refusal).Msg("intel: bundle screen refused")
		return BundleVerdict{Status: StatusRefused, Reason: c.refusal}, nil
	}

	var parsed struct {
		Decisions []CoinDecision `json:"decisions"`
	}
	if err := json.Unmarshal([]byte(c.content), &parsed); err != nil {
		return BundleVerdict{Status: StatusInvalid, Reason: "decode: " + err.Error()}, nil
	}
	if err := ValidateDecisions(parsed.Decisions, len(coins)); err != nil {
		log.Warn().Err(err).Str("bundle_id", bundleID).Msg("intel: bundle screen answer rejected")
		return BundleVerdict{Status: StatusInvalid, Reason: err.Error()}, nil
	}
	return BundleVerdict{Status: StatusOK, Decisions: parsed.Decisions}, nil
}

// CheckUniqueness answers copy or unique for a reverse-image screenshot.
func (o *OpenAI) CheckUniqueness(ctx context.Context, screenshotURL string) (Verdict, error) {
	return o.judge(ctx, "lens_check", o.config.LensPrompt,
		"Below is the reverse image search screenshot. Decide 'copy' or 'unique'.",
		screenshotURL, AnswerCopy, AnswerUnique)
}

// CheckAccount answers pass or buy for a social profile screenshot.
func (o *OpenAI) CheckAccount(ctx context.Context, screenshotURL string) (Verdict, error) {
	return o.judge(ctx, "final_check", o.config.FinalPrompt,
		"Below is the account screenshot. Decide 'pass' or 'buy'.",
		screenshotURL, AnswerPass, AnswerBuy)
}

func (o *OpenAI) judge(ctx context.Context, name, instructions, question, imageURL string, answers ...string) (Verdict, error) {
	req := chatRequest{
		Model:       o.config.Model,
		Temperature: o.config.Temperature,
		Messages: []chatMessage{
			{Role: "developer", Content: []contentPart{textPart(instructions)}},
			{Role: "user", Content: []contentPart{textPart(question), o.imagePart(imageURL)}},
		},
		ResponseFormat: enumAnswerSchema(name, answers...),
	}

	c, err := o.complete(ctx, req)
	if err != nil {
		return Verdict{}, fmt.Errorf("intel: %s: %w", name, err)
	}
	if c.refusal != "" {
		log.Warn().Str("check", name).Str("refusal", c.refusal).Msg("intel: check refused")
		return Verdict{Status: StatusRefused, Reason: c.refusal}, nil
	}

	var parsed struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(c.content), &parsed); err != nil {
		return Verdict{Status: StatusInvalid, Reason: "decode: " + err.Error()}, nil
	}
	return checkAnswer(parsed.Answer, answers...), nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// complete posts a chat request with retries on transient failures.
func (o *OpenAI) complete(ctx context.Context, req chatRequest) (completion, error) {
	if err := o.checkCircuit(); err != nil {
		return completion{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return completion{}, fmt.Errorf("marshal: %w", err)
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return completion{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		c, retry, err := o.post(ctx, body)
		if err == nil {
			o.recordSuccess()
			return c, nil
		}
		lastErr = err
		if !retry {
			break
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("intel: retrying completion")
	}

	o.recordFailure()
	return completion{}, lastErr
}

// post performs one HTTP round trip. retry reports whether the failure is
// transient.
func (o *OpenAI) post(ctx context.Context, body []byte) (completion, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.config.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return completion{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.config.APIKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return completion{}, ctx.Err() == nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return completion{}, true, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return completion{}, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return completion{}, false, fmt.Errorf("decode response: %w", err)
	}
	if cr.Error != nil {
		return completion{}, false, fmt.Errorf("api error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return completion{}, false, fmt.Errorf("empty choices")
	}

	msg := cr.Choices[0].Message
	var c completion
	if msg.Refusal != nil {
		c.refusal = *msg.Refusal
	}
	if msg.Content != nil {
		c.content = *msg.Content
	}
	if c.refusal == "" && c.content == "" {
		return completion{}, false, fmt.Errorf("empty message")
	}
	return c, false, nil
}

func (o *OpenAI) checkCircuit() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.circuitOpen {
		return nil
	}
	if time.Now().After(o.circuitUntil) {
		o.circuitOpen = false
		o.consecutiveEr = 0
		log.Info().Msg("intel: circuit breaker reset")
		return nil
	}
	return fmt.Errorf("circuit breaker open until %s", o.circuitUntil.Format(time.RFC3339))
}

func (o *OpenAI) recordSuccess() {
	o.mu.Lock()
	o.consecutiveEr = 0
	o.mu.Unlock()
}

func (o *OpenAI) recordFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consecutiveEr++
	if o.consecutiveEr >= 5 && !o.circuitOpen {
		o.circuitOpen = true
		o.circuitUntil = time.Now().Add(30 * time.Second)
		log.Warn().Int("errors", o.consecutiveEr).Msg("intel: circuit breaker OPEN")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
