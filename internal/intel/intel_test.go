package intel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pomp/internal/model"
)

func eightDecisions() []CoinDecision {
	out := make([]CoinDecision, 8)
	for i := range out {
		out[i] = CoinDecision{ID: []string{"01", "02", "03", "04", "05", "06", "07", "08"}[i], Decision: model.DecisionNo}
	}
	return out
}

func TestValidateDecisions(t *testing.T) {
	assert.NoError(t, ValidateDecisions(eightDecisions(), 8))

	short := eightDecisions()[:7]
	assert.Error(t, ValidateDecisions(short, 8))

	badID := eightDecisions()
	badID[3].ID = "09"
	assert.Error(t, ValidateDecisions(badID, 8))

	dup := eightDecisions()
	dup[7].ID = "01"
	assert.Error(t, ValidateDecisions(dup, 8))

	badDecision := eightDecisions()
	badDecision[0].Decision = "maybe"
	assert.Error(t, ValidateDecisions(badDecision, 8))

	unpadded := eightDecisions()
	unpadded[0].ID = "1"
	assert.Error(t, ValidateDecisions(unpadded, 8))
}

// chatServer answers every completion with the given message JSON.
func chatServer(t *testing.T, status int, message string, seen *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, seen))
		}
		w.WriteHeader(status)
		w.Write([]byte(`{"choices":[{"message":` + message + `}]}`))
	}))
}

func testClient(url string) *OpenAI {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = url
	cfg.MaxRetries = 0
	return NewOpenAI(cfg)
}

func content(v any) string {
	b, _ := json.Marshal(v)
	s, _ := json.Marshal(string(b))
	return `{"content":` + string(s) + `}`
}

func TestOpenAI_DecideOK(t *testing.T) {
	var seen chatRequest
	decs := eightDecisions()
	decs[2].Decision = model.DecisionYes
	srv := chatServer(t, http.StatusOK, content(map[string]any{"decisions": decs}), &seen)
	defer srv.Close()

	coins := make([]CoinInfo, 8)
	for i := range coins {
		coins[i] = CoinInfo{ID: decs[i].ID, Name: "n", Symbol: "s"}
	}
	v, err := testClient(srv.URL).Decide(context.Background(), "b1", "https://cdn/b1.png", coins)
	require.NoError(t, err)
	require.True(t, v.Usable())
	assert.Equal(t, model.DecisionYes, v.Decisions[2].Decision)

	assert.Equal(t, "gpt-4o-mini", seen.Model)
	assert.Zero(t, seen.Temperature)
	assert.Equal(t, "json_schema", seen.ResponseFormat.Type)
	require.Len(t, seen.Messages, 2)
	user := seen.Messages[1]
	require.Len(t, user.Content, 2)
	assert.Contains(t, user.Content[0].Text, "ID: 01\nName: n\nSymbol: s")
	assert.Equal(t, "https://cdn/b1.png", user.Content[1].ImageURL.URL)
}

func TestOpenAI_DecideWrongCountIsInvalid(t *testing.T) {
	srv := chatServer(t, http.StatusOK, content(map[string]any{"decisions": eightDecisions()[:5]}), nil)
	defer srv.Close()

	v, err := testClient(srv.URL).Decide(context.Background(), "b1", "u", make([]CoinInfo, 8))
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, v.Status)
	assert.False(t, v.Usable())
}

func TestOpenAI_Refusal(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"content":null,"refusal":"I can't help with that"}`, nil)
	defer srv.Close()

	c := testClient(srv.URL)
	v, err := c.Decide(context.Background(), "b1", "u", make([]CoinInfo, 8))
	require.NoError(t, err)
	assert.Equal(t, StatusRefused, v.Status)

	lv, err := c.CheckUniqueness(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, StatusRefused, lv.Status)
}

func TestOpenAI_CheckUniqueness(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, http.StatusOK, content(map[string]string{"answer": "unique"}), &seen)
	defer srv.Close()

	v, err := testClient(srv.URL).CheckUniqueness(context.Background(), "https://shots/lens.png")
	require.NoError(t, err)
	assert.Equal(t, OK(AnswerUnique), v)
	assert.Equal(t, "developer", seen.Messages[0].Role)
	assert.Equal(t, "lens_check", seen.ResponseFormat.JSONSchema.Name)
}

func TestOpenAI_CheckAccountRejectsForeignAnswer(t *testing.T) {
	srv := chatServer(t, http.StatusOK, content(map[string]string{"answer": "unique"}), nil)
	defer srv.Close()

	v, err := testClient(srv.URL).CheckAccount(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, v.Status)
}

func TestOpenAI_ServerErrorRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 1
	_, err := NewOpenAI(cfg).CheckAccount(context.Background(), "u")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAI_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 2
	_, err := NewOpenAI(cfg).CheckUniqueness(context.Background(), "u")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAI_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	for i := 0; i < 5; i++ {
		_, err := c.CheckAccount(context.Background(), "u")
		require.Error(t, err)
	}
	_, err := c.CheckAccount(context.Background(), "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, int32(5), calls.Load())
}

func TestStub_CyclesAndValidates(t *testing.T) {
	ctx := context.Background()
	s := NewStub().
		WithLens(OK(AnswerCopy), OK(AnswerUnique)).
		WithBundles(Decisions("01", "yes", "02", "no"))

	v, _ := s.CheckUniqueness(ctx, "")
	assert.Equal(t, AnswerCopy, v.Answer)
	v, _ = s.CheckUniqueness(ctx, "")
	assert.Equal(t, AnswerUnique, v.Answer)
	v, _ = s.CheckUniqueness(ctx, "")
	assert.Equal(t, AnswerCopy, v.Answer)
	assert.Equal(t, 3, s.Calls("lens"))

	bv, err := s.Decide(ctx, "b", "", make([]CoinInfo, 2))
	require.NoError(t, err)
	assert.True(t, bv.Usable())

	// Two decisions never satisfy an eight-coin bundle.
	bv, err = s.Decide(ctx, "b", "", make([]CoinInfo, 8))
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, bv.Status)

	av, err := s.CheckAccount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRefused, av.Status)

	s.SetError(errors.New("boom"))
	_, err = s.CheckAccount(ctx, "")
	assert.Error(t, err)
}
