package extract

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/resilience"
)

// scriptedLLM replays canned completions or errors in order.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []any // string or error
	prompts []Prompt
}

func (s *scriptedLLM) Complete(_ context.Context, p Prompt) (*Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	if len(s.replies) == 0 {
		return nil, errors.New("scriptedLLM: no reply left")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if err, ok := r.(error); ok {
		return nil, err
	}
	return &Completion{Text: r.(string)}, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func fastRetry() resilience.RetryConfig {
	cfg := resilience.ExtractionPolicy()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.OnRetry = nil
	return cfg
}

func newEngine(llm LLMClient, cfg Config) *Engine {
	cfg.Retry = fastRetry()
	return New(llm, cfg)
}

func TestExtractCompanies_AcmeSeriesA(t *testing.T) {
	llm := &scriptedLLM{replies: []any{`{"companies":[{"name":"Acme Inc.","description":"Robotics for warehouses","funding_status":"Series A","industry":["Robotics","logistics"],"sentiment":"positive","confidence":0.92,"context":"Acme Inc. raised a $10M Series A"}]}`}}
	e := newEngine(llm, Config{})

	res, err := e.ExtractCompanies(context.Background(), "Acme Inc. raised a $10M Series A led by Foo Ventures.", "Alpha Weekly")
	require.NoError(t, err)
	require.Len(t, res.Companies, 1)

	c := res.Companies[0]
	assert.Equal(t, "Acme Inc.", c.Name)
	assert.Equal(t, model.FundingSeriesA, c.FundingStatus)
	assert.Equal(t, model.SentimentPositive, c.Sentiment)
	assert.Equal(t, []string{"robotics", "logistics"}, c.Industry)
	assert.InDelta(t, 0.92, c.Confidence, 1e-9)
	assert.False(t, res.ParseFailed)

	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0].User, "Newsletter: Alpha Weekly")
	assert.Contains(t, llm.prompts[0].User, "Acme Inc. raised")
}

func TestExtractCompanies_ThresholdDropsLowConfidence(t *testing.T) {
	llm := &scriptedLLM{replies: []any{`[
		{"name":"Acme","confidence":0.9},
		{"name":"Maybe Corp","confidence":0.3},
		{"name":"Edge Co","confidence":0.5}
	]`}}
	e := newEngine(llm, Config{ConfidenceThreshold: 0.5})

	res, err := e.ExtractCompanies(context.Background(), "text", "N")
	require.NoError(t, err)
	names := make([]string, 0, len(res.Companies))
	for _, c := range res.Companies {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Acme", "Edge Co"}, names)
	assert.Equal(t, 1, res.Dropped)
}

func TestExtractCompanies_MissingConfidence(t *testing.T) {
	loose := `- Name: Acme Inc. | Funding: Series A
- Name: Globex | Confidence: n/a
- Name: Initech | Confidence: 0.2`

	t.Run("defaults to the threshold", func(t *testing.T) {
		e := newEngine(&scriptedLLM{replies: []any{loose}}, Config{ConfidenceThreshold: 0.6})

		res, err := e.ExtractCompanies(context.Background(), "text", "N")
		require.NoError(t, err)
		assert.False(t, res.ParseFailed)
		require.Len(t, res.Companies, 2)
		assert.Equal(t, "Acme Inc.", res.Companies[0].Name)
		assert.Equal(t, model.FundingSeriesA, res.Companies[0].FundingStatus)
		assert.InDelta(t, 0.6, res.Companies[0].Confidence, 1e-9)
		assert.Equal(t, "Globex", res.Companies[1].Name)
		assert.Equal(t, 1, res.Dropped)
	})

	t.Run("configured score below threshold drops", func(t *testing.T) {
		e := newEngine(&scriptedLLM{replies: []any{loose}}, Config{ConfidenceThreshold: 0.5, MissingConfidence: 0.4})

		res, err := e.ExtractCompanies(context.Background(), "text", "N")
		require.NoError(t, err)
		assert.Empty(t, res.Companies)
		assert.Equal(t, 3, res.Dropped)
	})
}

func TestExtractCompanies_DuplicatesKeepHighestConfidence(t *testing.T) {
	llm := &scriptedLLM{replies: []any{"```json\n" + `{"companies":[
		{"name":"Acme Inc.","confidence":0.7,"context":"first"},
		{"name":"ACME INC","confidence":0.95,"context":"second"}
	]}` + "\n```"}}
	e := newEngine(llm, Config{})

	res, err := e.ExtractCompanies(context.Background(), "text", "N")
	require.NoError(t, err)
	require.Len(t, res.Companies, 1)
	assert.Equal(t, "second", res.Companies[0].Context)
	assert.InDelta(t, 0.95, res.Companies[0].Confidence, 1e-9)
}

func TestExtractCompanies_UnparseableResponse(t *testing.T) {
	llm := &scriptedLLM{replies: []any{"I could not find anything useful, sorry!"}}
	e := newEngine(llm, Config{})

	res, err := e.ExtractCompanies(context.Background(), "text", "N")
	require.NoError(t, err)
	assert.True(t, res.ParseFailed)
	assert.Empty(t, res.Companies)
}

func TestExtractCompanies_EmptyTextSkipsLLM(t *testing.T) {
	llm := &scriptedLLM{}
	e := newEngine(llm, Config{})

	res, err := e.ExtractCompanies(context.Background(), "   \n", "N")
	require.NoError(t, err)
	assert.Empty(t, res.Companies)
	assert.Equal(t, 0, llm.calls())
}

func TestExtractCompanies_RetriesTransient(t *testing.T) {
	llm := &scriptedLLM{replies: []any{
		resilience.NewExtractionError(errors.New("503"), 503),
		resilience.NewExtractionError(errors.New("timeout"), 0),
		`{"companies":[{"name":"Acme","confidence":0.8}]}`,
	}}
	e := newEngine(llm, Config{})

	res, err := e.ExtractCompanies(context.Background(), "text", "N")
	require.NoError(t, err)
	require.Len(t, res.Companies, 1)
	assert.Equal(t, 3, llm.calls())
}

func TestExtractCompanies_RetriesExhausted(t *testing.T) {
	llm := &scriptedLLM{replies: []any{
		resilience.NewExtractionError(errors.New("503"), 503),
		resilience.NewExtractionError(errors.New("503"), 503),
		resilience.NewExtractionError(errors.New("503"), 503),
		`{"companies":[]}`,
	}}
	e := newEngine(llm, Config{})

	_, err := e.ExtractCompanies(context.Background(), "text", "N")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 3, llm.calls())
}

func TestExtractCompanies_AuthIsFatalAndNotRetried(t *testing.T) {
	llm := &scriptedLLM{replies: []any{resilience.NewAuthError("anthropic", errors.New("401"))}}
	e := newEngine(llm, Config{})

	_, err := e.ExtractCompanies(context.Background(), "text", "N")
	require.Error(t, err)
	assert.True(t, resilience.IsAuth(err))
	assert.True(t, resilience.IsFatal(err))
	assert.Equal(t, 1, llm.calls())
}

func TestExtractCompanies_Verify(t *testing.T) {
	llm := &scriptedLLM{replies: []any{
		`{"companies":[{"name":"Acme","confidence":0.9},{"name":"Bitcoin","confidence":0.8},{"name":"Globex","confidence":0.9}]}`,
		`{"verified":[{"name":"Acme","is_company":true,"confidence":0.7},{"name":"Bitcoin","is_company":false}]}`,
	}}
	e := newEngine(llm, Config{Verify: true})

	res, err := e.ExtractCompanies(context.Background(), "text", "N")
	require.NoError(t, err)
	require.Len(t, res.Companies, 2)
	assert.Equal(t, "Acme", res.Companies[0].Name)
	assert.InDelta(t, 0.7, res.Companies[0].Confidence, 1e-9)
	assert.Equal(t, "Globex", res.Companies[1].Name)
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, llm.prompts, 2)
	assert.Equal(t, "verify", llm.prompts[1].Phase)
	assert.Contains(t, llm.prompts[1].User, "- Bitcoin")
}

func TestExtractCompanies_VerifyFailureKeepsCandidates(t *testing.T) {
	llm := &scriptedLLM{replies: []any{
		`{"companies":[{"name":"Acme","confidence":0.9}]}`,
		"garbled",
	}}
	e := newEngine(llm, Config{Verify: true})

	res, err := e.ExtractCompanies(context.Background(), "text", "N")
	require.NoError(t, err)
	require.Len(t, res.Companies, 1)
}

func TestExtractCompanies_OpenBreakerFailsFast(t *testing.T) {
	llm := &scriptedLLM{replies: []any{
		resilience.NewExtractionError(errors.New("503"), 503),
		`{"companies":[]}`,
	}}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "llm-test", FailureThreshold: 1, ResetTimeout: time.Hour,
	})
	e := New(llm, Config{Breaker: breaker, Retry: resilience.RetryConfig{MaxAttempts: 1}})

	_, err := e.ExtractCompanies(context.Background(), "text", "N")
	require.Error(t, err)
	_, err = e.ExtractCompanies(context.Background(), "text", "N")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, 1, llm.calls())
}

func TestBuildExtractPrompt_Truncates(t *testing.T) {
	p := buildExtractPrompt(strings.Repeat("é", 50), "", 10)
	assert.Contains(t, p.User, "Newsletter: Unknown")
	assert.Contains(t, p.User, strings.Repeat("é", 10)+"\n[truncated]")
	assert.NotContains(t, p.User, strings.Repeat("é", 11))
	assert.Equal(t, "extract", p.Phase)
}
