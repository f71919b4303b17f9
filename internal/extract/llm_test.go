package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/substack-intel/internal/resilience"
	"github.com/sells-group/substack-intel/pkg/anthropic"
	"github.com/sells-group/substack-intel/pkg/gemini"
)

type mockAnthropic struct{ mock.Mock }

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*anthropic.MessageResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockGemini struct{ mock.Mock }

func (m *mockGemini) Generate(ctx context.Context, req gemini.Request) (*gemini.Response, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*gemini.Response), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGemini) Close() error { return nil }

func TestAnthropicLLM_Complete(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.MaxTokens == 2048 &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			req.Temperature != nil && *req.Temperature == 0 &&
			len(req.Messages) == 1 && req.Messages[0].Content == "hello"
	})).Return(&anthropic.MessageResponse{
		Model:   "claude-haiku-4-5-20251001",
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"companies":[]}`}},
		Usage:   anthropic.TokenUsage{InputTokens: 10, CacheReadInputTokens: 90, OutputTokens: 5},
	}, nil)

	llm := NewAnthropicLLM(client, "claude-haiku-4-5-20251001", 2048)
	comp, err := llm.Complete(context.Background(), Prompt{System: "sys", User: "hello", Phase: "extract"})
	require.NoError(t, err)
	assert.Equal(t, `{"companies":[]}`, comp.Text)
	assert.Equal(t, int64(100), comp.InputTokens)
	assert.Equal(t, int64(5), comp.OutputTokens)
	client.AssertExpectations(t)
}

func TestAnthropicLLM_PlainErrorPassesThrough(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid request"))

	_, err := NewAnthropicLLM(client, "m", 0).Complete(context.Background(), Prompt{User: "x"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.False(t, resilience.IsAuth(err))
}

func TestGeminiLLM_Complete(t *testing.T) {
	client := new(mockGemini)
	client.On("Generate", mock.Anything, mock.MatchedBy(func(req gemini.Request) bool {
		return req.Model == "gemini-2.0-flash" && req.MaxTokens == 1024 && req.JSON && req.System == "sys"
	})).Return(&gemini.Response{Text: "[]", InputTokens: 3, OutputTokens: 1}, nil)

	llm := NewGeminiLLM(client, "gemini-2.0-flash", 4096)
	comp, err := llm.Complete(context.Background(), Prompt{System: "sys", User: "x", MaxTokens: 1024})
	require.NoError(t, err)
	assert.Equal(t, "[]", comp.Text)
	assert.Equal(t, "gemini-2.0-flash", comp.Model)
	client.AssertExpectations(t)
}

func TestClassifyLLMError(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name      string
		status    int
		err       error
		transient bool
		auth      bool
	}{
		{"unauthorized", 401, base, false, true},
		{"forbidden", 403, base, false, true},
		{"rate limited", 429, base, true, false},
		{"overloaded", 529, base, true, false},
		{"server error", 500, base, true, false},
		{"deadline", 0, context.DeadlineExceeded, true, false},
		{"connection reset", 0, errors.New("read: connection reset by peer"), true, false},
		{"missing key", 0, errors.New("missing API key"), false, true},
		{"bad request", 400, base, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyLLMError(context.Background(), "anthropic", tt.status, tt.err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
			assert.Equal(t, tt.auth, resilience.IsAuth(err))
		})
	}
}

func TestClassifyLLMError_CanceledContextUntouched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := classifyLLMError(ctx, "anthropic", 503, context.Canceled)
	assert.Equal(t, context.Canceled, err)
}

func TestAdaptiveLimiter(t *testing.T) {
	l := NewAdaptiveLimiter(10, 1)
	assert.Equal(t, rate.Limit(10), l.Limit())

	l.OnRateLimit()
	assert.Equal(t, rate.Limit(5), l.Limit())
	l.OnRateLimit()
	l.OnRateLimit()
	assert.Equal(t, rate.Limit(2.5), l.Limit(), "floored at a quarter of the initial rate")

	for range 20 {
		l.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), l.Limit(), "capped at twice the initial rate")
}

func TestAdaptiveLimiter_UnlimitedAndNil(t *testing.T) {
	l := NewAdaptiveLimiter(0, 0)
	l.OnRateLimit()
	assert.Equal(t, rate.Inf, l.Limit())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 100 {
		require.NoError(t, l.Wait(ctx))
	}

	var none *AdaptiveLimiter
	assert.NoError(t, none.Wait(ctx))
	none.OnSuccess()
	none.OnRateLimit()
}
