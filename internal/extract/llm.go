package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/sells-group/substack-intel/internal/resilience"
	"github.com/sells-group/substack-intel/pkg/anthropic"
	"github.com/sells-group/substack-intel/pkg/gemini"
)

// Prompt is a provider-neutral single-turn request.
type Prompt struct {
	System    string
	User      string
	MaxTokens int64
	Phase     string // "extract" or "verify"; used for usage logging
}

// Completion is the text returned by a provider.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// LLMClient is the only thing the engine knows about a language model.
// Implementations classify failures: auth problems as *resilience.AuthError,
// timeouts, rate limits and 5xx as *resilience.ExtractionError.
type LLMClient interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// AnthropicLLM adapts pkg/anthropic to LLMClient.
type AnthropicLLM struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicLLM returns an LLMClient backed by the Anthropic Messages API.
func NewAnthropicLLM(client anthropic.Client, model string, maxTokens int64) *AnthropicLLM {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicLLM{client: client, model: model, maxTokens: maxTokens}
}

func (a *AnthropicLLM) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
		Temperature: &temp,
	}
	if p.System != "" {
		req.System = anthropic.BuildCachedSystemBlocks(p.System)
	}

	resp, err := a.client.CreateMessage(ctx, req)
	if err != nil {
		return nil, classifyLLMError(ctx, "anthropic", anthropic.StatusCode(err), err)
	}
	resp.Usage.LogCost(a.model, p.Phase)
	return &Completion{
		Text:         resp.Text(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.CacheCreationInputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// GeminiLLM adapts pkg/gemini to LLMClient.
type GeminiLLM struct {
	client    gemini.Client
	model     string
	maxTokens int32
}

// NewGeminiLLM returns an LLMClient backed by Gemini.
func NewGeminiLLM(client gemini.Client, model string, maxTokens int64) *GeminiLLM {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &GeminiLLM{client: client, model: model, maxTokens: int32(maxTokens)}
}

func (g *GeminiLLM) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	maxTokens := g.maxTokens
	if p.MaxTokens > 0 {
		maxTokens = int32(p.MaxTokens)
	}
	resp, err := g.client.Generate(ctx, gemini.Request{
		Model:     g.model,
		System:    p.System,
		Prompt:    p.User,
		MaxTokens: maxTokens,
		JSON:      true,
	})
	if err != nil {
		return nil, classifyLLMError(ctx, "gemini", gemini.StatusCode(err), err)
	}
	anthropic.TokenUsage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}.LogCost(g.model, p.Phase)
	return &Completion{
		Text:         resp.Text,
		Model:        g.model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

// classifyLLMError maps a provider failure onto the resilience taxonomy.
// Cancellation of the caller's context is returned untouched so it is never
// retried.
func classifyLLMError(ctx context.Context, service string, status int, err error) error {
	if ctx.Err() != nil {
		return err
	}
	switch {
	case resilience.IsAuthHTTPStatus(status):
		return resilience.NewAuthError(service, err)
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewExtractionError(err, status)
	case errors.Is(err, context.DeadlineExceeded), resilience.IsTransient(err):
		return resilience.NewExtractionError(err, status)
	case status == 0 && strings.Contains(strings.ToLower(err.Error()), "api key"):
		return resilience.NewAuthError(service, err)
	default:
		return err
	}
}
