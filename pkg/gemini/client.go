// Package gemini wraps the Google generative-ai-go client behind a small
// request/response surface mirroring pkg/anthropic.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/rotisserie/eris"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

// Client defines the Gemini operations used by extraction.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// Request is a single-turn generation request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int32
	Temperature float32
	JSON        bool // ask for application/json output
}

// Response carries the generated text and token counts.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	FinishReason string
}

type sdkClient struct {
	client *genai.Client
}

// NewClient creates a Gemini client authenticated with an API key.
func NewClient(ctx context.Context, apiKey string, opts ...option.ClientOption) (Client, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	c, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: c}, nil
}

func (c *sdkClient) Generate(ctx context.Context, req Request) (*Response, error) {
	model := c.client.GenerativeModel(req.Model)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}
	model.SetTemperature(req.Temperature)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}
	return fromSDKResponse(resp), nil
}

func (c *sdkClient) Close() error {
	return c.client.Close()
}

func fromSDKResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{}
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]
	out.FinishReason = cand.FinishReason.String()
	if cand.Content == nil {
		return out
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	out.Text = b.String()
	return out
}

// StatusCode maps a Gemini API error to the closest HTTP status so callers
// can classify it the same way as other providers. Returns 0 when err
// carries no API status.
func StatusCode(err error) int {
	var apiErr *apierror.APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	if code := apiErr.HTTPCode(); code > 0 {
		return code
	}
	if st := apiErr.GRPCStatus(); st != nil {
		return grpcToHTTP(st.Code())
	}
	return 0
}

func grpcToHTTP(c codes.Code) int {
	switch c {
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Internal, codes.Unknown:
		return http.StatusInternalServerError
	case codes.InvalidArgument:
		return http.StatusBadRequest
	default:
		return 0
	}
}
