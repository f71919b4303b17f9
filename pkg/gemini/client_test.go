package gemini

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestFromSDKResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text(`{"companies":`),
				genai.Text(`[]}`),
			}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 120, CandidatesTokenCount: 8},
	}

	out := fromSDKResponse(resp)
	assert.Equal(t, `{"companies":[]}`, out.Text)
	assert.Equal(t, int64(120), out.InputTokens)
	assert.Equal(t, int64(8), out.OutputTokens)
	assert.NotEmpty(t, out.FinishReason)
}

func TestFromSDKResponse_Empty(t *testing.T) {
	assert.Equal(t, "", fromSDKResponse(nil).Text)
	assert.Equal(t, "", fromSDKResponse(&genai.GenerateContentResponse{}).Text)
	assert.Equal(t, "", fromSDKResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{}},
	}).Text)
}

func TestStatusCode_GRPC(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.Unauthenticated, http.StatusUnauthorized},
		{codes.PermissionDenied, http.StatusForbidden},
		{codes.ResourceExhausted, http.StatusTooManyRequests},
		{codes.Unavailable, http.StatusServiceUnavailable},
		{codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{codes.NotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			apiErr, ok := apierror.FromError(status.Error(tt.code, "boom"))
			require.True(t, ok)
			assert.Equal(t, tt.want, StatusCode(apiErr))
		})
	}
}

func TestStatusCode_PlainError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(errors.New("dial tcp: connection refused")))
	assert.Equal(t, 0, StatusCode(nil))
}
