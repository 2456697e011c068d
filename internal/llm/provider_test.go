package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/consensus-ai/backend/internal/storage/models"
)

type stubCompleter struct {
	content string
	err     error
	last    CompletionRequest
}

func (s *stubCompleter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &CompletionResponse{Content: s.content, Usage: Usage{TotalTokens: 42}}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	for _, id := range models.ValidationModels {
		require.NoError(t, r.Register(NewCompletionProvider(Descriptor{ID: id, Name: "name-" + id}, &stubCompleter{})))
	}

	assert.Equal(t, models.ValidationModels, r.IDs())
	assert.Equal(t, "name-gpt", r.Name(models.ModelGPT))
	assert.Equal(t, "unknown", r.Name("unknown"))

	err := r.Register(NewCompletionProvider(Descriptor{ID: models.ModelGPT}, &stubCompleter{}))
	assert.ErrorContains(t, err, "already registered")

	err = r.Register(NewCompletionProvider(Descriptor{}, &stubCompleter{}))
	assert.ErrorContains(t, err, "id is required")

	_, ok := r.Get("missing")
	assert.False(t, ok)
	assert.Panics(t, func() { r.MustGet("missing") })
}

func TestCompletionProvider_InvokeAndParse(t *testing.T) {
	stub := &stubCompleter{content: `{"recommendations":[{"title":"Do it","confidence":70}],"summary":"ok"}`}
	p := NewCompletionProvider(gptDescriptor, stub)

	raw, err := p.Invoke(context.Background(), Prompt{Text: "Should I expand?"})
	require.NoError(t, err)

	assert.True(t, stub.last.JSONMode)
	assert.Equal(t, ValidationSystemPrompt, stub.last.SystemPrompt)
	assert.Contains(t, stub.last.UserPrompt, "Should I expand?")
	assert.Equal(t, 42, raw.Usage.TotalTokens)

	resp, err := p.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 70, resp.OverallConfidence)
}

func TestCompletionProvider_InvokeError(t *testing.T) {
	boom := errors.New("boom")
	p := NewCompletionProvider(gptDescriptor, &stubCompleter{err: boom})

	_, err := p.Invoke(context.Background(), Prompt{Text: "x"})
	assert.ErrorIs(t, err, boom)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: false},
		{name: "openai 429", err: fmt.Errorf("x: %w", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}), want: true},
		{name: "openai 400", err: &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, want: false},
		{name: "openai request 503", err: &openai.RequestError{HTTPStatusCode: http.StatusServiceUnavailable}, want: true},
		{name: "gemini 500", err: fmt.Errorf("x: %w", genai.APIError{Code: 500}), want: true},
		{name: "gemini 403", err: genai.APIError{Code: 403}, want: false},
		{name: "plain", err: errors.New("parse failure"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
