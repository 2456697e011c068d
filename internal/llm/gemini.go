package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/consensus-ai/backend/internal/metrics"
	"github.com/consensus-ai/backend/pkg/circuitbreaker"
	"github.com/consensus-ai/backend/pkg/logger"
	"github.com/consensus-ai/backend/pkg/retry"
)

// GeminiClient is a Completer backed by the Gemini API.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewGeminiClient(ctx context.Context, opts ClientOptions) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	opts.setDefaults()

	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger.Info("LLM client initialized",
		zap.String("provider", "gemini"),
		zap.String("model", opts.Model),
	)

	return &GeminiClient{
		client:      client,
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		timeout:     opts.Timeout,
		cb:          newBreaker("gemini:" + opts.Model),
		retryConfig: newRetryConfig(opts.MaxAttempts),
	}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(temperature),
		MaxOutputTokens: int32(maxTokens),
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.JSONMode {
		genCfg.ResponseMIMEType = "application/json"
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.UserPrompt), genCfg)
			if err != nil {
				return fmt.Errorf("failed to generate content: %w", err)
			}

			text := resp.Text()
			if text == "" {
				return fmt.Errorf("generation returned no text")
			}

			result = &CompletionResponse{Content: text}
			if resp.UsageMetadata != nil {
				result.Usage = Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}

			logger.Debug("Gemini content generated",
				zap.String("model", c.model),
				zap.Int("prompt_tokens", result.Usage.PromptTokens),
				zap.Int("completion_tokens", result.Usage.CompletionTokens),
			)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	metrics.RecordTokens(c.model, result.Usage.PromptTokens, result.Usage.CompletionTokens)

	return result, nil
}
