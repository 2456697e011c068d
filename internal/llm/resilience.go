package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/consensus-ai/backend/pkg/circuitbreaker"
	"github.com/consensus-ai/backend/pkg/logger"
	"github.com/consensus-ai/backend/pkg/retry"
)

func newBreaker(name string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Logger:           logger.GetLogger(),
	})
}

func newRetryConfig(maxAttempts int) retry.Config {
	return retry.Config{
		MaxAttempts:    maxAttempts,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       4 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      IsTransient,
		Logger:         logger.GetLogger(),
	}
}

// IsTransient reports whether err is worth retrying: rate limiting, server
// errors and network failures. Client errors and deadlines are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}

	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return transientStatus(genaiErr.Code)
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
