package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/consensus"
	"github.com/consensus-ai/backend/internal/sse"
	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/logger"
)

// errorPayload maps a pipeline error onto an HTTP status and the body sent to
// the caller. Unknown errors never leak their message.
func errorPayload(err error) (int, sse.ErrorPayload) {
	var (
		inputErr   *consensus.InputError
		missingErr *consensus.MissingResponsesError
		evalErr    *consensus.EvaluatorError
	)

	switch {
	case errors.As(err, &inputErr):
		return fiber.StatusBadRequest, sse.ErrorPayload{Error: inputErr.Message, Code: "INVALID_INPUT"}
	case errors.As(err, &missingErr):
		return fiber.StatusUnprocessableEntity, sse.ErrorPayload{Error: missingErr.Error(), Code: "MISSING_RESPONSES"}
	case errors.Is(err, consensus.ErrTimeout):
		return fiber.StatusGatewayTimeout, sse.ErrorPayload{Error: err.Error(), Code: "TIMEOUT", Retry: true}
	case errors.Is(err, consensus.ErrCancelled):
		return fiber.StatusRequestTimeout, sse.ErrorPayload{Error: err.Error(), Code: "CANCELLED", Retry: true}
	case errors.As(err, &evalErr):
		return fiber.StatusBadGateway, sse.ErrorPayload{Error: evalErr.Error(), Code: "EVALUATION_FAILED", Retry: true}
	}
	return fiber.StatusInternalServerError, sse.ErrorPayload{Error: "Internal server error", Code: "INTERNAL"}
}

func writeError(c *fiber.Ctx, err error) error {
	status, payload := errorPayload(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(payload)
}

func limitReachedBody(info *models.LimitReachedInfo) fiber.Map {
	return fiber.Map{
		"error":     models.LimitReachedCode,
		"isPremium": info.IsPremium,
		"resetAt":   info.ResetAt,
	}
}

func writeLimitReached(c *fiber.Ctx, info *models.LimitReachedInfo) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(limitReachedBody(info))
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "Unauthorized",
	})
}
