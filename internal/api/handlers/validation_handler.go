package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/consensus"
	"github.com/consensus-ai/backend/internal/metrics"
	"github.com/consensus-ai/backend/internal/middleware/auth"
	"github.com/consensus-ai/backend/internal/middleware/validation"
	"github.com/consensus-ai/backend/internal/quota"
	"github.com/consensus-ai/backend/internal/sse"
	"github.com/consensus-ai/backend/internal/storage/history"
	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/logger"
)

// HistoryStore is the read side of validation history.
type HistoryStore interface {
	GetValidationForUser(ctx context.Context, userID, id string) (*models.ValidationResult, error)
	ListValidations(ctx context.Context, userID string, limit int) ([]models.ValidationSummary, error)
	DeleteValidation(ctx context.Context, userID, id string) error
}

type ValidationHandler struct {
	service *consensus.Service
	history HistoryStore
	quota   quota.Store
	limits  quota.Limits
}

func NewValidationHandler(service *consensus.Service, history HistoryStore, store quota.Store, limits quota.Limits) *ValidationHandler {
	return &ValidationHandler{
		service: service,
		history: history,
		quota:   store,
		limits:  limits,
	}
}

type queryRequest struct {
	Prompt               string `json:"prompt"`
	RiskPreference       int    `json:"riskPreference"`
	CreativityPreference int    `json:"creativityPreference"`
	Streaming            bool   `json:"streaming"`
}

// HandleQuery runs the query phase. Quota and input are checked before the
// response starts, so both are reported as plain JSON. Streaming requests then
// receive model_complete events in completion order followed by complete or
// error.
func (h *ValidationHandler) HandleQuery(c *fiber.Ctx) error {
	session, ok := auth.SessionFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var body queryRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if prompt, ok := validation.Prompt(c); ok {
		body.Prompt = prompt
	}

	req := consensus.QueryRequest{
		UserID:    session.UserID,
		IsPremium: session.IsPremium,
		Prompt:    body.Prompt,
		Preferences: models.Preferences{
			RiskPreference:       body.RiskPreference,
			CreativityPreference: body.CreativityPreference,
		},
	}

	pending, limit, err := h.service.Orchestrator().Prepare(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}
	if limit != nil {
		return writeLimitReached(c, limit)
	}

	if !body.Streaming && !strings.Contains(c.Get(fiber.HeaderAccept), "text/event-stream") {
		batch, err := pending.Run(c.UserContext(), nil)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(batch.QueryResult())
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// The fiber context is recycled once the handler returns; the stream
	// writer only uses values captured here.
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		streamQuery(w, pending)
	}))
	return nil
}

func streamQuery(w *bufio.Writer, pending *consensus.Pending) {
	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	// A failed write means the client went away; cancelling stops the
	// remaining provider calls and hands the quota slot back.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := sse.NewWriter(w)
	var writeErr error
	write := func(event string, data any) {
		if writeErr != nil {
			return
		}
		if err := stream.Event(event, data); err != nil {
			writeErr = err
			cancel()
		}
	}

	emit := func(modelID string, resp *models.ModelResponse) {
		raw, err := json.Marshal(resp)
		if err != nil {
			logger.Error("Failed to encode model response", zap.String("model", modelID), zap.Error(err))
			return
		}
		write(sse.EventModelComplete, sse.ModelCompletePayload{Model: modelID, Response: raw})
	}

	req := pending.Request()
	batch, err := pending.Run(ctx, emit)
	if err != nil {
		if writeErr != nil {
			logger.Info("Validation stream closed by client",
				zap.String("user_id", req.UserID),
				zap.Error(writeErr),
			)
			return
		}
		_, payload := errorPayload(err)
		write(sse.EventError, payload)
		return
	}

	write(sse.EventComplete, batch.QueryResult())
}

type evaluateRequest struct {
	GPTResponse         *models.ModelResponse `json:"gptResponse"`
	GeminiProResponse   *models.ModelResponse `json:"geminiProResponse"`
	GeminiFlashResponse *models.ModelResponse `json:"geminiFlashResponse"`
	UserPreferences     models.Preferences    `json:"userPreferences"`
	Prompt              string                `json:"prompt"`
	SaveToHistory       bool                  `json:"saveToHistory"`
}

// HandleEvaluate runs the meta-evaluator. The premium tier comes from the
// session, not from the request body.
func (h *ValidationHandler) HandleEvaluate(c *fiber.Ctx) error {
	session, ok := auth.SessionFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var body evaluateRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.service.Orchestrator().Timeout())
	defer cancel()

	result, err := h.service.Evaluator().Evaluate(ctx, consensus.EvaluateRequest{
		UserID:              session.UserID,
		GPTResponse:         body.GPTResponse,
		GeminiProResponse:   body.GeminiProResponse,
		GeminiFlashResponse: body.GeminiFlashResponse,
		UserPreferences:     body.UserPreferences,
		Prompt:              strings.TrimSpace(body.Prompt),
		SaveToHistory:       body.SaveToHistory,
		IsPremium:           session.IsPremium,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(models.NewEvaluationResponse(result))
}

func (h *ValidationHandler) ListHistory(c *fiber.Ctx) error {
	session, ok := auth.SessionFrom(c)
	if !ok {
		return unauthorized(c)
	}

	limit := c.QueryInt("limit", 0)
	list, err := h.history.ListValidations(c.UserContext(), session.UserID, limit)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"validations": list,
	})
}

func (h *ValidationHandler) GetValidation(c *fiber.Ctx) error {
	session, ok := auth.SessionFrom(c)
	if !ok {
		return unauthorized(c)
	}

	result, err := h.history.GetValidationForUser(c.UserContext(), session.UserID, c.Params("id"))
	if errors.Is(err, history.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Validation not found",
		})
	}
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(result)
}

func (h *ValidationHandler) DeleteValidation(c *fiber.Ctx) error {
	session, ok := auth.SessionFrom(c)
	if !ok {
		return unauthorized(c)
	}

	err := h.history.DeleteValidation(c.UserContext(), session.UserID, c.Params("id"))
	if errors.Is(err, history.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Validation not found",
		})
	}
	if err != nil {
		return writeError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

type quotaResponse struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	IsPremium bool      `json:"isPremium"`
}

func (h *ValidationHandler) GetQuota(c *fiber.Ctx) error {
	session, ok := auth.SessionFrom(c)
	if !ok {
		return unauthorized(c)
	}

	limit := h.limits.For(session.IsPremium)
	status, err := h.quota.Status(c.UserContext(), session.UserID, limit, h.limits.Window)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(quotaResponse{
		Used:      status.Used,
		Limit:     status.Limit,
		Remaining: status.Remaining(),
		ResetAt:   status.ResetAt,
		IsPremium: session.IsPremium,
	})
}
