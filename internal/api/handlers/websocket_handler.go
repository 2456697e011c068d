package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/consensus"
	"github.com/consensus-ai/backend/internal/metrics"
	"github.com/consensus-ai/backend/internal/middleware/auth"
	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/logger"
)

// WebSocketHandler runs full validations over a websocket. Each "validate"
// message produces status, model_complete, evaluating and complete messages,
// or a single limit_reached or error message.
type WebSocketHandler struct {
	service *consensus.Service
}

func NewWebSocketHandler(service *consensus.Service) *WebSocketHandler {
	return &WebSocketHandler{
		service: service,
	}
}

type wsRequest struct {
	Type                 string `json:"type"`
	Prompt               string `json:"prompt"`
	RiskPreference       int    `json:"riskPreference"`
	CreativityPreference int    `json:"creativityPreference"`
	SaveToHistory        bool   `json:"saveToHistory"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	session, ok := c.Locals(auth.SessionLocalsKey).(*models.Session)
	if !ok || session == nil {
		h.sendError(c, "Unauthorized", "UNAUTHORIZED", false)
		c.Close()
		return
	}

	metrics.StreamClients.Inc()
	logger.Info("WebSocket connection established", zap.String("user_id", session.UserID))

	defer func() {
		metrics.StreamClients.Dec()
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("user_id", session.UserID))
	}()

	for {
		var msg wsRequest
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "validate" {
			if err := h.sendError(c, "Unsupported message type", "INVALID_INPUT", false); err != nil {
				return
			}
			continue
		}

		if err := h.validate(c, session, msg); err != nil {
			logger.Info("WebSocket client went away during validation", zap.Error(err))
			return
		}
	}
}

// validate returns an error only when the connection can no longer be written.
func (h *WebSocketHandler) validate(c *websocket.Conn, session *models.Session, msg wsRequest) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeErr error
	send := func(payload map[string]interface{}) {
		if writeErr != nil {
			return
		}
		if err := c.WriteJSON(payload); err != nil {
			writeErr = err
			cancel()
		}
	}

	send(map[string]interface{}{
		"type":    "status",
		"content": "Querying models...",
	})

	result, limit, err := h.service.Validate(ctx, consensus.ValidateRequest{
		QueryRequest: consensus.QueryRequest{
			UserID:    session.UserID,
			IsPremium: session.IsPremium,
			Prompt:    msg.Prompt,
			Preferences: models.Preferences{
				RiskPreference:       msg.RiskPreference,
				CreativityPreference: msg.CreativityPreference,
			},
		},
		SaveToHistory: msg.SaveToHistory,
	}, consensus.Observer{
		ModelComplete: func(modelID string, resp *models.ModelResponse) {
			send(map[string]interface{}{
				"type":     "model_complete",
				"model":    modelID,
				"response": resp,
			})
		},
		Evaluating: func() {
			send(map[string]interface{}{
				"type": "evaluating",
			})
		},
	})

	switch {
	case writeErr != nil:
		return writeErr
	case limit != nil:
		send(map[string]interface{}{
			"type":      "limit_reached",
			"isPremium": limit.IsPremium,
			"resetAt":   limit.ResetAt,
		})
	case err != nil:
		_, payload := errorPayload(err)
		if payload.Code == "INTERNAL" {
			logger.Error("WebSocket validation failed", zap.String("user_id", session.UserID), zap.Error(err))
		}
		send(map[string]interface{}{
			"type":  "error",
			"error": payload.Error,
			"code":  payload.Code,
			"retry": payload.Retry,
		})
	default:
		send(map[string]interface{}{
			"type":   "complete",
			"result": result,
		})
	}

	if writeErr != nil {
		return writeErr
	}
	return nil
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg, code string, retry bool) error {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
		"code":  code,
		"retry": retry,
	}

	if err := c.WriteJSON(msg); err != nil {
		return errors.Join(errors.New("failed to send error"), err)
	}
	return nil
}
