package consensus

import (
	"context"

	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/logger"
)

type ValidateRequest struct {
	QueryRequest
	SaveToHistory bool
}

// Observer receives progress of a full validation run. Nil fields are skipped.
type Observer struct {
	ModelComplete EmitFunc
	Evaluating    func()
}

// Service runs the query and evaluation phases back to back under one
// deadline.
type Service struct {
	orchestrator *Orchestrator
	evaluator    *Evaluator
}

func NewService(orchestrator *Orchestrator, evaluator *Evaluator) *Service {
	return &Service{
		orchestrator: orchestrator,
		evaluator:    evaluator,
	}
}

func (s *Service) Orchestrator() *Orchestrator {
	return s.orchestrator
}

func (s *Service) Evaluator() *Evaluator {
	return s.evaluator
}

func (s *Service) Validate(ctx context.Context, req ValidateRequest, obs Observer) (*models.ValidationResult, *models.LimitReachedInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.orchestrator.Timeout())
	defer cancel()

	batch, limit, err := s.orchestrator.Query(ctx, req.QueryRequest, obs.ModelComplete)
	if err != nil || limit != nil {
		return nil, limit, err
	}

	if missing := batch.Missing(); len(missing) > 0 {
		logger.Error("Query phase returned incomplete batch",
			zap.String("user_id", req.UserID),
			zap.Strings("missing", missing),
		)
		return nil, nil, &MissingResponsesError{Models: missing}
	}

	if obs.Evaluating != nil {
		obs.Evaluating()
	}

	result, err := s.evaluator.Evaluate(ctx, EvaluateRequestFromBatch(req.UserID, batch, req.SaveToHistory))
	if err != nil {
		return nil, nil, err
	}
	return result, nil, nil
}
