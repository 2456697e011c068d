package consensus

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consensus-ai/backend/internal/quota"
	"github.com/consensus-ai/backend/internal/storage/history"
	"github.com/consensus-ai/backend/internal/storage/models"
)

func newHistory(t *testing.T) *history.Client {
	t.Helper()
	db, err := sql.Open(history.DriverSQLite, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	c := history.NewFromDB(db, history.DriverSQLite)
	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func TestService_ValidatePersistsResult(t *testing.T) {
	gpt, pro, flash := defaultFakes()
	registry := newRegistry(t, gpt, pro, flash)
	store := newHistory(t)

	evaluator, err := NewEvaluator(&stubCompleter{content: synthesisJSON(t, nil)}, registry, store)
	require.NoError(t, err)
	svc := NewService(NewOrchestrator(registry, quota.NewMemoryStore(), OrchestratorConfig{Limits: testLimits}), evaluator)

	var (
		emitted    []string
		evaluating bool
	)
	result, limit, err := svc.Validate(context.Background(), ValidateRequest{
		QueryRequest: QueryRequest{
			UserID:      "user-1",
			Prompt:      "Should I raise prices 10%?",
			Preferences: models.Preferences{RiskPreference: 2, CreativityPreference: 3},
		},
		SaveToHistory: true,
	}, Observer{
		ModelComplete: func(id string, _ *models.ModelResponse) {
			assert.False(t, evaluating, "model events precede evaluation")
			emitted = append(emitted, id)
		},
		Evaluating: func() { evaluating = true },
	})
	require.NoError(t, err)
	assert.Nil(t, limit)
	assert.True(t, evaluating)
	assert.Len(t, emitted, 3)

	assert.GreaterOrEqual(t, result.OverallConfidence, 0)
	assert.LessOrEqual(t, result.OverallConfidence, 100)
	assert.NotEmpty(t, result.FinalRecommendation.TopActions)
	assert.LessOrEqual(t, len(result.FinalRecommendation.TopActions), 5)
	require.NotEmpty(t, result.ValidationID)

	for _, id := range models.ValidationModels {
		require.NotNil(t, result.Response(id), id)
		assert.False(t, result.Response(id).Failed())
	}

	saved, err := store.GetValidationForUser(context.Background(), "user-1", result.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, result.FinalRecommendation, saved.FinalRecommendation)
	assert.Equal(t, result.UserPreferences, saved.UserPreferences)
}

func TestService_LimitReached(t *testing.T) {
	gpt, pro, flash := defaultFakes()
	registry := newRegistry(t, gpt, pro, flash)
	completer := &stubCompleter{content: synthesisJSON(t, nil)}
	evaluator, err := NewEvaluator(completer, registry, nil)
	require.NoError(t, err)
	svc := NewService(NewOrchestrator(registry, quota.NewMemoryStore(), OrchestratorConfig{Limits: quota.Limits{Free: 0, Premium: 5}}), evaluator)

	result, limit, err := svc.Validate(context.Background(), ValidateRequest{
		QueryRequest: QueryRequest{UserID: "user-1", Prompt: "Should I raise prices 10%?"},
	}, Observer{})
	require.NoError(t, err)
	assert.Nil(t, result)
	require.NotNil(t, limit)
	assert.True(t, limit.LimitReached)
	assert.False(t, limit.IsPremium)
	assert.True(t, limit.ResetAt.After(time.Now()))

	assert.Zero(t, completer.Calls())
	for _, f := range []*fakeProvider{gpt, pro, flash} {
		assert.Zero(t, f.calls.Load())
	}
}

func TestService_TimeoutSkipsEvaluation(t *testing.T) {
	gpt, pro, flash := defaultFakes()
	pro.gate = make(chan struct{})
	registry := newRegistry(t, gpt, pro, flash)
	completer := &stubCompleter{content: synthesisJSON(t, nil)}
	evaluator, err := NewEvaluator(completer, registry, nil)
	require.NoError(t, err)
	svc := NewService(NewOrchestrator(registry, nil, OrchestratorConfig{Timeout: 30 * time.Millisecond}), evaluator)

	_, _, err = svc.Validate(context.Background(), ValidateRequest{QueryRequest: QueryRequest{Prompt: "x"}}, Observer{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, completer.Calls())
}
