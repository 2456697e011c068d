package consensus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consensus-ai/backend/internal/llm"
	"github.com/consensus-ai/backend/internal/storage/models"
)

func modelResponse(desc llm.Descriptor) *models.ModelResponse {
	resp, err := llm.ParseModelResponse(desc, providerOutput)
	if err != nil {
		panic(err)
	}
	return resp
}

func fullRequest() EvaluateRequest {
	return EvaluateRequest{
		UserID:              "user-1",
		GPTResponse:         modelResponse(gptDesc),
		GeminiProResponse:   modelResponse(proDesc),
		GeminiFlashResponse: modelResponse(flashDesc),
		UserPreferences:     models.Preferences{RiskPreference: 2, CreativityPreference: 3},
		Prompt:              "Should I raise prices 10%?",
	}
}

func newTestEvaluator(t *testing.T, completer llm.Completer, history HistoryStore) *Evaluator {
	t.Helper()
	gpt, pro, flash := defaultFakes()
	e, err := NewEvaluator(completer, newRegistry(t, gpt, pro, flash), history)
	require.NoError(t, err)
	return e
}

func TestEvaluate_MissingResponsesFailBeforeNetwork(t *testing.T) {
	completer := &stubCompleter{content: synthesisJSON(t, nil)}
	e := newTestEvaluator(t, completer, nil)

	req := fullRequest()
	req.GeminiProResponse = nil
	req.GeminiFlashResponse = nil

	_, err := e.Evaluate(context.Background(), req)
	var missing *MissingResponsesError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "missing responses from: Gemini Pro, Gemini Flash", err.Error())
	assert.Zero(t, completer.Calls())
}

func TestEvaluate_Success(t *testing.T) {
	completer := &stubCompleter{content: "```json\n" + synthesisJSON(t, nil) + "\n```"}
	e := newTestEvaluator(t, completer, nil)

	result, err := e.Evaluate(context.Background(), fullRequest())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.OverallConfidence, 0)
	assert.LessOrEqual(t, result.OverallConfidence, 100)
	assert.Equal(t, 74, result.OverallConfidence)
	assert.NotEmpty(t, result.SynthesisReasoning)
	assert.Equal(t, []string{"Pick a segment", "Announce", "Measure churn"}, result.FinalRecommendation.TopActions)

	require.Len(t, result.ConsensusPoints, 1)
	require.Len(t, result.MajorityPoints, 1)
	assert.Equal(t, "Gemini Pro", result.MajorityPoints[0].DissentingModel)
	require.Len(t, result.DissentPoints, 1)
	assert.Len(t, result.DissentPoints[0].Positions, 2)

	assert.NotNil(t, result.GPTResponse)
	assert.NotNil(t, result.GeminiProResponse)
	assert.NotNil(t, result.GeminiFlashResponse)
	assert.Empty(t, result.ValidationID, "not saved")

	assert.True(t, completer.last.JSONMode)
	assert.Contains(t, completer.last.UserPrompt, "[GPT] Test the increase on new customers")
	assert.Contains(t, completer.last.UserPrompt, "Gemini Pro (conservative)")
	assert.NotContains(t, completer.last.SystemPrompt, "strategicAlternatives")
}

func TestEvaluate_EnforcesAgreementLevels(t *testing.T) {
	content := synthesisJSON(t, func(doc map[string]any) {
		doc["consensusPoints"] = []any{
			point{"topic": "Only two agree", "supportingModels": []string{"GPT", "gemini-pro"}},
			point{"topic": "All agree", "supportingModels": []string{"gpt", "Gemini Pro", "GEMINI FLASH"}},
			point{"topic": "Unknown models", "supportingModels": []string{"Claude", "GPT"}},
		}
		doc["majorityPoints"] = []any{
			point{"topic": "Three listed as majority", "supportingModels": []string{"GPT", "Gemini Pro", "Gemini Flash"}},
			point{"topic": "Single supporter", "supportingModels": []string{"GPT"}},
			point{"topic": "Duplicated supporter", "supportingModels": []string{"GPT", "GPT"}},
			point{"topic": "Proper majority", "supportingModels": []string{"Gemini Pro", "Gemini Flash"}, "dissentingModel": "Gemini Flash"},
		}
	})
	e := newTestEvaluator(t, &stubCompleter{content: content}, nil)

	result, err := e.Evaluate(context.Background(), fullRequest())
	require.NoError(t, err)

	var consensusTopics, majorityTopics []string
	for _, p := range result.ConsensusPoints {
		consensusTopics = append(consensusTopics, p.Topic)
		assert.Len(t, p.SupportingModels, 3, p.Topic)
	}
	for _, p := range result.MajorityPoints {
		majorityTopics = append(majorityTopics, p.Topic)
		assert.Len(t, p.SupportingModels, 2, p.Topic)
		assert.NotContains(t, p.SupportingModels, p.DissentingModel)
	}

	assert.ElementsMatch(t, []string{"All agree", "Three listed as majority"}, consensusTopics)
	assert.ElementsMatch(t, []string{"Only two agree", "Proper majority"}, majorityTopics)
	assert.Equal(t, "GPT", result.MajorityPoints[len(result.MajorityPoints)-1].DissentingModel)
}

func TestEvaluate_FailedProviderShrinksConsensus(t *testing.T) {
	content := synthesisJSON(t, func(doc map[string]any) {
		doc["consensusPoints"] = []any{
			point{"topic": "Both responding agree", "supportingModels": []string{"GPT", "Gemini Flash"}},
			point{"topic": "Claims failed model", "supportingModels": []string{"GPT", "Gemini Pro", "Gemini Flash"}},
		}
		doc["majorityPoints"] = []any{
			point{"topic": "Two of two", "supportingModels": []string{"GPT", "Gemini Flash"}},
		}
	})
	e := newTestEvaluator(t, &stubCompleter{content: content}, nil)

	req := fullRequest()
	req.GeminiProResponse = &models.ModelResponse{ModelID: models.ModelGeminiPro, ModelName: "Gemini Pro", Error: "timeout"}

	result, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, result.ConsensusPoints, 3)
	for _, p := range result.ConsensusPoints {
		assert.Equal(t, []string{"GPT", "Gemini Flash"}, p.SupportingModels)
	}
	assert.Empty(t, result.MajorityPoints)
	assert.Contains(t, result.GeminiProResponse.Error, "timeout")
}

func TestEvaluate_TopActionsTruncated(t *testing.T) {
	content := synthesisJSON(t, func(doc map[string]any) {
		final := doc["finalRecommendation"].(map[string]any)
		final["topActions"] = []string{"a", "b", " ", "c", "d", "e", "f", "g"}
	})
	e := newTestEvaluator(t, &stubCompleter{content: content}, nil)

	result, err := e.Evaluate(context.Background(), fullRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, result.FinalRecommendation.TopActions)
}

func TestEvaluate_OutOfRangeConfidenceIsClamped(t *testing.T) {
	content := synthesisJSON(t, func(doc map[string]any) {
		doc["overallConfidence"] = 150
		doc["finalRecommendation"].(map[string]any)["confidence"] = 101
		doc["consensusPoints"].([]any)[0].(point)["confidence"] = -3
	})
	e := newTestEvaluator(t, &stubCompleter{content: content}, nil)

	result, err := e.Evaluate(context.Background(), fullRequest())
	require.NoError(t, err)
	assert.Equal(t, 100, result.OverallConfidence)
	assert.Equal(t, 100, result.FinalRecommendation.Confidence)
	require.Len(t, result.ConsensusPoints, 1)
	assert.Equal(t, 0, result.ConsensusPoints[0].Confidence)
}

func TestEvaluate_ZeroDissentIsValid(t *testing.T) {
	content := synthesisJSON(t, func(doc map[string]any) {
		doc["dissentPoints"] = []any{}
	})
	e := newTestEvaluator(t, &stubCompleter{content: content}, nil)

	result, err := e.Evaluate(context.Background(), fullRequest())
	require.NoError(t, err)
	assert.NotNil(t, result.DissentPoints)
	assert.Empty(t, result.DissentPoints)
}

func TestEvaluate_Failures(t *testing.T) {
	tests := []struct {
		name      string
		completer *stubCompleter
	}{
		{"call error", &stubCompleter{err: errors.New("503")}},
		{"not json", &stubCompleter{content: "sorry"}},
		{"missing reasoning", &stubCompleter{content: synthesisJSON(t, func(doc map[string]any) {
			delete(doc, "synthesisReasoning")
		})}},
		{"no actions", &stubCompleter{content: synthesisJSON(t, func(doc map[string]any) {
			doc["finalRecommendation"].(map[string]any)["topActions"] = []string{}
		})}},
		{"blank actions", &stubCompleter{content: synthesisJSON(t, func(doc map[string]any) {
			doc["finalRecommendation"].(map[string]any)["topActions"] = []string{" ", ""}
		})}},
		{"confidence out of range", &stubCompleter{content: synthesisJSON(t, func(doc map[string]any) {
			doc["overallConfidence"] = 140
		})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEvaluator(t, tt.completer, nil)
			result, err := e.Evaluate(context.Background(), fullRequest())
			assert.Nil(t, result)

			var evalErr *EvaluatorError
			require.ErrorAs(t, err, &evalErr)
			assert.Equal(t, "Meta-evaluation failed.", err.Error())
		})
	}
}

func TestEvaluate_NoUsableResponses(t *testing.T) {
	completer := &stubCompleter{content: synthesisJSON(t, nil)}
	e := newTestEvaluator(t, completer, nil)

	req := fullRequest()
	for _, id := range models.ValidationModels {
		*req.response(id) = models.ModelResponse{ModelID: id, Error: "down"}
	}

	_, err := e.Evaluate(context.Background(), req)
	var evalErr *EvaluatorError
	require.ErrorAs(t, err, &evalErr)
	assert.ErrorIs(t, err, errNoUsableResponses)
	assert.Zero(t, completer.Calls())
}

func TestEvaluate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newTestEvaluator(t, &stubCompleter{err: context.Canceled}, nil)

	_, err := e.Evaluate(ctx, fullRequest())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestEvaluate_PremiumGating(t *testing.T) {
	completer := &stubCompleter{content: synthesisJSON(t, nil)}
	e := newTestEvaluator(t, completer, nil)

	free, err := e.Evaluate(context.Background(), fullRequest())
	require.NoError(t, err)
	assert.Empty(t, free.StrategicAlternatives)
	assert.Empty(t, free.LongTermOutlook)
	assert.Empty(t, free.CompetitorInsights)

	req := fullRequest()
	req.IsPremium = true
	premium, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"Usage-based pricing"}, premium.StrategicAlternatives)
	assert.Equal(t, "Stable margins.", premium.LongTermOutlook)
	assert.Equal(t, "Competitors will likely follow.", premium.CompetitorInsights)
	assert.Contains(t, completer.last.SystemPrompt, "strategicAlternatives")
}

type memoryHistory struct {
	saved []*models.ValidationResult
	err   error
}

func (m *memoryHistory) InsertValidation(ctx context.Context, r *models.ValidationResult) error {
	if m.err != nil {
		return m.err
	}
	r.ValidationID = "val-1"
	m.saved = append(m.saved, r)
	return nil
}

func TestEvaluate_SaveToHistory(t *testing.T) {
	history := &memoryHistory{}
	e := newTestEvaluator(t, &stubCompleter{content: synthesisJSON(t, nil)}, history)

	req := fullRequest()
	_, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, history.saved)

	req.SaveToHistory = true
	result, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "val-1", result.ValidationID)
	require.Len(t, history.saved, 1)
	assert.Equal(t, "user-1", history.saved[0].UserID)
	assert.Equal(t, "Should I raise prices 10%?", history.saved[0].Prompt)

	history.err = errors.New("disk full")
	_, err = e.Evaluate(context.Background(), req)
	assert.ErrorContains(t, err, "disk full")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, agreementConsensus, classify(3, 3))
	assert.Equal(t, agreementMajority, classify(2, 3))
	assert.Equal(t, agreementNone, classify(1, 3))
	assert.Equal(t, agreementConsensus, classify(2, 2))
	assert.Equal(t, agreementNone, classify(1, 2))
	assert.Equal(t, agreementNone, classify(1, 1))
}
