package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consensus-ai/backend/internal/storage/models"
)

var gptDescriptor = Descriptor{ID: models.ModelGPT, Name: "GPT-4o", Model: "gpt-4o", Style: StyleBalanced}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", input: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "prose around", input: "Here you go: {\"a\":{\"b\":2}} hope it helps", want: `{"a":{"b":2}}`},
		{name: "no object", input: "I cannot help with that", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseModelResponse(t *testing.T) {
	content := "```json\n" + `{
		"recommendations": [
			{"title": "Raise prices 5% first", "description": "Test a smaller increase", "confidence": 0.8,
			 "riskLevel": "LOW", "reasoning": "Limits churn", "actionItems": ["Pick a segment"], "timeframe": "4 weeks"},
			{"title": "", "description": "dropped"},
			{"title": "Bundle premium tier", "confidence": 140, "creativityLevel": "innovative"}
		],
		"summary": "Go gradually."
	}` + "\n```"

	resp, err := ParseModelResponse(gptDescriptor, content)
	require.NoError(t, err)

	assert.Equal(t, models.ModelGPT, resp.ModelID)
	assert.Equal(t, "GPT-4o", resp.ModelName)
	assert.Equal(t, "Go gradually.", resp.Summary)
	require.Len(t, resp.Recommendations, 2)

	first := resp.Recommendations[0]
	assert.Equal(t, 80, first.Confidence)
	assert.Equal(t, "low", first.RiskLevel)
	assert.Equal(t, "moderate", first.CreativityLevel)
	assert.Equal(t, "GPT-4o", first.Model)
	assert.Equal(t, []string{}, first.PotentialRisks)

	assert.Equal(t, 100, resp.Recommendations[1].Confidence)
	assert.Equal(t, "medium", resp.Recommendations[1].RiskLevel)
	assert.Equal(t, 90, resp.OverallConfidence, "mean of 80 and 100")
}

func TestParseModelResponse_ExplicitOverall(t *testing.T) {
	resp, err := ParseModelResponse(gptDescriptor, `{"recommendations":[{"title":"x","confidence":50}],"overallConfidence":72}`)
	require.NoError(t, err)
	assert.Equal(t, 72, resp.OverallConfidence)
}

func TestParseModelResponse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "no json", content: "sorry", wantErr: "no JSON object"},
		{name: "malformed", content: `{"recommendations": [}`, wantErr: "malformed output"},
		{name: "empty", content: `{"recommendations": [], "summary": "nothing"}`, wantErr: "no recommendations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseModelResponse(gptDescriptor, tt.content)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "GPT-4o")
		})
	}
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0, ClampConfidence(-5))
	assert.Equal(t, 0, ClampConfidence(0))
	assert.Equal(t, 55, ClampConfidence(0.55))
	assert.Equal(t, 1, ClampConfidence(1))
	assert.Equal(t, 100, ClampConfidence(100))
	assert.Equal(t, 73, ClampConfidence(72.6))
	assert.Equal(t, 100, ClampConfidence(250))
}

func TestBuildValidationPrompt(t *testing.T) {
	got := BuildValidationPrompt(Prompt{
		Text:        "  Should I raise prices 10%?  ",
		Preferences: models.Preferences{RiskPreference: 2},
	})

	assert.Contains(t, got, "Should I raise prices 10%?")
	assert.Contains(t, got, "Risk tolerance 2/5 (conservative")
	assert.Contains(t, got, "Creativity 3/5")
}
