package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/consensus-ai/backend/internal/storage/models"
)

var ErrNoJSON = errors.New("no JSON object in model output")

// ExtractJSON returns the outermost JSON object in s, ignoring markdown fences
// and any prose around it.
func ExtractJSON(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}

type rawModelOutput struct {
	Recommendations   []rawRecommendation `json:"recommendations"`
	Summary           string              `json:"summary"`
	OverallConfidence *float64            `json:"overallConfidence"`
}

type rawRecommendation struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Confidence      float64  `json:"confidence"`
	RiskLevel       string   `json:"riskLevel"`
	CreativityLevel string   `json:"creativityLevel"`
	Reasoning       string   `json:"reasoning"`
	ActionItems     []string `json:"actionItems"`
	PotentialRisks  []string `json:"potentialRisks"`
	Timeframe       string   `json:"timeframe"`
}

// ParseModelResponse normalizes a provider's JSON output. Confidences are
// clamped to 0-100 and a missing overall confidence is the mean of the
// recommendation confidences.
func ParseModelResponse(desc Descriptor, content string) (*models.ModelResponse, error) {
	body, err := ExtractJSON(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc.Name, err)
	}

	var out rawModelOutput
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("%s: malformed output: %w", desc.Name, err)
	}

	recs := make([]models.ModelRecommendation, 0, len(out.Recommendations))
	total := 0
	for _, r := range out.Recommendations {
		if strings.TrimSpace(r.Title) == "" {
			continue
		}
		conf := ClampConfidence(r.Confidence)
		total += conf
		recs = append(recs, models.ModelRecommendation{
			Title:           strings.TrimSpace(r.Title),
			Description:     strings.TrimSpace(r.Description),
			Confidence:      conf,
			RiskLevel:       normalizeLevel(r.RiskLevel, "medium"),
			CreativityLevel: normalizeLevel(r.CreativityLevel, "moderate"),
			Reasoning:       strings.TrimSpace(r.Reasoning),
			ActionItems:     nonNil(r.ActionItems),
			PotentialRisks:  nonNil(r.PotentialRisks),
			Timeframe:       strings.TrimSpace(r.Timeframe),
			Model:           desc.Name,
		})
	}

	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: output contained no recommendations", desc.Name)
	}

	overall := total / len(recs)
	if out.OverallConfidence != nil {
		overall = ClampConfidence(*out.OverallConfidence)
	}

	return &models.ModelResponse{
		ModelID:           desc.ID,
		ModelName:         desc.Name,
		Recommendations:   recs,
		Summary:           strings.TrimSpace(out.Summary),
		OverallConfidence: overall,
	}, nil
}

// ClampConfidence maps a fraction below 1 or a 0-100 score onto 0-100. An
// exact 1 is read as a score.
func ClampConfidence(v float64) int {
	if v > 0 && v < 1 {
		v *= 100
	}
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v + 0.5)
}

func normalizeLevel(level, fallback string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return fallback
	}
	return level
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
