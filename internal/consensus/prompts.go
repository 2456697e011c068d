package consensus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/consensus-ai/backend/internal/llm"
	"github.com/consensus-ai/backend/internal/storage/models"
)

const evaluatorSystemPrompt = `You are a meta-evaluator comparing business recommendations produced independently by several AI models.

Group the recommendations into topics by meaning, not wording, then classify each topic:
- consensusPoints: every responding model supports the topic.
- majorityPoints: exactly two of three models support it. Name the supporting models and the dissenting model.
- dissentPoints: models take different positions. Keep every model's position and reasoning. Do not pick a winner.

Then write one finalRecommendation weighted by the model weights given to you. A higher weight means more influence.
Explain the weighting in synthesisReasoning.

Refer to models only by the names given in the input.

Return ONLY a JSON object with this shape:
{
  "consensusPoints": [{"topic": "", "description": "", "confidence": 0-100, "supportingModels": [""]}],
  "majorityPoints": [{"topic": "", "description": "", "confidence": 0-100, "supportingModels": ["", ""], "dissentingModel": ""}],
  "dissentPoints": [{"topic": "", "positions": [{"model": "", "position": "", "reasoning": ""}]}],
  "finalRecommendation": {"title": "", "description": "", "confidence": 0-100, "reasoning": "", "topActions": ["1 to 5 actions"]},
  "overallConfidence": 0-100,
  "synthesisReasoning": ""%s
}`

const premiumFields = `,
  "strategicAlternatives": ["alternative strategies worth considering"],
  "longTermOutlook": "how the recommendation plays out over 1-3 years",
  "competitorInsights": "how competitors are likely to respond"`

func buildEvaluatorSystemPrompt(isPremium bool) string {
	if isPremium {
		return fmt.Sprintf(evaluatorSystemPrompt, premiumFields)
	}
	return fmt.Sprintf(evaluatorSystemPrompt, "")
}

// buildDigest lists every recommendation tagged with its model, in provider order.
func buildDigest(prompt string, prefs models.Preferences, descs []llm.Descriptor, responses map[string]*models.ModelResponse, weights map[string]float64) string {
	var b strings.Builder

	if prompt != "" {
		b.WriteString("Business question:\n")
		b.WriteString(prompt)
		b.WriteString("\n\n")
	}

	b.WriteString("User preferences:\n")
	fmt.Fprintf(&b, "- Risk tolerance %d/5 (%s)\n", prefs.RiskPreference, llm.DescribeRisk(prefs.RiskPreference))
	fmt.Fprintf(&b, "- Creativity %d/5 (%s)\n\n", prefs.CreativityPreference, llm.DescribeCreativity(prefs.CreativityPreference))

	ordered := make([]llm.Descriptor, len(descs))
	copy(ordered, descs)
	sort.SliceStable(ordered, func(i, j int) bool { return weights[ordered[i].ID] > weights[ordered[j].ID] })

	b.WriteString("Model weights:\n")
	for _, d := range ordered {
		fmt.Fprintf(&b, "- %s (%s): %.2f\n", d.Name, d.Style, weights[d.ID])
	}

	for _, d := range descs {
		resp := responses[d.ID]
		fmt.Fprintf(&b, "\n### %s\n", d.Name)
		if resp.Failed() || len(resp.Recommendations) == 0 {
			b.WriteString("No recommendations (model failed).\n")
			continue
		}
		if resp.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n", resp.Summary)
		}
		for i, r := range resp.Recommendations {
			fmt.Fprintf(&b, "%d. [%s] %s (confidence %d, risk %s, creativity %s)\n", i+1, d.Name, r.Title, r.Confidence, r.RiskLevel, r.CreativityLevel)
			if r.Description != "" {
				fmt.Fprintf(&b, "   %s\n", r.Description)
			}
			if r.Reasoning != "" {
				fmt.Fprintf(&b, "   Reasoning: %s\n", r.Reasoning)
			}
			if len(r.ActionItems) > 0 {
				fmt.Fprintf(&b, "   Actions: %s\n", strings.Join(r.ActionItems, "; "))
			}
		}
	}

	b.WriteString("\nReturn JSON only.")
	return b.String()
}
