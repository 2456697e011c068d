package llm

import (
	"fmt"
	"strings"
)

const ValidationSystemPrompt = `You are a senior business strategy advisor. Analyze the user's business question and return concrete, actionable recommendations.

Return ONLY a JSON object with this shape:
{
  "recommendations": [
    {
      "title": "short title",
      "description": "what to do",
      "confidence": 0-100,
      "riskLevel": "low" | "medium" | "high",
      "creativityLevel": "conventional" | "moderate" | "innovative",
      "reasoning": "why this is recommended",
      "actionItems": ["step 1", "step 2"],
      "potentialRisks": ["risk 1"],
      "timeframe": "e.g. 2-4 weeks"
    }
  ],
  "summary": "two or three sentence overview",
  "overallConfidence": 0-100
}

Give between 2 and 5 recommendations. Be specific to the user's situation.`

var riskDescriptions = map[int]string{
	1: "very conservative: avoid downside, prefer proven moves",
	2: "conservative: accept small, well-understood risks",
	3: "balanced: weigh upside and downside equally",
	4: "risk-tolerant: accept meaningful risk for higher upside",
	5: "aggressive: pursue high-upside bets",
}

var creativityDescriptions = map[int]string{
	1: "conventional, industry-standard approaches only",
	2: "mostly conventional with small twists",
	3: "a mix of proven and novel ideas",
	4: "favor novel approaches",
	5: "unconventional, experimental ideas welcome",
}

func DescribeRisk(level int) string {
	if d, ok := riskDescriptions[level]; ok {
		return d
	}
	return riskDescriptions[3]
}

func DescribeCreativity(level int) string {
	if d, ok := creativityDescriptions[level]; ok {
		return d
	}
	return creativityDescriptions[3]
}

func BuildValidationPrompt(p Prompt) string {
	prefs := p.Preferences.Normalize()

	var b strings.Builder
	b.WriteString("Business question:\n")
	b.WriteString(strings.TrimSpace(p.Text))
	b.WriteString("\n\nUser preferences:\n")
	fmt.Fprintf(&b, "- Risk tolerance %d/5 (%s)\n", prefs.RiskPreference, DescribeRisk(prefs.RiskPreference))
	fmt.Fprintf(&b, "- Creativity %d/5 (%s)\n", prefs.CreativityPreference, DescribeCreativity(prefs.CreativityPreference))
	b.WriteString("\nReturn JSON only.")
	return b.String()
}
