package consensus

import (
	"math"

	"github.com/consensus-ai/backend/internal/llm"
	"github.com/consensus-ai/backend/internal/storage/models"
)

const minWeight = 0.2

// PreferenceWeights returns a normalized influence per provider id. A low risk
// preference favours the conservative provider, a high one or a high
// creativity preference favours the exploratory provider. Balanced providers
// keep the base weight. Weights sum to 1 and are rounded to two decimals.
func PreferenceWeights(prefs models.Preferences, providers []llm.Descriptor) map[string]float64 {
	prefs = prefs.Normalize()
	risk := float64(prefs.RiskPreference - models.DefaultPreference)
	creativity := float64(prefs.CreativityPreference - models.DefaultPreference)

	raw := make(map[string]float64, len(providers))
	total := 0.0
	for _, p := range providers {
		w := 1.0
		switch p.Style {
		case llm.StyleConservative:
			w += -risk*0.25 - creativity*0.1
		case llm.StyleExploratory:
			w += risk*0.15 + creativity*0.25
		}
		w = math.Max(w, minWeight)
		raw[p.ID] = w
		total += w
	}

	weights := make(map[string]float64, len(raw))
	for id, w := range raw {
		weights[id] = math.Round(w/total*100) / 100
	}
	return weights
}
