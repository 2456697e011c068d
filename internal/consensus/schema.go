package consensus

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const synthesisSchema = `{
	"type": "object",
	"required": ["consensusPoints", "majorityPoints", "dissentPoints", "finalRecommendation", "overallConfidence", "synthesisReasoning"],
	"properties": {
		"consensusPoints": {"type": "array", "items": {"$ref": "#/definitions/point"}},
		"majorityPoints": {"type": "array", "items": {"$ref": "#/definitions/point"}},
		"dissentPoints": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["topic", "positions"],
				"properties": {
					"topic": {"type": "string", "minLength": 1},
					"positions": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["model", "position"],
							"properties": {
								"model": {"type": "string"},
								"position": {"type": "string"},
								"reasoning": {"type": "string"}
							}
						}
					}
				}
			}
		},
		"finalRecommendation": {
			"type": "object",
			"required": ["title", "description", "confidence", "reasoning", "topActions"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"confidence": {"type": "number"},
				"reasoning": {"type": "string"},
				"topActions": {"type": "array", "minItems": 1, "items": {"type": "string"}}
			}
		},
		"overallConfidence": {"type": "number"},
		"synthesisReasoning": {"type": "string", "minLength": 1},
		"strategicAlternatives": {"type": "array", "items": {"type": "string"}},
		"longTermOutlook": {"type": "string"},
		"competitorInsights": {"type": "string"}
	},
	"definitions": {
		"point": {
			"type": "object",
			"required": ["topic", "supportingModels"],
			"properties": {
				"topic": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"confidence": {"type": "number"},
				"supportingModels": {"type": "array", "items": {"type": "string"}},
				"dissentingModel": {"type": "string"}
			}
		}
	}
}`

func compileSynthesisSchema() (*gojsonschema.Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(synthesisSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile synthesis schema: %w", err)
	}
	return schema, nil
}

func validateSynthesis(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("synthesis failed schema validation: %s", strings.Join(errs, "; "))
	}

	return nil
}
