package models

import "time"

// Provider ids. The order is the request order of a validation batch.
const (
	ModelGPT         = "gpt"
	ModelGeminiPro   = "gemini-pro"
	ModelGeminiFlash = "gemini-flash"
)

// ValidationModels lists the three providers every validation request expects.
var ValidationModels = []string{ModelGPT, ModelGeminiPro, ModelGeminiFlash}

const (
	DefaultPreference = 3
	MinPreference     = 1
	MaxPreference     = 5
)

type Preferences struct {
	RiskPreference       int `json:"riskPreference"`
	CreativityPreference int `json:"creativityPreference"`
}

// Normalize fills unset preferences with the default.
func (p Preferences) Normalize() Preferences {
	if p.RiskPreference == 0 {
		p.RiskPreference = DefaultPreference
	}
	if p.CreativityPreference == 0 {
		p.CreativityPreference = DefaultPreference
	}
	return p
}

func (p Preferences) Valid() bool {
	return inRange(p.RiskPreference) && inRange(p.CreativityPreference)
}

func inRange(v int) bool {
	return v >= MinPreference && v <= MaxPreference
}

type ModelRecommendation struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Confidence      int      `json:"confidence"`
	RiskLevel       string   `json:"riskLevel"`
	CreativityLevel string   `json:"creativityLevel"`
	Reasoning       string   `json:"reasoning"`
	ActionItems     []string `json:"actionItems"`
	PotentialRisks  []string `json:"potentialRisks"`
	Timeframe       string   `json:"timeframe"`
	Model           string   `json:"model,omitempty"`
}

// ModelResponse is the normalized outcome of one provider call. Error is set
// when the call failed; the response still counts as obtained.
type ModelResponse struct {
	ModelID           string                `json:"modelId"`
	ModelName         string                `json:"modelName"`
	Recommendations   []ModelRecommendation `json:"recommendations"`
	Summary           string                `json:"summary"`
	OverallConfidence int                   `json:"overallConfidence"`
	ProcessingTimeMs  int64                 `json:"processingTimeMs"`
	Error             string                `json:"error,omitempty"`
}

func (r *ModelResponse) Failed() bool {
	return r != nil && r.Error != ""
}

type ConsensusPoint struct {
	Topic            string   `json:"topic"`
	Description      string   `json:"description"`
	Confidence       int      `json:"confidence"`
	SupportingModels []string `json:"supportingModels"`
}

type MajorityPoint struct {
	Topic            string   `json:"topic"`
	Description      string   `json:"description"`
	Confidence       int      `json:"confidence"`
	SupportingModels []string `json:"supportingModels"`
	DissentingModel  string   `json:"dissentingModel,omitempty"`
}

type ModelPosition struct {
	Model     string `json:"model"`
	Position  string `json:"position"`
	Reasoning string `json:"reasoning"`
}

type DissentPoint struct {
	Topic     string          `json:"topic"`
	Positions []ModelPosition `json:"positions"`
}

type FinalRecommendation struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Confidence  int      `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	TopActions  []string `json:"topActions"`
}

// Synthesis is the meta-evaluator output. The premium fields are empty for
// free users.
type Synthesis struct {
	ConsensusPoints       []ConsensusPoint    `json:"consensusPoints"`
	MajorityPoints        []MajorityPoint     `json:"majorityPoints"`
	DissentPoints         []DissentPoint      `json:"dissentPoints"`
	FinalRecommendation   FinalRecommendation `json:"finalRecommendation"`
	OverallConfidence     int                 `json:"overallConfidence"`
	SynthesisReasoning    string              `json:"synthesisReasoning"`
	StrategicAlternatives []string            `json:"strategicAlternatives,omitempty"`
	LongTermOutlook       string              `json:"longTermOutlook,omitempty"`
	CompetitorInsights    string              `json:"competitorInsights,omitempty"`
}

type ValidationResult struct {
	ValidationID        string         `json:"validationId,omitempty"`
	UserID              string         `json:"-"`
	Prompt              string         `json:"prompt"`
	UserPreferences     Preferences    `json:"userPreferences"`
	GPTResponse         *ModelResponse `json:"gptResponse"`
	GeminiProResponse   *ModelResponse `json:"geminiProResponse"`
	GeminiFlashResponse *ModelResponse `json:"geminiFlashResponse"`
	Synthesis
	IsPremium        bool      `json:"isPremium"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Response returns the stored response for a provider id.
func (v *ValidationResult) Response(modelID string) *ModelResponse {
	switch modelID {
	case ModelGPT:
		return v.GPTResponse
	case ModelGeminiPro:
		return v.GeminiProResponse
	case ModelGeminiFlash:
		return v.GeminiFlashResponse
	}
	return nil
}

func (v *ValidationResult) SetResponse(modelID string, r *ModelResponse) {
	switch modelID {
	case ModelGPT:
		v.GPTResponse = r
	case ModelGeminiPro:
		v.GeminiProResponse = r
	case ModelGeminiFlash:
		v.GeminiFlashResponse = r
	}
}

// LimitReachedInfo is the quota terminal outcome. It is not an error.
type LimitReachedInfo struct {
	LimitReached bool      `json:"limitReached"`
	IsPremium    bool      `json:"isPremium"`
	ResetAt      time.Time `json:"resetAt"`
}

// ValidationSummary is the history list projection.
type ValidationSummary struct {
	ValidationID      string    `json:"validationId"`
	Prompt            string    `json:"prompt"`
	FinalTitle        string    `json:"finalTitle"`
	OverallConfidence int       `json:"overallConfidence"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Session is the authenticated caller of a request.
type Session struct {
	UserID    string `json:"userId"`
	IsPremium bool   `json:"isPremium"`
}

// LimitReachedCode is the error value of the 429 body sent when the daily
// quota is exhausted.
const LimitReachedCode = "LIMIT_REACHED"

// QueryResult is the final payload of the query phase.
type QueryResult struct {
	GPTResponse         *ModelResponse `json:"gptResponse"`
	GeminiProResponse   *ModelResponse `json:"geminiProResponse"`
	GeminiFlashResponse *ModelResponse `json:"geminiFlashResponse"`
	IsPremium           bool           `json:"isPremium"`
}

// Response returns the stored response for a provider id.
func (q *QueryResult) Response(modelID string) *ModelResponse {
	switch modelID {
	case ModelGPT:
		return q.GPTResponse
	case ModelGeminiPro:
		return q.GeminiProResponse
	case ModelGeminiFlash:
		return q.GeminiFlashResponse
	}
	return nil
}

// EvaluationResponse is a ValidationResult without the model responses.
type EvaluationResponse struct {
	ValidationID string `json:"validationId,omitempty"`
	Synthesis
	IsPremium        bool  `json:"isPremium"`
	ProcessingTimeMs int64 `json:"processingTimeMs"`
}

func NewEvaluationResponse(r *ValidationResult) *EvaluationResponse {
	return &EvaluationResponse{
		ValidationID:     r.ValidationID,
		Synthesis:        r.Synthesis,
		IsPremium:        r.IsPremium,
		ProcessingTimeMs: r.ProcessingTimeMs,
	}
}
