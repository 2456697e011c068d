package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/llm"
	"github.com/consensus-ai/backend/internal/metrics"
	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/logger"
)

const (
	maxTopActions = 5
	majoritySize  = 2
)

var errNoUsableResponses = errors.New("no model produced recommendations")

// HistoryStore persists finished validations.
type HistoryStore interface {
	InsertValidation(ctx context.Context, result *models.ValidationResult) error
}

type EvaluateRequest struct {
	UserID              string                `json:"-"`
	GPTResponse         *models.ModelResponse `json:"gptResponse"`
	GeminiProResponse   *models.ModelResponse `json:"geminiProResponse"`
	GeminiFlashResponse *models.ModelResponse `json:"geminiFlashResponse"`
	UserPreferences     models.Preferences    `json:"userPreferences"`
	Prompt              string                `json:"prompt"`
	SaveToHistory       bool                  `json:"saveToHistory"`
	IsPremium           bool                  `json:"isPremium"`
}

func (r *EvaluateRequest) response(modelID string) *models.ModelResponse {
	switch modelID {
	case models.ModelGPT:
		return r.GPTResponse
	case models.ModelGeminiPro:
		return r.GeminiProResponse
	case models.ModelGeminiFlash:
		return r.GeminiFlashResponse
	}
	return nil
}

// EvaluateRequestFromBatch joins the query phase onto the evaluation phase.
func EvaluateRequestFromBatch(userID string, b *Batch, save bool) EvaluateRequest {
	return EvaluateRequest{
		UserID:              userID,
		GPTResponse:         b.Responses[models.ModelGPT],
		GeminiProResponse:   b.Responses[models.ModelGeminiPro],
		GeminiFlashResponse: b.Responses[models.ModelGeminiFlash],
		UserPreferences:     b.Preferences,
		Prompt:              b.Prompt,
		SaveToHistory:       save,
		IsPremium:           b.IsPremium,
	}
}

type Evaluator struct {
	completer llm.Completer
	registry  *llm.Registry
	history   HistoryStore
	schema    *gojsonschema.Schema
	tracer    trace.Tracer
}

// NewEvaluator builds an evaluator. history may be nil, in which case
// saveToHistory is ignored.
func NewEvaluator(completer llm.Completer, registry *llm.Registry, history HistoryStore) (*Evaluator, error) {
	schema, err := compileSynthesisSchema()
	if err != nil {
		return nil, err
	}

	return &Evaluator{
		completer: completer,
		registry:  registry,
		history:   history,
		schema:    schema,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Evaluate synthesizes the three model responses into one result. Every
// expected response must be present; a missing one fails before the
// evaluator model is called.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluateRequest) (*models.ValidationResult, error) {
	start := time.Now()

	ids := e.registry.IDs()
	descs := make([]llm.Descriptor, 0, len(ids))
	responses := make(map[string]*models.ModelResponse, len(ids))
	var missing []string
	for _, id := range ids {
		desc := e.registry.MustGet(id).Descriptor()
		descs = append(descs, desc)
		resp := req.response(id)
		if resp == nil {
			missing = append(missing, desc.Name)
			continue
		}
		responses[id] = resp
	}
	if len(missing) > 0 {
		metrics.EvaluationTotal.WithLabelValues("missing_responses").Inc()
		return nil, &MissingResponsesError{Models: missing}
	}

	prefs := req.UserPreferences.Normalize()
	if !prefs.Valid() {
		return nil, &InputError{Field: "userPreferences", Message: "risk and creativity preferences must be between 1 and 5"}
	}

	var responding []string
	for _, d := range descs {
		if r := responses[d.ID]; !r.Failed() && len(r.Recommendations) > 0 {
			responding = append(responding, d.Name)
		}
	}
	if len(responding) == 0 {
		metrics.EvaluationTotal.WithLabelValues("failed").Inc()
		return nil, &EvaluatorError{Err: errNoUsableResponses}
	}

	weights := PreferenceWeights(prefs, descs)

	ctx, span := e.tracer.Start(ctx, "consensus.evaluate",
		trace.WithAttributes(
			attribute.Int("models.responding", len(responding)),
			attribute.Bool("premium", req.IsPremium),
		),
	)
	defer span.End()

	synthesis, err := e.synthesize(ctx, req, prefs, descs, responses, weights, responding)
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if cerr := contextError(ctx); cerr != nil {
			metrics.EvaluationTotal.WithLabelValues("aborted").Inc()
			return nil, cerr
		}
		metrics.EvaluationTotal.WithLabelValues("failed").Inc()
		logger.Error("Meta-evaluation failed", zap.String("user_id", req.UserID), zap.Error(err))
		return nil, &EvaluatorError{Err: err}
	}

	result := &models.ValidationResult{
		UserID:          req.UserID,
		Prompt:          req.Prompt,
		UserPreferences: prefs,
		Synthesis:       *synthesis,
		IsPremium:       req.IsPremium,
	}
	for id, resp := range responses {
		result.SetResponse(id, resp)
	}
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	result.CreatedAt = time.Now()

	if req.SaveToHistory && e.history != nil {
		if err := e.history.InsertValidation(ctx, result); err != nil {
			metrics.EvaluationTotal.WithLabelValues("persist_failed").Inc()
			return nil, fmt.Errorf("failed to save validation: %w", err)
		}
	}

	metrics.EvaluationTotal.WithLabelValues("success").Inc()
	metrics.ConfidenceScore.Observe(float64(result.OverallConfidence))
	metrics.AgreementPoints.WithLabelValues("consensus").Observe(float64(len(result.ConsensusPoints)))
	metrics.AgreementPoints.WithLabelValues("majority").Observe(float64(len(result.MajorityPoints)))
	metrics.AgreementPoints.WithLabelValues("dissent").Observe(float64(len(result.DissentPoints)))

	logger.Info("Meta-evaluation completed",
		zap.String("user_id", req.UserID),
		zap.String("validation_id", result.ValidationID),
		zap.Int("overall_confidence", result.OverallConfidence),
		zap.Int("consensus", len(result.ConsensusPoints)),
		zap.Int("majority", len(result.MajorityPoints)),
		zap.Int("dissent", len(result.DissentPoints)),
		zap.Int64("latency_ms", result.ProcessingTimeMs),
	)

	return result, nil
}

func (e *Evaluator) synthesize(
	ctx context.Context,
	req EvaluateRequest,
	prefs models.Preferences,
	descs []llm.Descriptor,
	responses map[string]*models.ModelResponse,
	weights map[string]float64,
	responding []string,
) (*models.Synthesis, error) {
	resp, err := e.completer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: buildEvaluatorSystemPrompt(req.IsPremium),
		UserPrompt:   buildDigest(req.Prompt, prefs, descs, responses, weights),
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluator call failed: %w", err)
	}

	body, err := llm.ExtractJSON(resp.Content)
	if err != nil {
		return nil, err
	}
	if err := validateSynthesis(e.schema, []byte(body)); err != nil {
		return nil, err
	}

	var raw rawSynthesis
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("malformed synthesis: %w", err)
	}

	synthesis, err := raw.normalize(newModelResolver(descs), responding)
	if err != nil {
		return nil, err
	}

	if !req.IsPremium {
		synthesis.StrategicAlternatives = nil
		synthesis.LongTermOutlook = ""
		synthesis.CompetitorInsights = ""
	}

	return synthesis, nil
}

type rawPoint struct {
	Topic            string   `json:"topic"`
	Description      string   `json:"description"`
	Confidence       float64  `json:"confidence"`
	SupportingModels []string `json:"supportingModels"`
	DissentingModel  string   `json:"dissentingModel"`
}

type rawFinal struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	TopActions  []string `json:"topActions"`
}

type rawSynthesis struct {
	ConsensusPoints       []rawPoint            `json:"consensusPoints"`
	MajorityPoints        []rawPoint            `json:"majorityPoints"`
	DissentPoints         []models.DissentPoint `json:"dissentPoints"`
	FinalRecommendation   rawFinal              `json:"finalRecommendation"`
	OverallConfidence     float64               `json:"overallConfidence"`
	SynthesisReasoning    string                `json:"synthesisReasoning"`
	StrategicAlternatives []string              `json:"strategicAlternatives"`
	LongTermOutlook       string                `json:"longTermOutlook"`
	CompetitorInsights    string                `json:"competitorInsights"`
}

// modelResolver maps the names an evaluator model writes back onto
// provider display names.
type modelResolver map[string]string

func newModelResolver(descs []llm.Descriptor) modelResolver {
	r := make(modelResolver, len(descs)*2)
	for _, d := range descs {
		r[resolverKey(d.Name)] = d.Name
		r[resolverKey(d.ID)] = d.Name
	}
	return r
}

func resolverKey(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
}

func (r modelResolver) resolve(name string) (string, bool) {
	canonical, ok := r[resolverKey(strings.TrimSpace(name))]
	return canonical, ok
}

// supporters returns the distinct responding models named in list, in the
// order of responding.
func (r modelResolver) supporters(list []string, responding []string) []string {
	named := make(map[string]bool, len(list))
	for _, n := range list {
		if canonical, ok := r.resolve(n); ok {
			named[canonical] = true
		}
	}

	out := make([]string, 0, len(named))
	for _, name := range responding {
		if named[name] {
			out = append(out, name)
		}
	}
	return out
}

type agreement int

const (
	agreementNone agreement = iota
	agreementConsensus
	agreementMajority
)

// classify decides the agreement level from the support count alone:
// consensus needs every responding model (at least two), majority needs
// exactly two of three.
func classify(supporters, responding int) agreement {
	switch {
	case responding >= 2 && supporters == responding:
		return agreementConsensus
	case responding == 3 && supporters == majoritySize:
		return agreementMajority
	}
	return agreementNone
}

func (raw *rawSynthesis) normalize(resolver modelResolver, responding []string) (*models.Synthesis, error) {
	out := &models.Synthesis{
		ConsensusPoints:       []models.ConsensusPoint{},
		MajorityPoints:        []models.MajorityPoint{},
		DissentPoints:         []models.DissentPoint{},
		OverallConfidence:     llm.ClampConfidence(raw.OverallConfidence),
		SynthesisReasoning:    strings.TrimSpace(raw.SynthesisReasoning),
		StrategicAlternatives: compact(raw.StrategicAlternatives),
		LongTermOutlook:       strings.TrimSpace(raw.LongTermOutlook),
		CompetitorInsights:    strings.TrimSpace(raw.CompetitorInsights),
	}

	points := append(append([]rawPoint{}, raw.ConsensusPoints...), raw.MajorityPoints...)
	for _, p := range points {
		topic := strings.TrimSpace(p.Topic)
		if topic == "" {
			continue
		}
		support := resolver.supporters(p.SupportingModels, responding)

		switch classify(len(support), len(responding)) {
		case agreementConsensus:
			out.ConsensusPoints = append(out.ConsensusPoints, models.ConsensusPoint{
				Topic:            topic,
				Description:      strings.TrimSpace(p.Description),
				Confidence:       llm.ClampConfidence(p.Confidence),
				SupportingModels: support,
			})
		case agreementMajority:
			out.MajorityPoints = append(out.MajorityPoints, models.MajorityPoint{
				Topic:            topic,
				Description:      strings.TrimSpace(p.Description),
				Confidence:       llm.ClampConfidence(p.Confidence),
				SupportingModels: support,
				DissentingModel:  dissenter(support, responding),
			})
		default:
			logger.Debug("Dropping agreement point with invalid support",
				zap.String("topic", topic),
				zap.Int("supporters", len(support)),
				zap.Int("responding", len(responding)),
			)
		}
	}

	for _, d := range raw.DissentPoints {
		topic := strings.TrimSpace(d.Topic)
		if topic == "" {
			continue
		}
		seen := make(map[string]bool)
		var positions []models.ModelPosition
		for _, pos := range d.Positions {
			name, ok := resolver.resolve(pos.Model)
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			positions = append(positions, models.ModelPosition{
				Model:     name,
				Position:  strings.TrimSpace(pos.Position),
				Reasoning: strings.TrimSpace(pos.Reasoning),
			})
		}
		if len(positions) < 2 {
			continue
		}
		out.DissentPoints = append(out.DissentPoints, models.DissentPoint{Topic: topic, Positions: positions})
	}

	final := raw.FinalRecommendation
	actions := compact(final.TopActions)
	if len(actions) > maxTopActions {
		actions = actions[:maxTopActions]
	}
	if strings.TrimSpace(final.Title) == "" || len(actions) == 0 {
		return nil, errors.New("final recommendation needs a title and at least one action")
	}
	out.FinalRecommendation = models.FinalRecommendation{
		Title:       strings.TrimSpace(final.Title),
		Description: strings.TrimSpace(final.Description),
		Confidence:  llm.ClampConfidence(final.Confidence),
		Reasoning:   strings.TrimSpace(final.Reasoning),
		TopActions:  actions,
	}

	return out, nil
}

func dissenter(support, responding []string) string {
	in := make(map[string]bool, len(support))
	for _, s := range support {
		in[s] = true
	}
	for _, name := range responding {
		if !in[name] {
			return name
		}
	}
	return ""
}

func compact(items []string) []string {
	var out []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
