package consensus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/consensus-ai/backend/internal/llm"
	"github.com/consensus-ai/backend/internal/metrics"
	"github.com/consensus-ai/backend/internal/quota"
	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/logger"
)

const tracerName = "github.com/consensus-ai/backend/internal/consensus"

const (
	DefaultTimeout         = 90 * time.Second
	DefaultMaxPromptLength = 4000
)

type QueryRequest struct {
	UserID      string
	IsPremium   bool
	Prompt      string
	Preferences models.Preferences
}

// EmitFunc receives each model response as soon as it is available. Calls are
// serialized.
type EmitFunc func(modelID string, resp *models.ModelResponse)

// Batch is the outcome of the query phase.
type Batch struct {
	Prompt      string
	Preferences models.Preferences
	IsPremium   bool
	Responses   map[string]*models.ModelResponse
	ElapsedMs   int64

	expected []string
	names    map[string]string
}

// Missing returns the display names of expected providers without a response.
func (b *Batch) Missing() []string {
	var missing []string
	for _, id := range b.expected {
		if b.Responses[id] == nil {
			missing = append(missing, b.names[id])
		}
	}
	return missing
}

// Complete reports whether every expected provider responded, successfully or not.
func (b *Batch) Complete() bool {
	return len(b.Missing()) == 0
}

func (b *Batch) Failed() int {
	n := 0
	for _, r := range b.Responses {
		if r.Failed() {
			n++
		}
	}
	return n
}

// Result copies the responses into an unevaluated ValidationResult.
func (b *Batch) Result() *models.ValidationResult {
	r := &models.ValidationResult{
		Prompt:          b.Prompt,
		UserPreferences: b.Preferences,
		IsPremium:       b.IsPremium,
	}
	for id, resp := range b.Responses {
		r.SetResponse(id, resp)
	}
	return r
}

// QueryResult is the wire form of a finished batch.
func (b *Batch) QueryResult() *models.QueryResult {
	return &models.QueryResult{
		GPTResponse:         b.Responses[models.ModelGPT],
		GeminiProResponse:   b.Responses[models.ModelGeminiPro],
		GeminiFlashResponse: b.Responses[models.ModelGeminiFlash],
		IsPremium:           b.IsPremium,
	}
}

type OrchestratorConfig struct {
	Timeout         time.Duration
	MaxPromptLength int
	Limits          quota.Limits
}

// Orchestrator fans a prompt out to every registered provider.
type Orchestrator struct {
	registry        *llm.Registry
	quota           quota.Store
	limits          quota.Limits
	timeout         time.Duration
	maxPromptLength int
	tracer          trace.Tracer
}

func NewOrchestrator(registry *llm.Registry, store quota.Store, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = DefaultMaxPromptLength
	}
	if cfg.Limits.Window <= 0 {
		cfg.Limits.Window = 24 * time.Hour
	}

	return &Orchestrator{
		registry:        registry,
		quota:           store,
		limits:          cfg.Limits,
		timeout:         cfg.Timeout,
		maxPromptLength: cfg.MaxPromptLength,
		tracer:          otel.Tracer(tracerName),
	}
}

func (o *Orchestrator) Timeout() time.Duration {
	return o.timeout
}

func (o *Orchestrator) validate(req *QueryRequest) error {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return &InputError{Field: "prompt", Message: "prompt is required"}
	}
	if utf8.RuneCountInString(req.Prompt) > o.maxPromptLength {
		return &InputError{Field: "prompt", Message: fmt.Sprintf("prompt exceeds %d characters", o.maxPromptLength)}
	}

	req.Preferences = req.Preferences.Normalize()
	if !req.Preferences.Valid() {
		return &InputError{Field: "preferences", Message: "risk and creativity preferences must be between 1 and 5"}
	}
	return nil
}

// Query reserves a quota slot and calls every provider concurrently. A
// denied reservation returns LimitReachedInfo without calling any provider.
// Provider failures are recorded on their responses. A timeout or
// cancellation returns the partial batch together with ErrTimeout or
// ErrCancelled.
func (o *Orchestrator) Query(ctx context.Context, req QueryRequest, emit EmitFunc) (*Batch, *models.LimitReachedInfo, error) {
	pending, limit, err := o.Prepare(ctx, req)
	if err != nil || limit != nil {
		return nil, limit, err
	}

	batch, err := pending.Run(ctx, emit)
	return batch, nil, err
}

// Pending is a validated request holding a quota slot. Exactly one of Run or
// Cancel must be called.
type Pending struct {
	o           *Orchestrator
	req         QueryRequest
	reservation *quota.Reservation
	once        sync.Once
}

// Prepare validates the request and reserves its quota slot. No provider is
// called.
func (o *Orchestrator) Prepare(ctx context.Context, req QueryRequest) (*Pending, *models.LimitReachedInfo, error) {
	if err := o.validate(&req); err != nil {
		return nil, nil, err
	}

	pending := &Pending{o: o, req: req}
	if o.quota == nil {
		return pending, nil, nil
	}

	decision, err := o.quota.Reserve(ctx, req.UserID, o.limits.For(req.IsPremium), o.limits.Window)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if !decision.Allowed {
		metrics.QuotaDenied.WithLabelValues(metrics.Tier(req.IsPremium)).Inc()
		metrics.QueryTotal.WithLabelValues("limit_reached").Inc()
		logger.Info("Validation limit reached",
			zap.String("user_id", req.UserID),
			zap.Bool("is_premium", req.IsPremium),
			zap.Time("reset_at", decision.ResetAt),
		)
		return nil, &models.LimitReachedInfo{
			LimitReached: true,
			IsPremium:    req.IsPremium,
			ResetAt:      decision.ResetAt,
		}, nil
	}

	pending.reservation = decision.Reservation
	return pending, nil, nil
}

func (p *Pending) Request() QueryRequest {
	return p.req
}

// Cancel hands the quota slot back without calling any provider.
func (p *Pending) Cancel(ctx context.Context) {
	p.once.Do(func() {
		p.o.release(ctx, p.reservation)
	})
}

// Run calls every provider under the orchestrator timeout, then commits or
// releases the quota slot.
func (p *Pending) Run(ctx context.Context, emit EmitFunc) (*Batch, error) {
	var (
		batch *Batch
		err   error
		ran   bool
	)
	p.once.Do(func() {
		ran = true
		batch, err = p.o.run(ctx, p.req, p.reservation, emit)
	})
	if !ran {
		return nil, errors.New("query already run or cancelled")
	}
	return batch, err
}

func (o *Orchestrator) run(ctx context.Context, req QueryRequest, reservation *quota.Reservation, emit EmitFunc) (*Batch, error) {
	ids := o.registry.IDs()
	batch := &Batch{
		Prompt:      req.Prompt,
		Preferences: req.Preferences,
		IsPremium:   req.IsPremium,
		Responses:   make(map[string]*models.ModelResponse, len(ids)),
		expected:    ids,
		names:       make(map[string]string, len(ids)),
	}
	for _, id := range ids {
		batch.names[id] = o.registry.Name(id)
	}

	start := time.Now()
	qctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	prompt := llm.Prompt{Text: req.Prompt, Preferences: req.Preferences}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(qctx)
	for _, id := range ids {
		p := o.registry.MustGet(id)
		g.Go(func() error {
			resp := o.callProvider(gctx, p, prompt)
			if resp == nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			batch.Responses[id] = resp
			if emit != nil {
				emit(id, resp)
			}
			return nil
		})
	}
	_ = g.Wait()

	batch.ElapsedMs = time.Since(start).Milliseconds()

	// A deadline that fires after every provider has answered is not a timeout.
	err := contextError(ctx)
	if err == nil && !batch.Complete() {
		err = contextError(qctx)
	}
	if err != nil {
		o.release(ctx, reservation)
		outcome := "cancelled"
		if errors.Is(err, ErrTimeout) {
			outcome = "timeout"
		}
		metrics.QueryTotal.WithLabelValues(outcome).Inc()
		logger.Warn("Validation query aborted",
			zap.String("user_id", req.UserID),
			zap.String("outcome", outcome),
			zap.Int("responses", len(batch.Responses)),
			zap.Int64("latency_ms", batch.ElapsedMs),
		)
		return batch, err
	}

	failed := batch.Failed()
	switch {
	case failed == len(ids):
		o.release(ctx, reservation)
		metrics.QueryTotal.WithLabelValues("all_failed").Inc()
	case failed > 0:
		o.commit(ctx, reservation)
		metrics.QueryTotal.WithLabelValues("partial").Inc()
	default:
		o.commit(ctx, reservation)
		metrics.QueryTotal.WithLabelValues("success").Inc()
	}

	logger.Info("Validation query completed",
		zap.String("user_id", req.UserID),
		zap.Int("failed", failed),
		zap.Int64("latency_ms", batch.ElapsedMs),
	)

	return batch, nil
}

// callProvider returns nil when the call was cut short by the orchestrator's
// own context, so aborted calls are never reported as provider failures.
func (o *Orchestrator) callProvider(ctx context.Context, p llm.Provider, prompt llm.Prompt) (resp *models.ModelResponse) {
	desc := p.Descriptor()

	ctx, span := o.tracer.Start(ctx, "consensus.provider",
		trace.WithAttributes(
			attribute.String("model.id", desc.ID),
			attribute.String("model.name", desc.Model),
		),
	)
	defer span.End()

	start := time.Now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: provider panic: %v", desc.Name, r)
			resp = &models.ModelResponse{ModelID: desc.ID, ModelName: desc.Name}
		}
		if resp == nil {
			return
		}

		resp.ProcessingTimeMs = time.Since(start).Milliseconds()
		status := "success"
		if err != nil {
			status = "error"
			resp.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.ProviderFailures.WithLabelValues(desc.ID).Inc()
			logger.Warn("Provider call failed",
				zap.String("model", desc.ID),
				zap.Error(err),
			)
		}
		metrics.ProviderDuration.WithLabelValues(desc.ID, status).Observe(time.Since(start).Seconds())
	}()

	raw, err := p.Invoke(ctx, prompt)
	if err == nil {
		var parsed *models.ModelResponse
		parsed, err = p.Parse(raw)
		if err == nil {
			return parsed
		}
	}

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "aborted")
		return nil
	}
	return &models.ModelResponse{ModelID: desc.ID, ModelName: desc.Name}
}

func (o *Orchestrator) commit(ctx context.Context, r *quota.Reservation) {
	if o.quota == nil || r == nil {
		return
	}
	if err := o.quota.Commit(context.WithoutCancel(ctx), r); err != nil {
		logger.Error("Failed to commit quota", zap.String("user_id", r.UserID), zap.Error(err))
	}
}

func (o *Orchestrator) release(ctx context.Context, r *quota.Reservation) {
	if o.quota == nil || r == nil {
		return
	}
	if err := o.quota.Release(context.WithoutCancel(ctx), r); err != nil {
		logger.Error("Failed to release quota", zap.String("user_id", r.UserID), zap.Error(err))
	}
}
