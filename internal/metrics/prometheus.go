package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consensus_provider_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 90},
		},
		[]string{"model", "status"},
	)

	ProviderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_provider_failures_total",
			Help: "Provider calls that ended with an error on the model response",
		},
		[]string{"model"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_query_total",
			Help: "Query batches by outcome",
		},
		[]string{"outcome"},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consensus_evaluation_duration_seconds",
			Help:    "Meta-evaluation duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60},
		},
	)

	EvaluationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_evaluation_total",
			Help: "Meta-evaluations by outcome",
		},
		[]string{"outcome"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consensus_overall_confidence",
			Help:    "Overall confidence of synthesized recommendations",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	AgreementPoints = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consensus_agreement_points",
			Help:    "Number of consensus, majority and dissent points per synthesis",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
		[]string{"kind"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	QuotaDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_quota_denied_total",
			Help: "Validation requests rejected by the daily quota",
		},
		[]string{"tier"},
	)

	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consensus_stream_clients",
			Help: "Open SSE and WebSocket validation streams",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ProviderDuration,
			ProviderFailures,
			QueryTotal,
			EvaluationDuration,
			EvaluationTotal,
			ConfidenceScore,
			AgreementPoints,
			LLMTokensUsed,
			QuotaDenied,
			StreamClients,
		)
	})
}

func RecordTokens(model string, promptTokens, completionTokens int) {
	LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

func Tier(isPremium bool) string {
	if isPremium {
		return "premium"
	}
	return "free"
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
