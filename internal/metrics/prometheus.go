package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_request_duration_seconds",
			Help:    "End-to-end message processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"query_type"},
	)

	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_request_total",
			Help: "Total messages processed",
		},
		[]string{"status"},
	)

	ProviderAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_provider_attempts_total",
			Help: "Provider invocation attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_provider_latency_seconds",
			Help:    "Upstream provider call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_circuit_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_cache_hits_total",
			Help: "Response cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_cache_misses_total",
			Help: "Response cache misses",
		},
		[]string{"cache_type"},
	)

	ValidationScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_validation_score",
			Help:    "Overall validation scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	HallucinationRisk = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_hallucination_risk_total",
			Help: "Responses by derived hallucination risk",
		},
		[]string{"risk"},
	)

	InputRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_input_rejected_total",
			Help: "Messages rejected at input validation",
		},
		[]string{"reason"},
	)

	FeedbackReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_feedback_received_total",
			Help: "Feedback submissions by type",
		},
		[]string{"type"},
	)

	TokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_llm_tokens_used_total",
			Help: "Total LLM tokens consumed",
		},
		[]string{"provider", "type"},
	)

	AlertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_raised_total",
			Help: "Alerts raised by the health aggregator",
		},
		[]string{"alert_type", "severity"},
	)
)

func Init() {
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RequestTotal)
	prometheus.MustRegister(ProviderAttempts)
	prometheus.MustRegister(ProviderLatency)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(ValidationScore)
	prometheus.MustRegister(HallucinationRisk)
	prometheus.MustRegister(InputRejected)
	prometheus.MustRegister(FeedbackReceived)
	prometheus.MustRegister(TokensUsed)
	prometheus.MustRegister(AlertsRaised)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
