package health

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/metrics"
	"github.com/chat-sentinel/backend/internal/provider"
	"github.com/chat-sentinel/backend/pkg/logger"
)

type EventType string

const (
	EventAttempt    EventType = "attempt"
	EventStage      EventType = "stage"
	EventValidation EventType = "validation"
)

// Event is one structured observation emitted by the orchestrator or a
// pipeline stage.
type Event struct {
	Type      EventType
	Provider  string
	Layer     string
	Outcome   string
	Score     float64
	Risk      string
	Latency   time.Duration
	Timestamp time.Time
}

type Alert struct {
	AlertType string    `json:"alert_type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raised_at"`
}

type Snapshot struct {
	Timestamp         time.Time                   `json:"timestamp"`
	Status            string                      `json:"status"`
	PerProviderStatus []provider.DescriptorStatus `json:"providers"`
	PerLayerStatus    map[string]string           `json:"layers"`
	ActiveAlerts      []Alert                     `json:"active_alerts"`
}

// AlertSink receives threshold-crossing events. Implementations must not
// block; failures are swallowed at this boundary.
type AlertSink interface {
	Notify(alert Alert)
}

type logSink struct{}

func (logSink) Notify(alert Alert) {
	logger.Warn("Alert raised",
		zap.String("alert_type", alert.AlertType),
		zap.String("severity", alert.Severity),
		zap.String("metric", alert.Metric),
		zap.Float64("value", alert.Value),
		zap.Float64("threshold", alert.Threshold),
	)
}

type Thresholds struct {
	HallucinationRate float64
	FailureRate       float64
	LowScoreAverage   float64
}

type Config struct {
	WindowSize int
	Thresholds Thresholds
	Schedule   string
	Sink       AlertSink
}

// Aggregator consumes events from every component and maintains rolling
// windows from which snapshots and alerts are derived. It never pushes
// failures back into the request path.
type Aggregator struct {
	registry   *provider.Registry
	windowSize int
	thresholds Thresholds
	schedule   string
	sink       AlertSink

	events chan Event
	done   chan struct{}
	cron   *cron.Cron

	mu             sync.RWMutex
	scores         []float64
	risks          []string
	outcomes       []string
	layerStatus    map[string]string
	layerLastError map[string]time.Time
	activeAlerts   []Alert
	latest         Snapshot
}

func NewAggregator(registry *provider.Registry, cfg Config) *Aggregator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.Sink == nil {
		cfg.Sink = logSink{}
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}

	return &Aggregator{
		registry:       registry,
		windowSize:     cfg.WindowSize,
		thresholds:     cfg.Thresholds,
		schedule:       cfg.Schedule,
		sink:           cfg.Sink,
		events:         make(chan Event, 1024),
		done:           make(chan struct{}),
		layerStatus:    make(map[string]string),
		layerLastError: make(map[string]time.Time),
	}
}

func (a *Aggregator) Start() error {
	go a.consume()

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(a.schedule, func() {
		a.Refresh()
	}); err != nil {
		return err
	}
	a.cron.Start()

	logger.Info("Health aggregator started", zap.String("schedule", a.schedule))
	return nil
}

func (a *Aggregator) Stop() {
	if a.cron != nil {
		a.cron.Stop()
	}
	close(a.done)
}

// Publish never blocks the caller; under pressure events are dropped.
func (a *Aggregator) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case a.events <- event:
	default:
		logger.Debug("Health event dropped", zap.String("type", string(event.Type)))
	}
}

func (a *Aggregator) consume() {
	for {
		select {
		case <-a.done:
			return
		case event := <-a.events:
			a.absorb(event)
		}
	}
}

func (a *Aggregator) absorb(event Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch event.Type {
	case EventValidation:
		a.scores = appendBounded(a.scores, event.Score, a.windowSize)
		a.risks = appendBounded(a.risks, event.Risk, a.windowSize)
	case EventAttempt:
		a.outcomes = appendBounded(a.outcomes, event.Outcome, a.windowSize)
	case EventStage:
		a.layerStatus[event.Layer] = event.Outcome
		if event.Outcome == "error" {
			a.layerLastError[event.Layer] = event.Timestamp
		}
	}
}

func appendBounded[T any](window []T, value T, size int) []T {
	window = append(window, value)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

// Refresh recomputes the snapshot and raises alerts on crossed thresholds.
func (a *Aggregator) Refresh() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.activeAlerts = a.activeAlerts[:0]

	hallucinationRate := a.rateOf(a.risks, "high")
	failureRate := a.rateOf(a.outcomes, "failure")
	avgScore := average(a.scores)

	if a.thresholds.HallucinationRate > 0 && len(a.risks) > 0 && hallucinationRate >= a.thresholds.HallucinationRate {
		a.raise(Alert{
			AlertType: "hallucination_rate",
			Severity:  "high",
			Message:   "rolling hallucination rate crossed threshold",
			Metric:    "hallucination_rate",
			Value:     hallucinationRate,
			Threshold: a.thresholds.HallucinationRate,
			RaisedAt:  now,
		})
	}
	if a.thresholds.FailureRate > 0 && len(a.outcomes) > 0 && failureRate >= a.thresholds.FailureRate {
		a.raise(Alert{
			AlertType: "provider_failure_rate",
			Severity:  "critical",
			Message:   "rolling provider failure rate crossed threshold",
			Metric:    "failure_rate",
			Value:     failureRate,
			Threshold: a.thresholds.FailureRate,
			RaisedAt:  now,
		})
	}
	if a.thresholds.LowScoreAverage > 0 && len(a.scores) > 0 && avgScore < a.thresholds.LowScoreAverage {
		a.raise(Alert{
			AlertType: "quality_degradation",
			Severity:  "medium",
			Message:   "rolling validation score average fell below threshold",
			Metric:    "avg_overall_score",
			Value:     avgScore,
			Threshold: a.thresholds.LowScoreAverage,
			RaisedAt:  now,
		})
	}

	providers := a.registry.Status()
	layers := make(map[string]string, len(a.layerStatus))
	for layer, status := range a.layerStatus {
		layers[layer] = status
	}

	a.latest = Snapshot{
		Timestamp:         now,
		Status:            a.overallStatus(providers, failureRate),
		PerProviderStatus: providers,
		PerLayerStatus:    layers,
		ActiveAlerts:      append([]Alert(nil), a.activeAlerts...),
	}

	return a.latest
}

func (a *Aggregator) raise(alert Alert) {
	a.activeAlerts = append(a.activeAlerts, alert)
	metrics.AlertsRaised.WithLabelValues(alert.AlertType, alert.Severity).Inc()
	sink := a.sink
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Alert sink panicked", zap.Any("panic", r))
			}
		}()
		sink.Notify(alert)
	}()
}

func (a *Aggregator) overallStatus(providers []provider.DescriptorStatus, failureRate float64) string {
	healthy := 0
	for _, p := range providers {
		if p.Healthy && !p.Degraded && p.CircuitState != "open" {
			healthy++
		}
	}

	switch {
	case len(providers) > 0 && healthy == 0:
		return "unhealthy"
	case healthy < len(providers) || len(a.activeAlerts) > 0 || failureRate > 0.25:
		return "degraded"
	default:
		return "healthy"
	}
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	latest := a.latest
	a.mu.RUnlock()

	if latest.Timestamp.IsZero() {
		return a.Refresh()
	}
	return latest
}

func (a *Aggregator) rateOf(window []string, value string) float64 {
	if len(window) == 0 {
		return 0
	}
	count := 0
	for _, v := range window {
		if v == value {
			count++
		}
	}
	return float64(count) / float64(len(window))
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
