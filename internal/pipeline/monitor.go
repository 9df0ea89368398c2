package pipeline

import (
	"time"

	"github.com/chat-sentinel/backend/internal/health"
)

// Monitor forwards per-stage and per-validation observations to the
// health aggregator. It is fire-and-forget: a saturated aggregator drops
// events rather than stalling a request.
type Monitor struct {
	aggregator *health.Aggregator
}

func NewMonitor(aggregator *health.Aggregator) *Monitor {
	return &Monitor{aggregator: aggregator}
}

func (m *Monitor) StageCompleted(stage Stage, outcome string, latency time.Duration) {
	if m == nil || m.aggregator == nil {
		return
	}
	m.aggregator.Publish(health.Event{
		Type:      health.EventStage,
		Layer:     string(stage),
		Outcome:   outcome,
		Latency:   latency,
		Timestamp: time.Now(),
	})
}

func (m *Monitor) ValidationCompleted(result ValidationResult) {
	if m == nil || m.aggregator == nil {
		return
	}
	m.aggregator.Publish(health.Event{
		Type:      health.EventValidation,
		Score:     result.OverallScore,
		Risk:      result.HallucinationRisk,
		Timestamp: time.Now(),
	})
}
