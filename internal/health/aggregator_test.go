package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chat-sentinel/backend/internal/provider"
	"github.com/chat-sentinel/backend/pkg/circuitbreaker"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *captureSink) Notify(alert Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type noopProvider struct {
	name string
}

func (p *noopProvider) Name() string { return p.name }

func (p *noopProvider) Capabilities() []provider.Capability {
	return []provider.Capability{provider.CapabilityChat}
}

func (p *noopProvider) Invoke(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return &provider.Response{Content: "ok"}, nil
}

func (p *noopProvider) HealthCheck(ctx context.Context) error { return nil }

func newTestRegistry(names ...string) *provider.Registry {
	registry := provider.NewRegistry()
	for i, name := range names {
		registry.Register(&noopProvider{name: name}, i+1, circuitbreaker.New(name, circuitbreaker.Config{}))
	}
	return registry
}

func newTestAggregator(registry *provider.Registry, sink AlertSink) *Aggregator {
	return NewAggregator(registry, Config{
		WindowSize: 10,
		Sink:       sink,
		Thresholds: Thresholds{
			HallucinationRate: 0.3,
			FailureRate:       0.5,
			LowScoreAverage:   0.6,
		},
	})
}

func TestAggregatorHealthyBaseline(t *testing.T) {
	registry := newTestRegistry("primary")
	a := newTestAggregator(registry, &captureSink{})

	a.absorb(Event{Type: EventValidation, Score: 0.9, Risk: "low", Timestamp: time.Now()})
	a.absorb(Event{Type: EventAttempt, Provider: "primary", Outcome: "success", Timestamp: time.Now()})

	snapshot := a.Refresh()

	assert.Equal(t, "healthy", snapshot.Status)
	assert.Empty(t, snapshot.ActiveAlerts)
	require.Len(t, snapshot.PerProviderStatus, 1)
	assert.True(t, snapshot.PerProviderStatus[0].Healthy)
}

func TestAggregatorRaisesHallucinationAlert(t *testing.T) {
	registry := newTestRegistry("primary")
	sink := &captureSink{}
	a := newTestAggregator(registry, sink)

	for i := 0; i < 6; i++ {
		a.absorb(Event{Type: EventValidation, Score: 0.4, Risk: "high", Timestamp: time.Now()})
	}
	for i := 0; i < 4; i++ {
		a.absorb(Event{Type: EventValidation, Score: 0.9, Risk: "low", Timestamp: time.Now()})
	}

	snapshot := a.Refresh()

	require.NotEmpty(t, snapshot.ActiveAlerts)
	types := make(map[string]bool)
	for _, alert := range snapshot.ActiveAlerts {
		types[alert.AlertType] = true
	}
	assert.True(t, types["hallucination_rate"])
	assert.Equal(t, "degraded", snapshot.Status)

	// The sink is notified asynchronously.
	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestAggregatorRaisesFailureRateAlert(t *testing.T) {
	registry := newTestRegistry("primary")
	a := newTestAggregator(registry, &captureSink{})

	for i := 0; i < 6; i++ {
		a.absorb(Event{Type: EventAttempt, Provider: "primary", Outcome: "failure", Timestamp: time.Now()})
	}
	for i := 0; i < 4; i++ {
		a.absorb(Event{Type: EventAttempt, Provider: "primary", Outcome: "success", Timestamp: time.Now()})
	}

	snapshot := a.Refresh()

	found := false
	for _, alert := range snapshot.ActiveAlerts {
		if alert.AlertType == "provider_failure_rate" {
			found = true
			assert.Equal(t, "critical", alert.Severity)
		}
	}
	assert.True(t, found)
}

func TestAggregatorUnhealthyWhenAllProvidersOut(t *testing.T) {
	registry := newTestRegistry("primary", "secondary")
	registry.MarkDegraded("primary")
	registry.MarkDegraded("secondary")

	a := newTestAggregator(registry, &captureSink{})
	snapshot := a.Refresh()

	assert.Equal(t, "unhealthy", snapshot.Status)
}

func TestAggregatorDegradedWhenOneProviderOut(t *testing.T) {
	registry := newTestRegistry("primary", "secondary")
	registry.MarkDegraded("secondary")

	a := newTestAggregator(registry, &captureSink{})
	snapshot := a.Refresh()

	assert.Equal(t, "degraded", snapshot.Status)
}

func TestAggregatorAlertsClearOnRecovery(t *testing.T) {
	registry := newTestRegistry("primary")
	a := newTestAggregator(registry, &captureSink{})

	for i := 0; i < 10; i++ {
		a.absorb(Event{Type: EventValidation, Score: 0.3, Risk: "high", Timestamp: time.Now()})
	}
	require.NotEmpty(t, a.Refresh().ActiveAlerts)

	// The window fills with healthy observations and the alert retires.
	for i := 0; i < 10; i++ {
		a.absorb(Event{Type: EventValidation, Score: 0.95, Risk: "low", Timestamp: time.Now()})
	}
	assert.Empty(t, a.Refresh().ActiveAlerts)
}

func TestAggregatorTracksLayerStatus(t *testing.T) {
	registry := newTestRegistry("primary")
	a := newTestAggregator(registry, &captureSink{})

	a.absorb(Event{Type: EventStage, Layer: "input_validated", Outcome: "success", Timestamp: time.Now()})
	a.absorb(Event{Type: EventStage, Layer: "orchestrated", Outcome: "error", Timestamp: time.Now()})

	snapshot := a.Refresh()

	assert.Equal(t, "success", snapshot.PerLayerStatus["input_validated"])
	assert.Equal(t, "error", snapshot.PerLayerStatus["orchestrated"])
}

func TestAggregatorPublishDropsUnderPressure(t *testing.T) {
	registry := newTestRegistry("primary")
	a := newTestAggregator(registry, &captureSink{})

	// Consumer not started: the channel fills and Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			a.Publish(Event{Type: EventAttempt, Outcome: "success"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full event channel")
	}
}
