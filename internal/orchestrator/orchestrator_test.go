package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chat-sentinel/backend/internal/cache"
	"github.com/chat-sentinel/backend/internal/provider"
	"github.com/chat-sentinel/backend/internal/ratelimit"
	"github.com/chat-sentinel/backend/pkg/circuitbreaker"
	"github.com/chat-sentinel/backend/pkg/retry"
)

type fakeProvider struct {
	name    string
	invokes int
	fail    error
	content string
}

func (p *fakeProvider) Name() string {
	return p.name
}

func (p *fakeProvider) Capabilities() []provider.Capability {
	return []provider.Capability{provider.CapabilityChat}
}

func (p *fakeProvider) Invoke(ctx context.Context, req provider.Request) (*provider.Response, error) {
	p.invokes++
	if p.fail != nil {
		return nil, p.fail
	}
	return &provider.Response{
		Content: p.content,
		Model:   p.name + "-model",
		Usage:   provider.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) error {
	return p.fail
}

type fixture struct {
	registry *provider.Registry
	tracker  *ratelimit.Tracker
	cache    *cache.ResponseCache
	orch     *Orchestrator
}

func newFixture(t *testing.T, providers ...*fakeProvider) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registry := provider.NewRegistry()
	for i, p := range providers {
		breaker := circuitbreaker.New(p.name, circuitbreaker.Config{
			FailureThreshold: 2,
			Cooldown:         time.Minute,
		})
		registry.Register(p, i+1, breaker)
	}

	f := &fixture{
		registry: registry,
		tracker:  ratelimit.NewTracker(ratelimit.Config{}),
		cache:    cache.NewResponseCacheFromClient(client, time.Hour),
	}

	f.orch = New(f.registry, f.tracker, f.cache, nil, retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
	})

	return f
}

func chatRequest(fingerprint string) Request {
	return Request{
		Fingerprint: fingerprint,
		Capability:  provider.CapabilityChat,
		UserPrompt:  "What is the capital of France?",
	}
}

func TestOrchestratePrimarySuccess(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "Paris."}
	secondary := &fakeProvider{name: "secondary", content: "Paris!"}
	f := newFixture(t, primary, secondary)

	result, err := f.orch.Orchestrate(context.Background(), chatRequest("fp-a"))
	require.NoError(t, err)

	assert.Equal(t, "primary", result.ProviderUsed)
	assert.Equal(t, "Paris.", result.Content)
	assert.False(t, result.Cached)
	assert.Equal(t, 0, secondary.invokes, "fallback must not run when the primary succeeds")

	require.Len(t, result.Attempts, 1)
	assert.Equal(t, "success", result.Attempts[0].Outcome)
}

func TestOrchestrateFallsBackOnFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", fail: errors.New("upstream 500")}
	secondary := &fakeProvider{name: "secondary", content: "Paris."}
	f := newFixture(t, primary, secondary)

	result, err := f.orch.Orchestrate(context.Background(), chatRequest("fp-b"))
	require.NoError(t, err)

	assert.Equal(t, "secondary", result.ProviderUsed)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, "failure", result.Attempts[0].Outcome)
	assert.Equal(t, "success", result.Attempts[1].Outcome)
	assert.Equal(t, 2, primary.invokes, "transient failures retry before falling back")
}

func TestOrchestrateCacheIdempotence(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "Paris."}
	f := newFixture(t, primary)

	first, err := f.orch.Orchestrate(context.Background(), chatRequest("fp-c"))
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := f.orch.Orchestrate(context.Background(), chatRequest("fp-c"))
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, primary.invokes, "a cache hit must not invoke any provider")
}

func TestOrchestrateSkipsThrottledProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "from primary"}
	secondary := &fakeProvider{name: "secondary", content: "from secondary"}
	f := newFixture(t, primary, secondary)

	f.tracker.Configure("primary", ratelimit.Limits{PerMinute: 1})
	f.tracker.Record("primary", time.Now())

	result, err := f.orch.Orchestrate(context.Background(), chatRequest("fp-d"))
	require.NoError(t, err)

	assert.Equal(t, "secondary", result.ProviderUsed)
	assert.Equal(t, 0, primary.invokes, "throttled providers are skipped, not invoked")

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, "throttled", result.Attempts[0].Outcome)
}

func TestOrchestrateThrottledDoesNotTripBreaker(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "ok"}
	f := newFixture(t, primary)

	f.tracker.Configure("primary", ratelimit.Limits{PerMinute: 1})
	f.tracker.Record("primary", time.Now())

	for i := 0; i < 5; i++ {
		f.orch.Orchestrate(context.Background(), Request{
			Fingerprint: "fp-e",
			Capability:  provider.CapabilityChat,
			UserPrompt:  "hello",
			SkipCache:   true,
		})
	}

	d, ok := f.registry.Get("primary")
	require.True(t, ok)
	assert.Equal(t, circuitbreaker.StateClosed, d.Breaker.State(), "throttling is not a health signal")
}

func TestOrchestrateUpstreamThrottleDoesNotTripBreaker(t *testing.T) {
	primary := &fakeProvider{name: "primary", fail: fmt.Errorf("quota exceeded: %w", provider.ErrThrottled)}
	secondary := &fakeProvider{name: "secondary", content: "Paris."}
	f := newFixture(t, primary, secondary)

	for i := 0; i < 5; i++ {
		result, err := f.orch.Orchestrate(context.Background(), Request{
			Fingerprint: "fp-t",
			Capability:  provider.CapabilityChat,
			UserPrompt:  "hello",
			SkipCache:   true,
		})
		require.NoError(t, err)
		assert.Equal(t, "secondary", result.ProviderUsed)
		require.GreaterOrEqual(t, len(result.Attempts), 2)
		assert.Equal(t, "throttled", result.Attempts[0].Outcome)
	}

	// Threshold is 2; five upstream 429s must neither retry nor open.
	assert.Equal(t, 5, primary.invokes, "a throttling provider is called once per orchestration")

	d, ok := f.registry.Get("primary")
	require.True(t, ok)
	assert.Equal(t, circuitbreaker.StateClosed, d.Breaker.State(), "upstream throttling is not a health signal")
	assert.True(t, d.Healthy)
}

func TestOrchestrateHalfOpenProbeIsSingleCall(t *testing.T) {
	now := time.Now()
	primary := &fakeProvider{name: "primary", fail: errors.New("upstream 500")}

	registry := provider.NewRegistry()
	breaker := circuitbreaker.New("primary", circuitbreaker.Config{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
		Clock:            func() time.Time { return now },
	})
	registry.Register(primary, 1, breaker)

	orch := New(registry, ratelimit.NewTracker(ratelimit.Config{}), nil, nil, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
	})

	req := Request{
		Fingerprint: "fp-probe",
		Capability:  provider.CapabilityChat,
		UserPrompt:  "hello",
		SkipCache:   true,
	}

	orch.Orchestrate(context.Background(), req)
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())
	invokesAfterOpen := primary.invokes

	now = now.Add(31 * time.Second)
	require.Equal(t, circuitbreaker.StateHalfOpen, breaker.State())

	orch.Orchestrate(context.Background(), req)
	assert.Equal(t, invokesAfterOpen+1, primary.invokes, "a half-open probe is exactly one upstream call")
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
}

func TestOrchestrateAllProvidersFailed(t *testing.T) {
	primary := &fakeProvider{name: "primary", fail: errors.New("down")}
	secondary := &fakeProvider{name: "secondary", fail: errors.New("also down")}
	f := newFixture(t, primary, secondary)

	_, err := f.orch.Orchestrate(context.Background(), chatRequest("fp-f"))
	require.Error(t, err)

	var exhausted *AllProvidersFailedError
	require.ErrorAs(t, err, &exhausted)
	assert.NotEmpty(t, exhausted.CorrelationID)
	assert.Len(t, exhausted.Attempts, 2)
}

func TestOrchestrateFatalErrorDegradesProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	primary.fail = &provider.FatalError{Provider: "primary", Err: errors.New("invalid api key")}
	secondary := &fakeProvider{name: "secondary", content: "Paris."}
	f := newFixture(t, primary, secondary)

	result, err := f.orch.Orchestrate(context.Background(), chatRequest("fp-g"))
	require.NoError(t, err)
	assert.Equal(t, "secondary", result.ProviderUsed)
	assert.Equal(t, 1, primary.invokes, "fatal errors must not be retried")

	// A degraded provider leaves the fallback chain entirely.
	f.orch.Orchestrate(context.Background(), Request{
		Fingerprint: "fp-h",
		Capability:  provider.CapabilityChat,
		UserPrompt:  "again",
		SkipCache:   true,
	})
	assert.Equal(t, 1, primary.invokes)
}

func TestOrchestrateOpenCircuitShortCircuits(t *testing.T) {
	primary := &fakeProvider{name: "primary", fail: errors.New("down")}
	secondary := &fakeProvider{name: "secondary", content: "ok"}
	f := newFixture(t, primary, secondary)

	// Threshold is 2 breaker failures; each orchestration contributes one.
	for i := 0; i < 2; i++ {
		f.orch.Orchestrate(context.Background(), Request{
			Fingerprint: "fp-i",
			Capability:  provider.CapabilityChat,
			UserPrompt:  "hello",
			SkipCache:   true,
		})
	}

	d, ok := f.registry.Get("primary")
	require.True(t, ok)
	require.Equal(t, circuitbreaker.StateOpen, d.Breaker.State())

	invokesBefore := primary.invokes
	result, err := f.orch.Orchestrate(context.Background(), Request{
		Fingerprint: "fp-j",
		Capability:  provider.CapabilityChat,
		UserPrompt:  "hello again",
		SkipCache:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, "secondary", result.ProviderUsed)
	assert.Equal(t, invokesBefore, primary.invokes, "open circuit must not invoke the provider")
}

func TestAnnotateCacheEnforcesRevalidation(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "The capital of France is Lyon."}
	f := newFixture(t, primary)

	req := chatRequest("fp-k")
	req.RequiresFacts = true

	result, err := f.orch.Orchestrate(context.Background(), req)
	require.NoError(t, err)

	f.orch.AnnotateCache(context.Background(), req, result, 0.3, "high")

	second, err := f.orch.Orchestrate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Cached, "high-risk factual entries must be regenerated, not served")
	assert.Equal(t, 2, primary.invokes)
}
