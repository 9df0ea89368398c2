package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/cache"
	"github.com/chat-sentinel/backend/internal/health"
	"github.com/chat-sentinel/backend/internal/metrics"
	"github.com/chat-sentinel/backend/internal/provider"
	"github.com/chat-sentinel/backend/internal/ratelimit"
	"github.com/chat-sentinel/backend/pkg/circuitbreaker"
	"github.com/chat-sentinel/backend/pkg/logger"
	"github.com/chat-sentinel/backend/pkg/retry"
)

type Attempt struct {
	Provider string        `json:"provider"`
	Outcome  string        `json:"outcome"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}

// Result is the single orchestration outcome for one query. Cache hits
// carry the quality annotations recorded when the entry was validated.
type Result struct {
	Content           string         `json:"content"`
	ProviderUsed      string         `json:"provider_used"`
	Model             string         `json:"model"`
	Attempts          []Attempt      `json:"attempts"`
	Cached            bool           `json:"cached"`
	OverallScore      float64        `json:"overall_score,omitempty"`
	HallucinationRisk string         `json:"hallucination_risk,omitempty"`
	Usage             provider.Usage `json:"usage"`
}

// AllProvidersFailedError is fatal at this layer: the caller surfaces an
// apology plus the correlation id, never a raw provider error.
type AllProvidersFailedError struct {
	CorrelationID string
	Attempts      []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed (correlation_id=%s, attempts=%d)", e.CorrelationID, len(e.Attempts))
}

type Request struct {
	Fingerprint   string
	Capability    provider.Capability
	SystemPrompt  string
	UserPrompt    string
	Temperature   float32
	MaxTokens     int
	RequiresFacts bool
	SkipCache     bool
}

type Orchestrator struct {
	registry   *provider.Registry
	tracker    *ratelimit.Tracker
	cache      *cache.ResponseCache
	aggregator *health.Aggregator
	retryCfg   retry.Config
}

func New(registry *provider.Registry, tracker *ratelimit.Tracker, responseCache *cache.ResponseCache, aggregator *health.Aggregator, retryCfg retry.Config) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		tracker:    tracker,
		cache:      responseCache,
		aggregator: aggregator,
		retryCfg:   retryCfg,
	}
}

// Orchestrate consults the cache, then walks the ordered fallback chain.
// First success wins and is written back to the cache. Exhausting the
// chain returns *AllProvidersFailedError; it is never retried here.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	if o.cache != nil && !req.SkipCache {
		entry, found, err := o.cache.Get(ctx, req.Fingerprint)
		if err != nil {
			logger.Warn("Cache lookup failed", zap.Error(err))
		}
		if found {
			metrics.CacheHits.WithLabelValues("response").Inc()
			return &Result{
				Content:           entry.Content,
				ProviderUsed:      entry.Provider,
				Cached:            true,
				OverallScore:      entry.OverallScore,
				HallucinationRisk: entry.HallucinationRisk,
			}, nil
		}
		metrics.CacheMisses.WithLabelValues("response").Inc()
	}

	chain := o.registry.Eligible(req.Capability)
	attempts := make([]Attempt, 0, len(chain))

	for _, descriptor := range chain {
		if !o.tracker.MayCall(descriptor.Name) {
			attempts = append(attempts, Attempt{
				Provider: descriptor.Name,
				Outcome:  "throttled",
			})
			o.publishAttempt(descriptor.Name, "throttled", 0)
			continue
		}

		attempt, resp := o.invokeProvider(ctx, descriptor, req)
		attempts = append(attempts, attempt)
		o.publishAttempt(descriptor.Name, attempt.Outcome, attempt.Latency)

		if resp != nil {
			result := &Result{
				Content:      resp.Content,
				ProviderUsed: descriptor.Name,
				Model:        resp.Model,
				Attempts:     attempts,
				Usage:        resp.Usage,
			}
			o.writeCache(ctx, req, result)
			return result, nil
		}

		if ctx.Err() != nil {
			break
		}
	}

	correlationID := uuid.New().String()
	logger.Error("All providers exhausted",
		zap.String("correlation_id", correlationID),
		zap.Int("attempts", len(attempts)),
	)

	return nil, &AllProvidersFailedError{
		CorrelationID: correlationID,
		Attempts:      attempts,
	}
}

func (o *Orchestrator) invokeProvider(ctx context.Context, descriptor *provider.Descriptor, req Request) (Attempt, *provider.Response) {
	start := time.Now()

	// Rate usage is charged up front; a cancelled call may still have
	// incurred provider cost.
	o.tracker.Record(descriptor.Name, start)

	retryCfg := o.retryCfg
	// A half-open circuit admits a single probe; that probe must be a
	// single upstream call.
	if descriptor.Breaker.State() == circuitbreaker.StateHalfOpen {
		retryCfg.MaxAttempts = 1
	}

	var resp *provider.Response
	var throttled error
	err := descriptor.Breaker.Execute(ctx, func() error {
		callErr := retry.Do(ctx, retryCfg, func() error {
			r, err := descriptor.Provider.Invoke(ctx, provider.Request{
				SystemPrompt: req.SystemPrompt,
				UserPrompt:   req.UserPrompt,
				Temperature:  req.Temperature,
				MaxTokens:    req.MaxTokens,
			})
			if err != nil {
				if provider.IsFatal(err) || errors.Is(err, provider.ErrThrottled) {
					return retry.Permanent(err)
				}
				return err
			}
			resp = r
			return nil
		})
		// An upstream 429 is back-pressure, not a failure the breaker
		// may count toward opening.
		if errors.Is(callErr, provider.ErrThrottled) {
			throttled = callErr
			return nil
		}
		return callErr
	})
	if err == nil && throttled != nil {
		err = throttled
	}

	latency := time.Since(start)
	attempt := Attempt{
		Provider: descriptor.Name,
		Latency:  latency,
	}

	switch {
	case err == nil:
		attempt.Outcome = "success"
		o.registry.RecordOutcome(descriptor.Name, true)
		metrics.ProviderLatency.WithLabelValues(descriptor.Name).Observe(latency.Seconds())
		metrics.TokensUsed.WithLabelValues(descriptor.Name, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.TokensUsed.WithLabelValues(descriptor.Name, "completion").Add(float64(resp.Usage.CompletionTokens))
		return attempt, resp

	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		attempt.Outcome = "short_circuit"
		attempt.Error = err.Error()

	case provider.IsFatal(err):
		attempt.Outcome = "fatal"
		attempt.Error = err.Error()
		o.registry.RecordOutcome(descriptor.Name, false)
		o.registry.MarkDegraded(descriptor.Name)

	// Upstream quota exhaustion is not ill health; the descriptor keeps
	// its healthy flag and the chain moves on.
	case errors.Is(err, provider.ErrThrottled):
		attempt.Outcome = "throttled"
		attempt.Error = err.Error()

	default:
		attempt.Outcome = "failure"
		attempt.Error = err.Error()
		o.registry.RecordOutcome(descriptor.Name, false)
	}

	logger.Warn("Provider attempt failed",
		zap.String("provider", descriptor.Name),
		zap.String("outcome", attempt.Outcome),
		zap.Duration("latency", latency),
		zap.Error(err),
	)

	return attempt, nil
}

func (o *Orchestrator) writeCache(ctx context.Context, req Request, result *Result) {
	if o.cache == nil {
		return
	}

	err := o.cache.Set(ctx, cache.Entry{
		Fingerprint:   req.Fingerprint,
		Content:       result.Content,
		Provider:      result.ProviderUsed,
		RequiresFacts: req.RequiresFacts,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		logger.Warn("Cache write failed", zap.Error(err))
	}
}

// AnnotateCache records validation outcomes on the cached entry so a later
// hit knows whether the content needs revalidation.
func (o *Orchestrator) AnnotateCache(ctx context.Context, req Request, result *Result, overallScore float64, hallucinationRisk string) {
	if o.cache == nil || result.Cached {
		return
	}

	err := o.cache.Set(ctx, cache.Entry{
		Fingerprint:       req.Fingerprint,
		Content:           result.Content,
		Provider:          result.ProviderUsed,
		OverallScore:      overallScore,
		HallucinationRisk: hallucinationRisk,
		RequiresFacts:     req.RequiresFacts,
		CreatedAt:         time.Now(),
	})
	if err != nil {
		logger.Warn("Cache annotation failed", zap.Error(err))
	}
}

func (o *Orchestrator) publishAttempt(providerName, outcome string, latency time.Duration) {
	metrics.ProviderAttempts.WithLabelValues(providerName, outcome).Inc()
	if o.aggregator != nil {
		o.aggregator.Publish(health.Event{
			Type:     health.EventAttempt,
			Provider: providerName,
			Outcome:  outcome,
			Latency:  latency,
		})
	}
}
