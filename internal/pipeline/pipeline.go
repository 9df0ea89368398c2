package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chat-sentinel/backend/internal/metrics"
	"github.com/chat-sentinel/backend/internal/orchestrator"
	"github.com/chat-sentinel/backend/internal/provider"
	"github.com/chat-sentinel/backend/pkg/logger"
	"github.com/chat-sentinel/backend/pkg/utils"
)

// DegradedMessage is returned when every provider in the chain failed.
// The correlation id travels alongside for log lookup; no provider error
// text ever reaches the user.
const DegradedMessage = "I'm having trouble reaching my knowledge providers right now. Please try again in a moment."

// BusyMessage is returned when the pipeline is at its concurrency limit.
const BusyMessage = "The service is handling too many requests right now. Please retry shortly."

// InteractionRecord is the append-only row persisted per processed
// message. Best effort: persistence failures never fail the request.
type InteractionRecord struct {
	ResponseID    string
	QueryID       string
	UserID        string
	SessionID     string
	Message       string
	Content       string
	QueryType     string
	ProviderUsed  string
	Fingerprint   string
	Cached        bool
	Refused       bool
	Degraded      bool
	QualityScore  float64
	Risk          string
	CorrelationID string
	LatencyMS     int
	Timestamp     time.Time
}

type InteractionStore interface {
	SaveInteraction(ctx context.Context, rec InteractionRecord) error
}

type Config struct {
	MaxConcurrent    int
	RequestTimeout   time.Duration
	MaxMessageLength int
	QualityThreshold float64
	DefaultLevel     ValidationLevel
}

// Pipeline runs a message through input validation, context grounding,
// orchestration, response validation, and monitoring.
type Pipeline struct {
	cfg          Config
	input        *InputValidator
	grounder     *Grounder
	orchestrator *orchestrator.Orchestrator
	validator    *Validator
	monitor      *Monitor
	store        InteractionStore
	sem          *semaphore.Weighted
}

func New(cfg Config, input *InputValidator, grounder *Grounder, orch *orchestrator.Orchestrator, validator *Validator, monitor *Monitor, store InteractionStore) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = 0.7
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = LevelBasic
	}
	return &Pipeline{
		cfg:          cfg,
		input:        input,
		grounder:     grounder,
		orchestrator: orch,
		validator:    validator,
		monitor:      monitor,
		store:        store,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// ProcessMessage is the single entry point for chat traffic. It always
// returns a well-formed Response; infrastructure failures degrade into
// an apology with a correlation id rather than an error.
func (p *Pipeline) ProcessMessage(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return &Response{
			ResponseID: uuid.New().String(),
			Content:    BusyMessage,
			Degraded:   true,
			LatencyMS:  int(time.Since(start).Milliseconds()),
		}, nil
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	queryTypeLabel := "unknown"
	defer func() {
		metrics.RequestDuration.WithLabelValues(queryTypeLabel).Observe(time.Since(start).Seconds())
	}()

	query := Query{
		ID:        uuid.New().String(),
		RawText:   req.Message,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Timestamp: start,
	}

	// Stage 1: input validation.
	stageStart := time.Now()
	inputResult := p.input.Validate(ctx, req.Message)
	p.monitor.StageCompleted(StageInputValidated, stageOutcome(!inputResult.Unsafe), time.Since(stageStart))

	if inputResult.Unsafe {
		logger.Info("Message refused",
			zap.String("query_id", query.ID),
			zap.String("reason", inputResult.RejectReason),
		)
		metrics.RequestTotal.WithLabelValues("refused").Inc()
		return p.finish(ctx, query, req, &Response{
			ResponseID: uuid.New().String(),
			Content:    RefusalMessage,
			Refused:    true,
			LatencyMS:  int(time.Since(start).Milliseconds()),
		}, "", "refused")
	}

	query.Sanitized = inputResult.Sanitized
	classification := inputResult.Classification
	queryTypeLabel = string(classification.Type)

	// Stage 2: context grounding.
	stageStart = time.Now()
	bundle := p.grounder.Build(ctx, query, classification)
	p.monitor.StageCompleted(StageContextBuilt, "success", time.Since(stageStart))

	fingerprint := utils.Fingerprint(query.Sanitized, bundle.ContextLevel)

	orchReq := orchestrator.Request{
		Fingerprint:   fingerprint,
		Capability:    provider.CapabilityChat,
		SystemPrompt:  p.grounder.SystemPrompt(classification, bundle),
		UserPrompt:    query.Sanitized,
		Temperature:   temperatureFor(classification.Type),
		RequiresFacts: classification.RequiresFacts,
	}

	// Stage 3: orchestration.
	stageStart = time.Now()
	result, err := p.orchestrator.Orchestrate(ctx, orchReq)
	if err != nil {
		p.monitor.StageCompleted(StageOrchestrated, "error", time.Since(stageStart))
		return p.degraded(ctx, query, req, fingerprint, err, start)
	}
	p.monitor.StageCompleted(StageOrchestrated, "success", time.Since(stageStart))

	resp := &Response{
		ResponseID:   uuid.New().String(),
		Content:      result.Content,
		ProviderUsed: result.ProviderUsed,
		Cached:       result.Cached,
	}

	// Cached entries were validated before being stored; their recorded
	// scores travel with the hit. The cache itself refuses stale
	// high-risk entries.
	if result.Cached {
		resp.QualityScore = result.OverallScore
		resp.HallucinationRisk = result.HallucinationRisk
	}

	// Stage 4: response validation.
	if req.Preferences.EnableValidation && !result.Cached {
		level := req.Preferences.ValidationLevel
		if level == "" {
			level = p.cfg.DefaultLevel
		}

		stageStart = time.Now()
		validation := p.validator.Validate(query, classification, result.Content, bundle, level)
		p.monitor.StageCompleted(StageResponseValidated, "success", time.Since(stageStart))
		p.monitor.ValidationCompleted(validation)

		resp.QualityScore = validation.OverallScore
		resp.ConfidenceScore = validation.ConfidenceScore
		resp.HallucinationRisk = validation.HallucinationRisk
		resp.FactCheckStatus = validation.FactCheckStatus
		resp.ValidationResults = &validation

		threshold := req.Preferences.QualityThreshold
		if threshold <= 0 {
			threshold = p.cfg.QualityThreshold
		}
		if validation.OverallScore < threshold {
			resp.BelowThreshold = true
		}

		p.orchestrator.AnnotateCache(ctx, orchReq, result, validation.OverallScore, validation.HallucinationRisk)
	}

	resp.LatencyMS = int(time.Since(start).Milliseconds())
	metrics.RequestTotal.WithLabelValues("success").Inc()
	p.monitor.StageCompleted(StageDelivered, "success", 0)

	logger.Info("Message processed",
		zap.String("query_id", query.ID),
		zap.String("query_type", string(classification.Type)),
		zap.String("provider", resp.ProviderUsed),
		zap.Bool("cached", resp.Cached),
		zap.Float64("quality_score", resp.QualityScore),
		zap.Int("latency_ms", resp.LatencyMS),
	)

	return p.finish(ctx, query, req, resp, fingerprint, string(classification.Type))
}

func (p *Pipeline) degraded(ctx context.Context, query Query, req Request, fingerprint string, err error, start time.Time) (*Response, error) {
	correlationID := ""
	var exhausted *orchestrator.AllProvidersFailedError
	if errors.As(err, &exhausted) {
		correlationID = exhausted.CorrelationID
	} else {
		correlationID = uuid.New().String()
		logger.Error("Orchestration failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
	}

	metrics.RequestTotal.WithLabelValues("degraded").Inc()

	resp := &Response{
		ResponseID:    uuid.New().String(),
		Content:       fmt.Sprintf("%s (reference: %s)", DegradedMessage, correlationID),
		Degraded:      true,
		CorrelationID: correlationID,
		LatencyMS:     int(time.Since(start).Milliseconds()),
	}
	return p.finish(ctx, query, req, resp, fingerprint, "degraded")
}

// finish persists the interaction record best-effort and returns. A
// caller that opted out of feedback collection gets no stored record,
// so later feedback cannot resolve this response.
func (p *Pipeline) finish(ctx context.Context, query Query, req Request, resp *Response, fingerprint, queryType string) (*Response, error) {
	if p.store != nil && req.Preferences.CollectFeedback {
		rec := InteractionRecord{
			ResponseID:    resp.ResponseID,
			QueryID:       query.ID,
			UserID:        req.UserID,
			SessionID:     req.SessionID,
			Message:       query.Sanitized,
			Content:       resp.Content,
			QueryType:     queryType,
			ProviderUsed:  resp.ProviderUsed,
			Fingerprint:   fingerprint,
			Cached:        resp.Cached,
			Refused:       resp.Refused,
			Degraded:      resp.Degraded,
			QualityScore:  resp.QualityScore,
			Risk:          resp.HallucinationRisk,
			CorrelationID: resp.CorrelationID,
			LatencyMS:     resp.LatencyMS,
			Timestamp:     time.Now(),
		}
		if err := p.store.SaveInteraction(ctx, rec); err != nil {
			logger.Error("Failed to persist interaction", zap.Error(err), zap.String("response_id", resp.ResponseID))
		}
	}
	return resp, nil
}

func stageOutcome(ok bool) string {
	if ok {
		return "success"
	}
	return "rejected"
}

func temperatureFor(queryType QueryType) float32 {
	switch queryType {
	case QueryCreative:
		return 0.9
	case QueryFactual, QueryDiagnostic:
		return 0.2
	default:
		return 0.5
	}
}
