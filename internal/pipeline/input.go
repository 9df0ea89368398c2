package pipeline

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/cache"
	"github.com/chat-sentinel/backend/internal/metrics"
	"github.com/chat-sentinel/backend/pkg/logger"
	"github.com/chat-sentinel/backend/pkg/utils"
)

// RefusalMessage is the fixed response for unsafe input. It leaks nothing
// about the rejection internals.
const RefusalMessage = "I can't help with that request. If you believe this is a mistake, please rephrase your question."

var (
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
		regexp.MustCompile(`(?i)disregard\s+(the\s+|your\s+)?(system\s+prompt|instructions|rules)`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s*mode`),
		regexp.MustCompile(`(?i)pretend\s+(that\s+)?you\s+(have\s+no|are\s+not\s+bound\s+by)\s+(restrictions|rules|guidelines)`),
		regexp.MustCompile(`(?i)reveal\s+(your\s+)?(system\s+prompt|hidden\s+instructions)`),
	}

	piiPatterns = map[string]*regexp.Regexp{
		"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		"credit_card": regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
	}

	profanityPattern = regexp.MustCompile(`(?i)\b(fuck|shit|bitch|asshole|cunt)\b`)

	factualMarkers    = regexp.MustCompile(`(?i)^(what|who|when|where|which|how many|how much)\b|capital of|population of|located in|invented|founded`)
	diagnosticMarkers = regexp.MustCompile(`(?i)error|not working|broken|crash|fix|failing|troubleshoot|debug|why (is|does|won't|doesn't)`)
	creativeMarkers   = regexp.MustCompile(`(?i)write (a|me|an)|story|poem|imagine|compose|brainstorm|invent a`)
	studyMarkers      = regexp.MustCompile(`(?i)explain|teach me|help me (learn|understand|study)|how does|what does .+ mean|summarize`)
)

type InputResult struct {
	Sanitized      string
	Classification Classification
	Unsafe         bool
	RejectReason   string
	PIIFlags       []string
	FromCache      bool
}

// InputValidator sanitizes and classifies incoming messages. It is the
// only stage allowed to short-circuit the pipeline before orchestration.
type InputValidator struct {
	maxLength int
	cache     *cache.ResponseCache
}

func NewInputValidator(maxLength int, classificationCache *cache.ResponseCache) *InputValidator {
	if maxLength <= 0 {
		maxLength = 5000
	}
	return &InputValidator{
		maxLength: maxLength,
		cache:     classificationCache,
	}
}

func (v *InputValidator) Validate(ctx context.Context, rawText string) InputResult {
	sanitized := sanitize(rawText)

	if sanitized == "" {
		metrics.InputRejected.WithLabelValues("empty").Inc()
		return InputResult{Unsafe: true, RejectReason: "empty message"}
	}
	if len(sanitized) > v.maxLength {
		metrics.InputRejected.WithLabelValues("too_long").Inc()
		return InputResult{Unsafe: true, RejectReason: "message exceeds maximum length"}
	}

	for _, pattern := range injectionPatterns {
		if pattern.MatchString(sanitized) {
			logger.Warn("Prompt injection attempt rejected")
			metrics.InputRejected.WithLabelValues("prompt_injection").Inc()
			return InputResult{Unsafe: true, RejectReason: "prompt injection detected"}
		}
	}

	if profanityPattern.MatchString(sanitized) {
		metrics.InputRejected.WithLabelValues("profanity").Inc()
		return InputResult{Unsafe: true, RejectReason: "profanity detected"}
	}

	// PII is flagged and masked, not rejected: the user may legitimately
	// paste their own data, but it must not reach an upstream provider.
	var piiFlags []string
	for name, pattern := range piiPatterns {
		if pattern.MatchString(sanitized) {
			piiFlags = append(piiFlags, name)
			sanitized = pattern.ReplaceAllString(sanitized, "[redacted]")
		}
	}

	result := InputResult{
		Sanitized: sanitized,
		PIIFlags:  piiFlags,
	}

	contentHash := utils.HashString(sanitized)
	if v.cache != nil {
		var cached Classification
		if found, err := v.cache.GetClassification(ctx, contentHash, &cached); err == nil && found {
			metrics.CacheHits.WithLabelValues("classification").Inc()
			result.Classification = cached
			result.FromCache = true
			return result
		}
		metrics.CacheMisses.WithLabelValues("classification").Inc()
	}

	result.Classification = classify(sanitized)

	if v.cache != nil {
		if err := v.cache.SetClassification(ctx, contentHash, result.Classification); err != nil {
			logger.Debug("Classification cache write failed", zap.Error(err))
		}
	}

	return result
}

func sanitize(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}

func classify(text string) Classification {
	queryType := QueryGeneral
	switch {
	case diagnosticMarkers.MatchString(text):
		queryType = QueryDiagnostic
	case creativeMarkers.MatchString(text):
		queryType = QueryCreative
	case factualMarkers.MatchString(text):
		queryType = QueryFactual
	case studyMarkers.MatchString(text):
		queryType = QueryStudy
	}

	classification := Classification{
		Type:             queryType,
		Complexity:       complexityOf(text),
		RequiresFacts:    queryType == QueryFactual || queryType == QueryDiagnostic,
		RequiresContext:  queryType != QueryCreative,
		ResponseStrategy: strategyFor(queryType),
	}

	return classification
}

func complexityOf(text string) int {
	words := len(strings.Fields(text))
	clauses := strings.Count(text, ",") + strings.Count(text, "?") + strings.Count(text, " and ")

	score := 1
	if words > 15 {
		score++
	}
	if words > 40 {
		score++
	}
	if clauses > 1 {
		score++
	}
	if clauses > 3 {
		score++
	}
	if score > 5 {
		score = 5
	}
	return score
}

func strategyFor(queryType QueryType) string {
	switch queryType {
	case QueryFactual:
		return "cite_sources"
	case QueryDiagnostic:
		return "step_by_step"
	case QueryCreative:
		return "open_ended"
	case QueryStudy:
		return "explain_then_check"
	default:
		return "balanced"
	}
}
