package pipeline

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/metrics"
	"github.com/chat-sentinel/backend/pkg/logger"
)

const (
	CheckFactual      = "factual_accuracy"
	CheckLogical      = "logical_consistency"
	CheckCompleteness = "completeness"
	CheckConsistency  = "context_consistency"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const (
	FactCheckVerified   = "verified"
	FactCheckUnverified = "unverified"
	FactCheckDisputed   = "disputed"
)

// Weights sum to 1.0. Factual accuracy dominates because hallucinated
// facts are the failure mode this service exists to catch.
type CheckWeights struct {
	Factual      float64
	Logical      float64
	Completeness float64
	Consistency  float64
}

func DefaultWeights() CheckWeights {
	return CheckWeights{
		Factual:      0.35,
		Logical:      0.25,
		Completeness: 0.20,
		Consistency:  0.20,
	}
}

var (
	hedgePattern = regexp.MustCompile(`(?i)\b(i think|i believe|probably|might be|not sure|i'm unsure|as far as i know)\b`)

	// Sentence pairs asserting X and not-X within the same response.
	negationPairs = []struct {
		positive *regexp.Regexp
		negative *regexp.Regexp
	}{
		{regexp.MustCompile(`(?i)\bis\s+(\w[\w\s]{0,30}?)\b`), regexp.MustCompile(`(?i)\bis\s+not\s+(\w[\w\s]{0,30}?)\b`)},
		{regexp.MustCompile(`(?i)\bcan\b`), regexp.MustCompile(`(?i)\bcannot\b|\bcan\s*not\b|\bcan't\b`)},
		{regexp.MustCompile(`(?i)\balways\b`), regexp.MustCompile(`(?i)\bnever\b`)},
	}

	claimPattern = regexp.MustCompile(`(?i)\b(is|was|are|were|has|have|invented|founded|located|capital|population|discovered)\b`)
)

// Validator scores a provider response against the grounded context.
// Scores are monotone in the evidence: extra contradictions or failed
// checks can only lower the overall score, never raise it.
type Validator struct {
	weights CheckWeights
}

func NewValidator(weights CheckWeights) *Validator {
	total := weights.Factual + weights.Logical + weights.Completeness + weights.Consistency
	if total <= 0 {
		weights = DefaultWeights()
	}
	return &Validator{weights: weights}
}

func (v *Validator) Validate(query Query, classification Classification, content string, bundle ContextBundle, level ValidationLevel) ValidationResult {
	result := ValidationResult{
		Checks: make(map[string]CheckResult),
	}

	factual := v.checkFactual(content, bundle, &result)
	logical := v.checkLogical(content, &result)
	completeness := v.checkCompleteness(query, classification, content, &result)
	consistency := v.checkConsistency(content, bundle, &result)

	result.OverallScore = factual*v.weights.Factual +
		logical*v.weights.Logical +
		completeness*v.weights.Completeness +
		consistency*v.weights.Consistency

	result.ConfidenceScore = confidenceOf(content, result.OverallScore)
	result.HallucinationRisk = riskOf(result.OverallScore, result.Contradictions)
	result.FactCheckStatus = factCheckStatus(classification, bundle, &result)

	if level == LevelStrict || level == LevelEnhanced {
		// Strict validation treats hedged factual answers as an issue in
		// their own right.
		if classification.RequiresFacts && hedgePattern.MatchString(content) {
			result.Issues = append(result.Issues, "hedged language in a factual answer")
			if result.ConfidenceScore > 0.6 {
				result.ConfidenceScore = 0.6
			}
		}
	}

	metrics.ValidationScore.Observe(result.OverallScore)
	metrics.HallucinationRisk.WithLabelValues(result.HallucinationRisk).Inc()

	logger.Debug("Response validated",
		zap.String("query_id", query.ID),
		zap.Float64("overall_score", result.OverallScore),
		zap.String("hallucination_risk", result.HallucinationRisk),
		zap.Int("contradictions", result.Contradictions),
	)

	return result
}

// checkFactual cross-references the response against grounded snippets.
// Claims with no supporting snippet count as unverified; claims that
// directly negate a snippet count as contradictions.
func (v *Validator) checkFactual(content string, bundle ContextBundle, result *ValidationResult) float64 {
	claims := extractClaims(content)
	if len(claims) == 0 {
		result.Checks[CheckFactual] = CheckResult{Passed: true, Score: 1.0, Severity: "none"}
		return 1.0
	}

	if len(bundle.FactCheckPoints) == 0 {
		// No evidence either way. Neutral score, all claims unverified.
		result.UnverifiedClaims += len(claims)
		result.Checks[CheckFactual] = CheckResult{Passed: true, Score: 0.7, Severity: "info"}
		return 0.7
	}

	supported := 0
	contradicted := 0
	for _, claim := range claims {
		switch matchClaim(claim, bundle.FactCheckPoints) {
		case claimSupported:
			supported++
		case claimContradicted:
			contradicted++
			result.Contradictions++
			result.Issues = append(result.Issues, "claim contradicts grounded context: "+truncateIssue(claim))
		default:
			result.UnverifiedClaims++
		}
	}

	score := float64(supported) / float64(len(claims))
	if contradicted > 0 {
		// Any contradicted claim halves the remaining credit.
		score = score * 0.5
	}

	severity := "none"
	if contradicted > 0 {
		severity = "high"
	} else if result.UnverifiedClaims > 0 {
		severity = "info"
	}
	result.Checks[CheckFactual] = CheckResult{Passed: contradicted == 0, Score: score, Severity: severity}
	return score
}

// checkLogical flags self-contradicting assertions within one response.
func (v *Validator) checkLogical(content string, result *ValidationResult) float64 {
	internal := 0
	for _, pair := range negationPairs {
		if pair.positive.MatchString(content) && pair.negative.MatchString(content) {
			internal++
		}
	}

	score := 1.0
	if internal > 0 {
		score = 1.0 - 0.3*float64(internal)
		if score < 0 {
			score = 0
		}
		result.Contradictions += internal
		result.Issues = append(result.Issues, "response contains self-contradicting statements")
	}

	severity := "none"
	if internal > 0 {
		severity = "high"
	}
	result.Checks[CheckLogical] = CheckResult{Passed: internal == 0, Score: score, Severity: severity}
	return score
}

// checkCompleteness verifies the response actually addresses the query
// rather than deflecting or trailing off.
func (v *Validator) checkCompleteness(query Query, classification Classification, content string, result *ValidationResult) float64 {
	score := 1.0
	trimmed := strings.TrimSpace(content)

	if trimmed == "" {
		result.Issues = append(result.Issues, "empty response")
		result.Checks[CheckCompleteness] = CheckResult{Passed: false, Score: 0, Severity: "high"}
		return 0
	}

	words := len(strings.Fields(trimmed))
	minWords := 3 * classification.Complexity
	if words < minWords {
		score -= 0.4
		result.Issues = append(result.Issues, "response too short for query complexity")
	}

	queryTokens := keywordTokens(query.Sanitized)
	if len(queryTokens) > 0 {
		lower := strings.ToLower(trimmed)
		hits := 0
		for _, token := range queryTokens {
			if strings.Contains(lower, token) {
				hits++
			}
		}
		coverage := float64(hits) / float64(len(queryTokens))
		if coverage < 0.3 {
			score -= 0.3
			result.Issues = append(result.Issues, "response does not address the query terms")
		}
	}

	if score < 0 {
		score = 0
	}
	severity := "none"
	if score < 0.7 {
		severity = "medium"
	}
	result.Checks[CheckCompleteness] = CheckResult{Passed: score >= 0.7, Score: score, Severity: severity}
	return score
}

// checkConsistency compares the response against conversation history
// for stance reversals.
func (v *Validator) checkConsistency(content string, bundle ContextBundle, result *ValidationResult) float64 {
	if len(bundle.History) == 0 {
		result.Checks[CheckConsistency] = CheckResult{Passed: true, Score: 1.0, Severity: "none"}
		return 1.0
	}

	lower := strings.ToLower(content)
	reversals := 0
	for _, turn := range bundle.History {
		turnLower := strings.ToLower(turn)
		for _, pair := range negationPairs {
			if pair.positive.MatchString(turnLower) && pair.negative.MatchString(lower) {
				reversals++
				break
			}
		}
	}

	score := 1.0
	if reversals > 0 {
		score = 1.0 - 0.25*float64(reversals)
		if score < 0 {
			score = 0
		}
		result.Issues = append(result.Issues, "response reverses a statement from earlier in the session")
	}

	severity := "none"
	if reversals > 0 {
		severity = "medium"
	}
	result.Checks[CheckConsistency] = CheckResult{Passed: reversals == 0, Score: score, Severity: severity}
	return score
}

// riskOf is the single place the risk label is derived, so the mapping
// stays monotone: any contradiction forces high risk regardless of the
// weighted score.
func riskOf(overallScore float64, contradictions int) string {
	switch {
	case contradictions > 0 || overallScore < 0.5:
		return RiskHigh
	case overallScore < 0.75:
		return RiskMedium
	default:
		return RiskLow
	}
}

func factCheckStatus(classification Classification, bundle ContextBundle, result *ValidationResult) string {
	if !classification.RequiresFacts {
		return FactCheckVerified
	}
	switch {
	case result.Contradictions > 0:
		return FactCheckDisputed
	case result.UnverifiedClaims > 0 || len(bundle.FactCheckPoints) == 0:
		return FactCheckUnverified
	default:
		return FactCheckVerified
	}
}

func confidenceOf(content string, overallScore float64) float64 {
	confidence := overallScore
	if hedgePattern.MatchString(content) {
		confidence -= 0.15
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

type claimMatch int

const (
	claimUnverified claimMatch = iota
	claimSupported
	claimContradicted
)

// matchClaim does token-overlap alignment between one claim sentence and
// the grounded fact points. A claim that shares the subject of a fact
// point but negates it, or swaps in a value no fact point contains, is
// contradicted.
func matchClaim(claim string, factPoints []string) claimMatch {
	claimTokens := keywordTokens(claim)
	if len(claimTokens) == 0 {
		return claimUnverified
	}
	claimLower := strings.ToLower(claim)
	claimNegated := strings.Contains(claimLower, " not ") || strings.Contains(claimLower, "n't ")

	bestCoverage := 0.0
	negationMismatch := false
	for _, fact := range factPoints {
		factLower := strings.ToLower(fact)
		overlap := 0
		for _, token := range claimTokens {
			if strings.Contains(factLower, token) {
				overlap++
			}
		}
		coverage := float64(overlap) / float64(len(claimTokens))
		if coverage < 0.5 {
			continue
		}
		if coverage > bestCoverage {
			bestCoverage = coverage
		}

		factNegated := strings.Contains(factLower, " not ") || strings.Contains(factLower, "n't ")
		if claimNegated != factNegated {
			negationMismatch = true
		}
	}

	if bestCoverage < 0.5 {
		return claimUnverified
	}
	if negationMismatch {
		return claimContradicted
	}

	// Subject overlaps a fact point but a named entity or number in the
	// claim appears in no fact at all: the claim swapped in a value the
	// grounded context does not back, which is the classic hallucination
	// shape.
	for _, token := range valueTokens(claim) {
		found := false
		for _, fact := range factPoints {
			if strings.Contains(strings.ToLower(fact), token) {
				found = true
				break
			}
		}
		if !found {
			return claimContradicted
		}
	}

	if bestCoverage >= 0.6 {
		return claimSupported
	}
	return claimUnverified
}

// valueTokens extracts the capitalized names and numbers of a claim,
// skipping the sentence-initial word. These are the tokens that carry
// the claim's factual payload.
func valueTokens(claim string) []string {
	fields := strings.Fields(claim)
	var tokens []string
	for i, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if f == "" || i == 0 {
			continue
		}
		r := rune(f[0])
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			tokens = append(tokens, strings.ToLower(f))
		}
	}
	return tokens
}

func extractClaims(content string) []string {
	var claims []string
	for _, sentence := range splitSentences(content) {
		if claimPattern.MatchString(sentence) {
			claims = append(claims, sentence)
		}
	}
	return claims
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func keywordTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if len(f) < 4 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func truncateIssue(claim string) string {
	if len(claim) > 80 {
		return claim[:80] + "..."
	}
	return claim
}
