package pipeline

import (
	"time"
)

type QueryType string

const (
	QueryFactual    QueryType = "factual"
	QueryCreative   QueryType = "creative"
	QueryStudy      QueryType = "study"
	QueryGeneral    QueryType = "general"
	QueryDiagnostic QueryType = "diagnostic"
)

type Stage string

const (
	StageReceived          Stage = "received"
	StageInputValidated    Stage = "input_validated"
	StageContextBuilt      Stage = "context_built"
	StageOrchestrated      Stage = "orchestrated"
	StageResponseValidated Stage = "response_validated"
	StageDelivered         Stage = "delivered"
	StageFeedbackCollected Stage = "feedback_collected"
)

// Query is one user message moving through the pipeline. Immutable once
// classified.
type Query struct {
	ID        string
	RawText   string
	Sanitized string
	UserID    string
	SessionID string
	Timestamp time.Time
}

// Classification is computed once by input validation and cached by
// content hash.
type Classification struct {
	Type             QueryType `json:"type"`
	Complexity       int       `json:"complexity"`
	RequiresFacts    bool      `json:"requires_facts"`
	RequiresContext  bool      `json:"requires_context"`
	ResponseStrategy string    `json:"response_strategy"`
}

type CheckResult struct {
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"`
	Severity string  `json:"severity"`
}

type ValidationResult struct {
	OverallScore      float64                `json:"overall_score"`
	Checks            map[string]CheckResult `json:"checks"`
	Issues            []string               `json:"issues"`
	ConfidenceScore   float64                `json:"confidence_score"`
	HallucinationRisk string                 `json:"hallucination_risk"`
	FactCheckStatus   string                 `json:"fact_check_status"`
	Contradictions    int                    `json:"contradictions"`
	UnverifiedClaims  int                    `json:"unverified_claims"`
}

type FeedbackType string

const (
	FeedbackPositive   FeedbackType = "positive"
	FeedbackNegative   FeedbackType = "negative"
	FeedbackCorrection FeedbackType = "correction"
	FeedbackFlag       FeedbackType = "flag"
)

type Feedback struct {
	ID          string
	ResponseID  string
	Type        FeedbackType
	Rating      int
	Corrections string
	FlagReasons []string
	Timestamp   time.Time
}

// LearningPattern is an aggregate over many feedback rows, recomputed on
// a schedule rather than per event.
type LearningPattern struct {
	Type                 FeedbackType `json:"type"`
	Frequency            int          `json:"frequency"`
	Confidence           float64      `json:"confidence"`
	SuggestedPreventions []string     `json:"suggested_preventions"`
}

type ValidationLevel string

const (
	LevelBasic    ValidationLevel = "basic"
	LevelStrict   ValidationLevel = "strict"
	LevelEnhanced ValidationLevel = "enhanced"
)

type Preferences struct {
	EnableValidation bool
	ValidationLevel  ValidationLevel
	QualityThreshold float64
	CollectFeedback  bool
}

type Request struct {
	UserID      string
	SessionID   string
	Message     string
	Preferences Preferences
}

type Response struct {
	ResponseID        string            `json:"response_id"`
	Content           string            `json:"content"`
	QualityScore      float64           `json:"quality_score"`
	ConfidenceScore   float64           `json:"confidence_score"`
	HallucinationRisk string            `json:"hallucination_risk"`
	FactCheckStatus   string            `json:"fact_check_status"`
	ValidationResults *ValidationResult `json:"validation_results,omitempty"`
	ProviderUsed      string            `json:"provider_used,omitempty"`
	Cached            bool              `json:"cached"`
	Refused           bool              `json:"refused"`
	Degraded          bool              `json:"degraded"`
	BelowThreshold    bool              `json:"below_threshold"`
	CorrelationID     string            `json:"correlation_id,omitempty"`
	LatencyMS         int               `json:"latency_ms"`
}
