package models

import "time"

// Interaction is one processed message, appended after delivery. Rows
// are never updated.
type Interaction struct {
	ResponseID        string    `json:"response_id"`
	QueryID           string    `json:"query_id"`
	UserID            string    `json:"user_id,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	Message           string    `json:"message"`
	Content           string    `json:"content,omitempty"`
	QueryType         string    `json:"query_type,omitempty"`
	ProviderUsed      string    `json:"provider_used,omitempty"`
	Fingerprint       string    `json:"fingerprint,omitempty"`
	Cached            bool      `json:"cached"`
	Refused           bool      `json:"refused"`
	Degraded          bool      `json:"degraded"`
	QualityScore      float64   `json:"quality_score"`
	HallucinationRisk string    `json:"hallucination_risk,omitempty"`
	CorrelationID     string    `json:"correlation_id,omitempty"`
	LatencyMS         int       `json:"latency_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

type Feedback struct {
	ID          string    `json:"id"`
	ResponseID  string    `json:"response_id"`
	Type        string    `json:"type"`
	Rating      int       `json:"rating,omitempty"`
	Corrections string    `json:"corrections,omitempty"`
	FlagReasons []string  `json:"flag_reasons,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
