package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/pipeline"
	"github.com/chat-sentinel/backend/internal/storage/models"
	"github.com/chat-sentinel/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// DB exposes the underlying handle so other components can share the
// same database file.
func (c *Client) DB() *sql.DB {
	return c.db
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		response_id TEXT PRIMARY KEY,
		query_id TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		message TEXT NOT NULL,
		content TEXT,
		query_type TEXT,
		provider_used TEXT,
		fingerprint TEXT,
		cached INTEGER DEFAULT 0,
		refused INTEGER DEFAULT 0,
		degraded INTEGER DEFAULT 0,
		quality_score REAL,
		hallucination_risk TEXT,
		correlation_id TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_fingerprint ON interactions(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		response_id TEXT NOT NULL,
		type TEXT NOT NULL,
		rating INTEGER,
		corrections TEXT,
		flag_reasons TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_response ON feedback(response_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) SaveInteraction(ctx context.Context, rec pipeline.InteractionRecord) error {
	query := `
		INSERT INTO interactions (response_id, query_id, user_id, session_id, message, content,
			query_type, provider_used, fingerprint, cached, refused, degraded,
			quality_score, hallucination_risk, correlation_id, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		rec.ResponseID,
		rec.QueryID,
		rec.UserID,
		rec.SessionID,
		rec.Message,
		rec.Content,
		rec.QueryType,
		rec.ProviderUsed,
		rec.Fingerprint,
		boolToInt(rec.Cached),
		boolToInt(rec.Refused),
		boolToInt(rec.Degraded),
		rec.QualityScore,
		rec.Risk,
		rec.CorrelationID,
		rec.LatencyMS,
		rec.Timestamp.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	logger.Debug("Interaction recorded",
		zap.String("response_id", rec.ResponseID),
		zap.String("query_type", rec.QueryType),
	)

	return nil
}

func (c *Client) SaveFeedback(ctx context.Context, fb pipeline.Feedback) error {
	flagsJSON, _ := json.Marshal(fb.FlagReasons)

	query := `
		INSERT INTO feedback (id, response_id, type, rating, corrections, flag_reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		fb.ID,
		fb.ResponseID,
		string(fb.Type),
		fb.Rating,
		fb.Corrections,
		string(flagsJSON),
		fb.Timestamp.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("feedback_id", fb.ID),
		zap.String("response_id", fb.ResponseID),
		zap.String("type", string(fb.Type)),
	)

	return nil
}

func (c *Client) FeedbackSince(ctx context.Context, since time.Time) ([]pipeline.Feedback, error) {
	query := `
		SELECT id, response_id, type, rating, corrections, flag_reasons, created_at
		FROM feedback
		WHERE created_at >= ?
		ORDER BY created_at ASC
	`

	rows, err := c.db.QueryContext(ctx, query, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Feedback
	for rows.Next() {
		var fb pipeline.Feedback
		var fbType, flagsJSON string
		var createdAt int64

		err := rows.Scan(&fb.ID, &fb.ResponseID, &fbType, &fb.Rating, &fb.Corrections, &flagsJSON, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		fb.Type = pipeline.FeedbackType(fbType)
		fb.Timestamp = time.Unix(createdAt, 0)
		json.Unmarshal([]byte(flagsJSON), &fb.FlagReasons)
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback: %w", err)
	}

	return out, nil
}

// FingerprintForResponse resolves the cache fingerprint a response was
// served under, for correction-driven invalidation.
func (c *Client) FingerprintForResponse(ctx context.Context, responseID string) (string, bool, error) {
	query := `SELECT fingerprint FROM interactions WHERE response_id = ?`

	var fingerprint string
	err := c.db.QueryRowContext(ctx, query, responseID).Scan(&fingerprint)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve fingerprint: %w", err)
	}
	return fingerprint, fingerprint != "", nil
}

// RecentMessages returns the latest user messages for a session, newest
// first. Refused messages are excluded.
func (c *Client) RecentMessages(ctx context.Context, sessionID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT message
		FROM interactions
		WHERE session_id = ? AND refused = 0
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}
	defer rows.Close()

	var messages []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return messages, nil
}

// SessionHistory returns full interaction rows for a session, newest
// first, for the history API.
func (c *Client) SessionHistory(ctx context.Context, sessionID string, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT response_id, query_id, user_id, session_id, message, content, query_type,
			provider_used, fingerprint, cached, refused, degraded, quality_score,
			hallucination_risk, correlation_id, latency_ms, created_at
		FROM interactions
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		rec, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return out, nil
}

func (c *Client) GetInteraction(ctx context.Context, responseID string) (*models.Interaction, error) {
	query := `
		SELECT response_id, query_id, user_id, session_id, message, content, query_type,
			provider_used, fingerprint, cached, refused, degraded, quality_score,
			hallucination_risk, correlation_id, latency_ms, created_at
		FROM interactions WHERE response_id = ?
	`

	rec, err := scanInteraction(c.db.QueryRowContext(ctx, query, responseID))
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInteraction(row rowScanner) (*models.Interaction, error) {
	var rec models.Interaction
	var cached, refused, degraded int
	var createdAt int64
	var userID, sessionID, content, queryType, providerUsed, fingerprint, risk, correlationID sql.NullString
	var qualityScore sql.NullFloat64
	var latencyMS sql.NullInt64

	err := row.Scan(
		&rec.ResponseID,
		&rec.QueryID,
		&userID,
		&sessionID,
		&rec.Message,
		&content,
		&queryType,
		&providerUsed,
		&fingerprint,
		&cached,
		&refused,
		&degraded,
		&qualityScore,
		&risk,
		&correlationID,
		&latencyMS,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.UserID = userID.String
	rec.SessionID = sessionID.String
	rec.Content = content.String
	rec.QueryType = queryType.String
	rec.ProviderUsed = providerUsed.String
	rec.Fingerprint = fingerprint.String
	rec.HallucinationRisk = risk.String
	rec.CorrelationID = correlationID.String
	rec.QualityScore = qualityScore.Float64
	rec.LatencyMS = int(latencyMS.Int64)
	rec.Cached = cached != 0
	rec.Refused = refused != 0
	rec.Degraded = degraded != 0
	rec.CreatedAt = time.Unix(createdAt, 0)

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
