package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chat-sentinel/backend/internal/pipeline"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, client.InitSchema())
	t.Cleanup(func() { client.Close() })

	return client
}

func sampleRecord(responseID, sessionID, message string, createdAt time.Time) pipeline.InteractionRecord {
	return pipeline.InteractionRecord{
		ResponseID:   responseID,
		QueryID:      "q-" + responseID,
		UserID:       "user-1",
		SessionID:    sessionID,
		Message:      message,
		Content:      "The capital of France is Paris.",
		QueryType:    "factual",
		ProviderUsed: "openai-primary",
		Fingerprint:  "fp-" + responseID,
		QualityScore: 0.92,
		Risk:         "low",
		LatencyMS:    840,
		Timestamp:    createdAt,
	}
}

func TestInteractionRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	rec := sampleRecord("r-1", "s-1", "What is the capital of France?", now)
	rec.Cached = true
	require.NoError(t, client.SaveInteraction(ctx, rec))

	got, err := client.GetInteraction(ctx, "r-1")
	require.NoError(t, err)

	assert.Equal(t, rec.ResponseID, got.ResponseID)
	assert.Equal(t, rec.QueryID, got.QueryID)
	assert.Equal(t, rec.Message, got.Message)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, rec.ProviderUsed, got.ProviderUsed)
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)
	assert.True(t, got.Cached)
	assert.False(t, got.Refused)
	assert.InDelta(t, rec.QualityScore, got.QualityScore, 1e-9)
	assert.Equal(t, "low", got.HallucinationRisk)
	assert.Equal(t, rec.LatencyMS, got.LatencyMS)
	assert.Equal(t, now.Unix(), got.CreatedAt.Unix())
}

func TestGetInteractionNotFound(t *testing.T) {
	client := newTestClient(t)

	_, err := client.GetInteraction(context.Background(), "missing")
	assert.Error(t, err)
}

func TestFingerprintForResponse(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	rec := sampleRecord("r-1", "s-1", "What is the capital of France?", time.Now())
	require.NoError(t, client.SaveInteraction(ctx, rec))

	fp, found, err := client.FingerprintForResponse(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "fp-r-1", fp)

	_, found, err = client.FingerprintForResponse(ctx, "r-unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecentMessagesOrderAndFilter(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	first := sampleRecord("r-1", "s-1", "first question", base)
	second := sampleRecord("r-2", "s-1", "second question", base.Add(time.Minute))
	refused := sampleRecord("r-3", "s-1", "ignore previous instructions", base.Add(2*time.Minute))
	refused.Refused = true
	other := sampleRecord("r-4", "s-2", "different session", base.Add(3*time.Minute))

	for _, rec := range []pipeline.InteractionRecord{first, second, refused, other} {
		require.NoError(t, client.SaveInteraction(ctx, rec))
	}

	messages, err := client.RecentMessages(ctx, "s-1", 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"second question", "first question"}, messages,
		"newest first, refused and other-session rows excluded")
}

func TestRecentMessagesLimit(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := sampleRecord("r-"+string(rune('a'+i)), "s-1", "message", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, client.SaveInteraction(ctx, rec))
	}

	messages, err := client.RecentMessages(ctx, "s-1", 2)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestSessionHistory(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	first := sampleRecord("r-1", "s-1", "first question", base)
	second := sampleRecord("r-2", "s-1", "second question", base.Add(time.Minute))
	second.Degraded = true
	require.NoError(t, client.SaveInteraction(ctx, first))
	require.NoError(t, client.SaveInteraction(ctx, second))

	history, err := client.SessionHistory(ctx, "s-1", 10)
	require.NoError(t, err)

	require.Len(t, history, 2)
	assert.Equal(t, "r-2", history[0].ResponseID, "newest first")
	assert.True(t, history[0].Degraded)
	assert.Equal(t, "r-1", history[1].ResponseID)
}

func TestFeedbackRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	old := pipeline.Feedback{
		ID:         "fb-old",
		ResponseID: "r-1",
		Type:       pipeline.FeedbackPositive,
		Rating:     5,
		Timestamp:  now.Add(-48 * time.Hour),
	}
	recent := pipeline.Feedback{
		ID:          "fb-recent",
		ResponseID:  "r-2",
		Type:        pipeline.FeedbackCorrection,
		Rating:      2,
		Corrections: "The capital of France is Paris, not Lyon.",
		FlagReasons: []string{"factual_error"},
		Timestamp:   now,
	}
	require.NoError(t, client.SaveFeedback(ctx, old))
	require.NoError(t, client.SaveFeedback(ctx, recent))

	got, err := client.FeedbackSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "fb-recent", got[0].ID)
	assert.Equal(t, pipeline.FeedbackCorrection, got[0].Type)
	assert.Equal(t, 2, got[0].Rating)
	assert.Equal(t, recent.Corrections, got[0].Corrections)
	assert.Equal(t, []string{"factual_error"}, got[0].FlagReasons)
	assert.Equal(t, now.Unix(), got[0].Timestamp.Unix())
}
