package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *ResponseCache {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewResponseCacheFromClient(client, time.Hour)
}

func TestCacheRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	err := c.Set(ctx, Entry{
		Fingerprint:       "fp-1",
		Content:           "Paris is the capital of France.",
		Provider:          "openai",
		OverallScore:      0.92,
		HallucinationRisk: "low",
		RequiresFacts:     true,
		CreatedAt:         time.Now(),
	})
	require.NoError(t, err)

	entry, found, err := c.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Paris is the capital of France.", entry.Content)
	assert.Equal(t, "openai", entry.Provider)
	assert.Equal(t, 0.92, entry.OverallScore)
}

func TestCacheMissOnUnknownFingerprint(t *testing.T) {
	c := newTestCache(t)

	_, found, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheRefusesHighRiskFactualEntries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	err := c.Set(ctx, Entry{
		Fingerprint:       "fp-risky",
		Content:           "The capital of France is Lyon.",
		Provider:          "openai",
		OverallScore:      0.3,
		HallucinationRisk: "high",
		RequiresFacts:     true,
		CreatedAt:         time.Now(),
	})
	require.NoError(t, err)

	_, found, err := c.Get(ctx, "fp-risky")
	require.NoError(t, err)
	assert.False(t, found, "high-risk factual entries must not be served without revalidation")
}

func TestCacheServesHighRiskNonFactualEntries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	err := c.Set(ctx, Entry{
		Fingerprint:       "fp-creative",
		Content:           "Once upon a time...",
		HallucinationRisk: "high",
		RequiresFacts:     false,
		CreatedAt:         time.Now(),
	})
	require.NoError(t, err)

	_, found, err := c.Get(ctx, "fp-creative")
	require.NoError(t, err)
	assert.True(t, found, "creative content is exempt from the revalidation guard")
}

func TestCacheInvalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Entry{Fingerprint: "fp-2", Content: "stale"}))

	_, found, err := c.Get(ctx, "fp-2")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, c.Invalidate(ctx, "fp-2"))

	_, found, err = c.Get(ctx, "fp-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheHitCount(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Entry{Fingerprint: "fp-3", Content: "hello"}))

	for i := 0; i < 3; i++ {
		_, found, err := c.Get(ctx, "fp-3")
		require.NoError(t, err)
		require.True(t, found)
	}

	hits, err := c.HitCount(ctx, "fp-3")
	require.NoError(t, err)
	assert.Equal(t, int64(3), hits)
}

func TestClassificationRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	type classification struct {
		Type       string `json:"type"`
		Complexity int    `json:"complexity"`
	}

	stored := classification{Type: "factual", Complexity: 2}
	require.NoError(t, c.SetClassification(ctx, "hash-1", stored))

	var loaded classification
	found, err := c.GetClassification(ctx, "hash-1", &loaded)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, stored, loaded)

	found, err = c.GetClassification(ctx, "hash-absent", &loaded)
	require.NoError(t, err)
	assert.False(t, found)
}
