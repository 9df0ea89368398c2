package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/pkg/logger"
)

// Entry is one cached orchestration outcome, keyed by query fingerprint.
type Entry struct {
	Fingerprint       string    `json:"fingerprint"`
	Content           string    `json:"content"`
	Provider          string    `json:"provider"`
	OverallScore      float64   `json:"overall_score"`
	HallucinationRisk string    `json:"hallucination_risk"`
	RequiresFacts     bool      `json:"requires_facts"`
	CreatedAt         time.Time `json:"created_at"`
}

type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewResponseCache(host string, port int, password string, db int, ttl time.Duration) (*ResponseCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}

	logger.Info("Response cache initialized",
		zap.String("addr", fmt.Sprintf("%s:%d", host, port)),
		zap.Duration("ttl", ttl),
	)

	return &ResponseCache{client: client, ttl: ttl}, nil
}

// NewResponseCacheFromClient wires an existing redis client, used by tests.
func NewResponseCacheFromClient(client *redis.Client, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCache{client: client, ttl: ttl}
}

func (c *ResponseCache) Close() error {
	return c.client.Close()
}

func responseKey(fingerprint string) string {
	return "response:" + fingerprint
}

func hitsKey(fingerprint string) string {
	return "response:" + fingerprint + ":hits"
}

// Get returns a live entry for the fingerprint. Entries that carried a
// high hallucination risk on a fact-requiring query are never served
// without revalidation, so they report a miss here.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	data, err := c.client.Get(ctx, responseKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	if entry.RequiresFacts && entry.HallucinationRisk == "high" {
		logger.Debug("Cache entry requires revalidation, treating as miss",
			zap.String("fingerprint", fingerprint),
		)
		return nil, false, nil
	}

	hits, _ := c.client.Incr(ctx, hitsKey(fingerprint)).Result()

	logger.Debug("Cache hit",
		zap.String("fingerprint", fingerprint),
		zap.Int64("hits", hits),
	)

	return &entry, true, nil
}

// Set stores the entry with the cache TTL. Writes are idempotent;
// last-writer-wins on a racing miss is acceptable.
func (c *ResponseCache) Set(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := c.client.Set(ctx, responseKey(entry.Fingerprint), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	c.client.Expire(ctx, hitsKey(entry.Fingerprint), c.ttl)

	logger.Debug("Response cached",
		zap.String("fingerprint", entry.Fingerprint),
		zap.String("provider", entry.Provider),
	)
	return nil
}

// Invalidate drops the entry for a fingerprint. Called when feedback
// flags the cached content as incorrect.
func (c *ResponseCache) Invalidate(ctx context.Context, fingerprint string) error {
	if err := c.client.Del(ctx, responseKey(fingerprint), hitsKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}

	logger.Info("Cache entry invalidated", zap.String("fingerprint", fingerprint))
	return nil
}

func (c *ResponseCache) HitCount(ctx context.Context, fingerprint string) (int64, error) {
	val, err := c.client.Get(ctx, hitsKey(fingerprint)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// SetClassification caches a query classification by content hash so
// repeated inputs skip reclassification.
func (c *ResponseCache) SetClassification(ctx context.Context, contentHash string, classification interface{}) error {
	data, err := json.Marshal(classification)
	if err != nil {
		return fmt.Errorf("failed to marshal classification: %w", err)
	}
	return c.client.Set(ctx, "classification:"+contentHash, data, c.ttl).Err()
}

func (c *ResponseCache) GetClassification(ctx context.Context, contentHash string, out interface{}) (bool, error) {
	data, err := c.client.Get(ctx, "classification:"+contentHash).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get classification: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal classification: %w", err)
	}
	return true, nil
}
