package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/cache"
	"github.com/chat-sentinel/backend/internal/metrics"
	"github.com/chat-sentinel/backend/pkg/logger"
)

// FeedbackStore is the persistence surface the collector needs. Writes
// are append-only.
type FeedbackStore interface {
	SaveFeedback(ctx context.Context, fb Feedback) error
	FeedbackSince(ctx context.Context, since time.Time) ([]Feedback, error)
	FingerprintForResponse(ctx context.Context, responseID string) (string, bool, error)
}

// Collector buffers feedback off the request path. Submit never blocks:
// when the buffer is full the event is dropped and counted, because a
// slow disk must not slow down chat traffic.
type Collector struct {
	store    FeedbackStore
	cache    *cache.ResponseCache
	events   chan Feedback
	done     chan struct{}
	wg       sync.WaitGroup
	cron     *cron.Cron
	schedule string

	mu       sync.RWMutex
	patterns []LearningPattern
	window   time.Duration
}

func NewCollector(store FeedbackStore, responseCache *cache.ResponseCache, bufferSize int, aggregateSchedule string) *Collector {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if aggregateSchedule == "" {
		aggregateSchedule = "@every 10m"
	}
	return &Collector{
		store:    store,
		cache:    responseCache,
		events:   make(chan Feedback, bufferSize),
		done:     make(chan struct{}),
		schedule: aggregateSchedule,
		window:   24 * time.Hour,
	}
}

func (c *Collector) Start() error {
	c.wg.Add(1)
	go c.consume()

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.Aggregate(ctx)
	}); err != nil {
		return err
	}
	c.cron.Start()

	logger.Info("Feedback collector started", zap.String("aggregate_schedule", c.schedule))
	return nil
}

func (c *Collector) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
	close(c.done)
	c.wg.Wait()
}

// Submit validates and enqueues one feedback event. The returned ID is
// assigned before queuing so the caller can reference it immediately.
func (c *Collector) Submit(fb Feedback) (string, bool) {
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.Timestamp.IsZero() {
		fb.Timestamp = time.Now()
	}

	select {
	case c.events <- fb:
		metrics.FeedbackReceived.WithLabelValues(string(fb.Type)).Inc()
		return fb.ID, true
	default:
		logger.Warn("Feedback buffer full, event dropped",
			zap.String("response_id", fb.ResponseID),
			zap.String("type", string(fb.Type)),
		)
		return fb.ID, false
	}
}

func (c *Collector) consume() {
	defer c.wg.Done()
	for {
		select {
		case fb := <-c.events:
			c.process(fb)
		case <-c.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case fb := <-c.events:
					c.process(fb)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) process(fb Feedback) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.store != nil {
		if err := c.store.SaveFeedback(ctx, fb); err != nil {
			logger.Error("Failed to persist feedback", zap.Error(err), zap.String("feedback_id", fb.ID))
		}
	}

	// A correction invalidates the cached response it refers to so the
	// bad answer cannot be served again.
	if fb.Type == FeedbackCorrection || fb.Type == FeedbackFlag {
		c.invalidateCached(ctx, fb.ResponseID)
	}
}

func (c *Collector) invalidateCached(ctx context.Context, responseID string) {
	if c.store == nil || c.cache == nil {
		return
	}
	fingerprint, found, err := c.store.FingerprintForResponse(ctx, responseID)
	if err != nil {
		logger.Error("Failed to resolve response fingerprint", zap.Error(err), zap.String("response_id", responseID))
		return
	}
	if !found {
		return
	}
	if err := c.cache.Invalidate(ctx, fingerprint); err != nil {
		logger.Error("Failed to invalidate cached response", zap.Error(err), zap.String("fingerprint", fingerprint))
		return
	}
	logger.Info("Cached response invalidated by correction",
		zap.String("response_id", responseID),
		zap.String("fingerprint", fingerprint),
	)
}

// Aggregate recomputes learning patterns over the recent feedback
// window. Runs on a schedule, never per event.
func (c *Collector) Aggregate(ctx context.Context) {
	if c.store == nil {
		return
	}
	rows, err := c.store.FeedbackSince(ctx, time.Now().Add(-c.window))
	if err != nil {
		logger.Error("Feedback aggregation failed", zap.Error(err))
		return
	}

	counts := make(map[FeedbackType]int)
	for _, fb := range rows {
		counts[fb.Type]++
	}
	total := len(rows)

	var patterns []LearningPattern
	for _, ft := range []FeedbackType{FeedbackNegative, FeedbackCorrection, FeedbackFlag, FeedbackPositive} {
		n := counts[ft]
		if n == 0 {
			continue
		}
		patterns = append(patterns, LearningPattern{
			Type:                 ft,
			Frequency:            n,
			Confidence:           float64(n) / float64(total),
			SuggestedPreventions: preventionsFor(ft, n, total),
		})
	}

	c.mu.Lock()
	c.patterns = patterns
	c.mu.Unlock()

	logger.Info("Feedback patterns aggregated",
		zap.Int("events", total),
		zap.Int("patterns", len(patterns)),
	)
}

func (c *Collector) Patterns() []LearningPattern {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LearningPattern, len(c.patterns))
	copy(out, c.patterns)
	return out
}

func preventionsFor(ft FeedbackType, n, total int) []string {
	ratio := float64(n) / float64(total)
	switch ft {
	case FeedbackCorrection:
		if ratio > 0.2 {
			return []string{"raise validation level to strict for factual queries", "expand knowledge base coverage"}
		}
		return []string{"review corrected responses for recurring topics"}
	case FeedbackNegative:
		if ratio > 0.3 {
			return []string{"review provider priority ordering", "lower cache TTL for affected fingerprints"}
		}
		return nil
	case FeedbackFlag:
		return []string{"audit flagged responses for safety-filter gaps"}
	default:
		return nil
	}
}
