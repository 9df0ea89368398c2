package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Limits struct {
	PerMinute int
	PerDay    int
}

type window struct {
	limit  int
	span   time.Duration
	stamps []time.Time
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}

func (w *window) headroom(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}
	w.prune(now)
	return len(w.stamps) < w.limit
}

func (w *window) retryAfter(now time.Time) time.Duration {
	if w.limit <= 0 {
		return 0
	}
	w.prune(now)
	if len(w.stamps) < w.limit {
		return 0
	}
	return w.stamps[0].Add(w.span).Sub(now)
}

type entry struct {
	mu     sync.Mutex
	minute window
	day    window
}

// Tracker answers "may I call this provider now" against two sliding
// windows per provider. A call is permitted only when both windows have
// headroom. Exhaustion here means throttled, never unhealthy.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
	now     func() time.Time
}

type Config struct {
	Logger *zap.Logger
	Clock  func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	t := &Tracker{
		entries: make(map[string]*entry),
		logger:  cfg.Logger,
		now:     cfg.Clock,
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t *Tracker) Configure(provider string, limits Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[provider] = &entry{
		minute: window{limit: limits.PerMinute, span: time.Minute},
		day:    window{limit: limits.PerDay, span: 24 * time.Hour},
	}
}

func (t *Tracker) get(provider string) *entry {
	t.mu.RLock()
	e, ok := t.entries[provider]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[provider]; ok {
		return e
	}
	e = &entry{
		minute: window{span: time.Minute},
		day:    window{span: 24 * time.Hour},
	}
	t.entries[provider] = e
	return e
}

func (t *Tracker) MayCall(provider string) bool {
	e := t.get(provider)
	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	allowed := e.minute.headroom(now) && e.day.headroom(now)
	if !allowed {
		t.logger.Debug("Provider throttled",
			zap.String("provider", provider),
			zap.Int("minute_window", len(e.minute.stamps)),
			zap.Int("day_window", len(e.day.stamps)),
		)
	}
	return allowed
}

func (t *Tracker) Record(provider string, at time.Time) {
	e := t.get(provider)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.minute.stamps = append(e.minute.stamps, at)
	e.day.stamps = append(e.day.stamps, at)
}

// RetryAfter reports how long until the provider has headroom again.
// Zero means the provider may be called now.
func (t *Tracker) RetryAfter(provider string) time.Duration {
	e := t.get(provider)
	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	minuteWait := e.minute.retryAfter(now)
	dayWait := e.day.retryAfter(now)
	if dayWait > minuteWait {
		return dayWait
	}
	return minuteWait
}
