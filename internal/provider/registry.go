package provider

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/pkg/circuitbreaker"
	"github.com/chat-sentinel/backend/pkg/logger"
)

// Descriptor is the registry's view of one configured provider. Created at
// startup, never destroyed, mutated in place under the registry lock.
type Descriptor struct {
	Name         string
	Priority     int
	Capabilities []Capability
	Provider     Provider
	Breaker      *circuitbreaker.CircuitBreaker

	Healthy       bool
	Degraded      bool
	LastFailure   time.Time
	TotalCalls    uint64
	TotalFailures uint64
}

type DescriptorStatus struct {
	Name          string `json:"name"`
	Priority      int    `json:"priority"`
	Healthy       bool   `json:"healthy"`
	Degraded      bool   `json:"degraded"`
	CircuitState  string `json:"circuit_state"`
	TotalCalls    uint64 `json:"total_calls"`
	TotalFailures uint64 `json:"total_failures"`
}

type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]*Descriptor),
	}
}

func (r *Registry) Register(p Provider, priority int, breaker *circuitbreaker.CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.descriptors[p.Name()] = &Descriptor{
		Name:         p.Name(),
		Priority:     priority,
		Capabilities: p.Capabilities(),
		Provider:     p,
		Breaker:      breaker,
		Healthy:      true,
	}

	logger.Info("Provider registered",
		zap.String("provider", p.Name()),
		zap.Int("priority", priority),
	)
}

// Eligible returns providers with the requested capability, ordered by
// priority, excluding degraded providers and open circuits.
func (r *Registry) Eligible(capability Capability) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var eligible []*Descriptor
	for _, d := range r.descriptors {
		if d.Degraded {
			continue
		}
		if !hasCapability(d.Capabilities, capability) {
			continue
		}
		if d.Breaker != nil && d.Breaker.State() == circuitbreaker.StateOpen {
			continue
		}
		eligible = append(eligible, d)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})

	return eligible
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[name]
	return d, ok
}

func (r *Registry) RecordOutcome(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.descriptors[name]
	if !ok {
		return
	}

	d.TotalCalls++
	if success {
		d.Healthy = true
		return
	}
	d.TotalFailures++
	d.Healthy = false
	d.LastFailure = time.Now()
}

// MarkDegraded removes a provider from the eligible set until an external
// health check clears it. Used for fatal (auth/config) failures.
func (r *Registry) MarkDegraded(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.descriptors[name]
	if !ok || d.Degraded {
		return
	}
	d.Degraded = true
	d.Healthy = false

	logger.Warn("Provider marked degraded", zap.String("provider", name))
}

func (r *Registry) ClearDegraded(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.descriptors[name]; ok {
		d.Degraded = false
		d.Healthy = true
	}
}

func (r *Registry) Status() []DescriptorStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]DescriptorStatus, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		s := DescriptorStatus{
			Name:          d.Name,
			Priority:      d.Priority,
			Healthy:       d.Healthy,
			Degraded:      d.Degraded,
			TotalCalls:    d.TotalCalls,
			TotalFailures: d.TotalFailures,
		}
		if d.Breaker != nil {
			s.CircuitState = d.Breaker.State().String()
		}
		statuses = append(statuses, s)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Priority < statuses[j].Priority
	})

	return statuses
}
