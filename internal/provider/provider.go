package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityEmbeddings Capability = "embeddings"
)

// ErrThrottled marks a provider that is over its configured rate window.
// Throttled is a distinct failure mode from unhealthy: it never counts
// against the circuit breaker.
var ErrThrottled = errors.New("provider rate limit exhausted")

// FatalError covers auth and malformed-request failures. They are never
// retried and degrade the provider for the rest of the process lifetime.
type FatalError struct {
	Provider string
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("provider %s fatal error: %v", e.Provider, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

type Request struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type Response struct {
	Content string
	Model   string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider wraps one upstream model endpoint behind a uniform contract.
type Provider interface {
	Name() string
	Capabilities() []Capability
	Invoke(ctx context.Context, req Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

func hasCapability(caps []Capability, want Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
