package provider

import (
	"context"
)

// StaticProvider returns a fixed response for every invocation. Configured
// as the lowest-priority fallback it guarantees the chain always has a
// deterministic last resort; it is also the standard test double.
type StaticProvider struct {
	name    string
	content string
	caps    []Capability
}

func NewStaticProvider(name, content string) *StaticProvider {
	if content == "" {
		content = "I'm unable to reach my knowledge providers right now, so I can only give a limited answer. Please try again shortly."
	}
	return &StaticProvider{
		name:    name,
		content: content,
		caps:    []Capability{CapabilityChat},
	}
}

func (p *StaticProvider) Name() string {
	return p.name
}

func (p *StaticProvider) Capabilities() []Capability {
	return p.caps
}

func (p *StaticProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{
		Content: p.content,
		Model:   "static",
	}, nil
}

func (p *StaticProvider) HealthCheck(ctx context.Context) error {
	return nil
}
