package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/pkg/logger"
)

type AnthropicProvider struct {
	client       anthropic.Client
	name         string
	model        string
	maxTokens    int
	timeout      time.Duration
	capabilities []Capability
}

func NewAnthropicProvider(name, apiKey, model string, maxTokens int, timeout time.Duration) *AnthropicProvider {
	logger.Info("Anthropic provider initialized",
		zap.String("name", name),
		zap.String("model", model),
	)

	if maxTokens == 0 {
		maxTokens = 4096
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		name:         name,
		model:        model,
		maxTokens:    maxTokens,
		timeout:      timeout,
		capabilities: []Capability{CapabilityChat},
	}
}

func (p *AnthropicProvider) Name() string {
	return p.name
}

func (p *AnthropicProvider) Capabilities() []Capability {
	return p.capabilities
}

func (p *AnthropicProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	})
	if err != nil {
		return nil, p.classifyError(err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			logger.Debug("Anthropic completion generated",
				zap.String("provider", p.name),
				zap.Int64("input_tokens", message.Usage.InputTokens),
				zap.Int64("output_tokens", message.Usage.OutputTokens),
			)
			return &Response{
				Content: block.Text,
				Model:   p.model,
				Usage: Usage{
					PromptTokens:     int(message.Usage.InputTokens),
					CompletionTokens: int(message.Usage.OutputTokens),
					TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
				},
			}, nil
		}
	}

	return nil, fmt.Errorf("provider %s returned no text content", p.name)
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("provider %s health check failed: %w", p.name, err)
	}
	return nil
}

func (p *AnthropicProvider) classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return &FatalError{Provider: p.name, Err: err}
		case apiErr.StatusCode == 429:
			return fmt.Errorf("provider %s: %w: %w", p.name, ErrThrottled, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("provider %s transient error: %w", p.name, err)
		}
	}
	return fmt.Errorf("provider %s call failed: %w", p.name, err)
}
