package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/pkg/logger"
)

type OpenAIProvider struct {
	client       *openai.Client
	name         string
	model        string
	temperature  float32
	maxTokens    int
	timeout      time.Duration
	capabilities []Capability
}

func NewOpenAIProvider(name, apiKey, model string, temperature float32, maxTokens int, timeout time.Duration) *OpenAIProvider {
	logger.Info("OpenAI provider initialized",
		zap.String("name", name),
		zap.String("model", model),
	)

	return &OpenAIProvider{
		client:       openai.NewClient(apiKey),
		name:         name,
		model:        model,
		temperature:  temperature,
		maxTokens:    maxTokens,
		timeout:      timeout,
		capabilities: []Capability{CapabilityChat, CapabilityEmbeddings},
	}
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Capabilities() []Capability {
	return p.capabilities
}

func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	resp, err := p.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: p.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
			},
			Temperature: temperature,
			MaxTokens:   maxTokens,
		},
	)
	if err != nil {
		return nil, p.classifyError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("provider %s returned no choices", p.name)
	}

	logger.Debug("OpenAI completion generated",
		zap.String("provider", p.name),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("provider %s health check failed: %w", p.name, err)
	}
	return nil
}

func (p *OpenAIProvider) classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return &FatalError{Provider: p.name, Err: err}
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("provider %s: %w: %w", p.name, ErrThrottled, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("provider %s transient error: %w", p.name, err)
		}
	}
	// Timeouts and connection errors are retryable.
	return fmt.Errorf("provider %s call failed: %w", p.name, err)
}
