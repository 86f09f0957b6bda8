package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("queryrouter/llm")

// Client is the instrumented entry point the agents use. It applies the
// per-call timeout, records metrics and a span, and rejects empty output.
type Client struct {
	provider    Provider
	model       string
	maxTokens   int
	temperature float64
	logger      observability.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int) ClientOption { return func(c *Client) { c.maxTokens = n } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ClientOption { return func(c *Client) { c.temperature = t } }

// WithLogger sets the logger.
func WithLogger(l observability.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// NewClient creates a Client over provider.
func NewClient(provider Provider, model string, opts ...ClientOption) *Client {
	c := &Client{
		provider:  provider,
		model:     model,
		maxTokens: 1024,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Bind("component", "llm", "provider", provider.Name())
	return c
}

// ProviderName returns the wrapped provider's name.
func (c *Client) ProviderName() string { return c.provider.Name() }

// Complete sends system and user prompts (plus optional prior turns) and
// returns the trimmed response text.
func (c *Client) Complete(ctx context.Context, purpose string, timeout time.Duration, system string, turns ...Message) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", c.provider.Name()),
		attribute.String("llm.model", c.model),
		attribute.String("llm.purpose", purpose),
	)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	messages := make([]Message, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, turns...)

	start := time.Now()
	resp, err := c.provider.Chat(ctx, &ChatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Purpose:     purpose,
	})
	durationMS := int(time.Since(start).Milliseconds())

	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = "timeout"
		}
		observability.RecordLLMCall(c.provider.Name(), purpose, status, durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("llm_call_failed", "purpose", purpose, "status", status, "error", err.Error(), "duration_ms", durationMS)
		return "", fmt.Errorf("%s call: %w", purpose, err)
	}

	observability.RecordLLMCall(c.provider.Name(), purpose, "success", durationMS)
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "success")
	c.logger.Debug("llm_call_completed",
		"purpose", purpose,
		"duration_ms", durationMS,
		"response_preview", Truncate(resp.Content, 200),
	)
	return strings.TrimSpace(resp.Content), nil
}

// CompleteJSON is Complete followed by ExtractJSON.
func (c *Client) CompleteJSON(ctx context.Context, purpose string, timeout time.Duration, system string, turns ...Message) (map[string]any, error) {
	text, err := c.Complete(ctx, purpose, timeout, system, turns...)
	if err != nil {
		return nil, err
	}
	out, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", purpose, err)
	}
	return out, nil
}

// User is shorthand for a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant is shorthand for an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
