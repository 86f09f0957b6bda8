// Package llm wraps the chat-completion providers the agents call for
// classification, decomposition, query generation and data engineering.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
)

// Role is the speaker of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one chat message.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Purpose labels the call in metrics and traces ("classify", "decompose", ...).
	Purpose string
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is a provider-neutral completion response.
type ChatResponse struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
}

// Provider is implemented by every LLM backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

var (
	// ErrProviderUnavailable is returned when no model can be reached.
	ErrProviderUnavailable = errors.New("llm provider unavailable")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("llm returned an empty response")
)

// NewProvider builds the provider selected in settings.
func NewProvider(ctx context.Context, s config.LLMSettings) (Provider, error) {
	switch s.Provider {
	case "openai":
		return NewOpenAIProvider(s.APIKey), nil
	case "anthropic":
		return NewAnthropicProvider(s.APIKey), nil
	case "gemini":
		p, err := NewGeminiProvider(ctx, s.APIKey)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "static", "":
		return NewStaticProvider(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", s.Provider)
	}
}

// splitSystem returns the concatenated system messages and the rest.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
