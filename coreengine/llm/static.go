package llm

import "context"

// StaticProvider is the offline provider. Every call fails with
// ErrProviderUnavailable so the agents fall back to their keyword and
// template paths.
type StaticProvider struct{}

// NewStaticProvider creates a StaticProvider.
func NewStaticProvider() *StaticProvider { return &StaticProvider{} }

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrProviderUnavailable
}
