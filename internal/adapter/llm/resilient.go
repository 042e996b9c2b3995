package llm

import (
	"context"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/usecase/resilience"
)

// ResilientProvider wraps an LLMProvider so every Chat call runs through
// the endpoint's circuit breaker (label "llm:<name>") and the retry policy.
type ResilientProvider struct {
	inner  domain.LLMProvider
	policy *resilience.Policy
	label  string
}

// NewResilientProvider wraps inner with policy.
func NewResilientProvider(inner domain.LLMProvider, policy *resilience.Policy) *ResilientProvider {
	return &ResilientProvider{
		inner:  inner,
		policy: policy,
		label:  BreakerLabel(inner.Name()),
	}
}

// BreakerLabel returns the breaker label used for an endpoint.
func BreakerLabel(endpoint string) string { return "llm:" + endpoint }

// Chat implements domain.LLMProvider.
func (p *ResilientProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return resilience.Protect(ctx, p.policy, p.label, func(ctx context.Context) (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
}

// Name implements domain.LLMProvider.
func (p *ResilientProvider) Name() string { return p.inner.Name() }

var (
	_ domain.LLMProvider = (*ResilientProvider)(nil)
	_ domain.LLMProvider = (*OpenAIProvider)(nil)
)
