package domain

import "context"

// LLMProvider is the interface for any LLM completion endpoint.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the endpoint label (e.g., "local", "openrouter").
	Name() string
}
