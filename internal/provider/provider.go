// Package provider defines the LLM provider interface and implementations.
package provider

import (
	"context"
	"errors"
)

// ErrProviderNotFound is returned when a requested provider doesn't exist.
var ErrProviderNotFound = errors.New("provider not found")

// ReasoningMode selects how much reasoning effort a completion should use.
// Providers that do not support reasoning modes ignore the value.
type ReasoningMode string

const (
	ModeShort     ReasoningMode = "Short"
	ModeOptimized ReasoningMode = "Optimized"
	ModeMultiStep ReasoningMode = "Multi-Step"
	ModeComplete  ReasoningMode = "Complete"
)

// Message represents a chat message.
type Message struct {
	Role    string
	Content string
}

// CompleteOptions tunes a single-prompt completion.
type CompleteOptions struct {
	MaxTokens   int
	Temperature float64
	Mode        ReasoningMode
}

// ChatOptions tunes a chat completion.
type ChatOptions struct {
	MaxTokens   int
	Temperature float64
}

// Provider defines the interface for LLM providers.
type Provider interface {
	// Name returns the provider's identifier.
	Name() string

	// Complete completes a single prompt.
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)

	// Chat sends a system prompt plus conversation messages and returns the reply.
	Chat(ctx context.Context, system string, messages []Message, opts ChatOptions) (string, error)

	// Embed returns an embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Close releases the provider's HTTP resources.
	Close() error
}

// Registry holds available providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
