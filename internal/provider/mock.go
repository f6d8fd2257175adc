package provider

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a scriptable provider for tests. Responses are consumed
// in order; when the script runs out the last response repeats.
type MockProvider struct {
	mu sync.Mutex

	ChatResponses     []string
	CompleteResponses []string
	EmbedVector       []float32

	ChatErr     error
	CompleteErr error
	EmbedErr    error

	// Delay is applied before every call returns, for concurrency tests.
	Delay time.Duration

	ChatCalls     int
	CompleteCalls int
	EmbedCalls    int

	LastSystem   string
	LastMessages []Message
	LastPrompt   string
}

// NewMock creates a mock provider with a single canned reply.
func NewMock(reply string) *MockProvider {
	return &MockProvider{
		ChatResponses:     []string{reply},
		CompleteResponses: []string{reply},
		EmbedVector:       []float32{0.1, 0.2, 0.3},
	}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string {
	return "mock"
}

// Complete returns the next scripted completion response.
func (m *MockProvider) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteCalls++
	m.LastPrompt = prompt
	if m.CompleteErr != nil {
		return "", m.CompleteErr
	}
	return nextResponse(m.CompleteResponses, m.CompleteCalls), nil
}

// Chat returns the next scripted chat response.
func (m *MockProvider) Chat(ctx context.Context, system string, messages []Message, opts ChatOptions) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ChatCalls++
	m.LastSystem = system
	m.LastMessages = append([]Message(nil), messages...)
	if m.ChatErr != nil {
		return "", m.ChatErr
	}
	return nextResponse(m.ChatResponses, m.ChatCalls), nil
}

// Embed returns the fixed embedding vector.
func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EmbedCalls++
	if m.EmbedErr != nil {
		return nil, m.EmbedErr
	}
	return append([]float32(nil), m.EmbedVector...), nil
}

// Counts returns the call counters, safely for concurrent readers.
func (m *MockProvider) Counts() (chat, complete, embed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChatCalls, m.CompleteCalls, m.EmbedCalls
}

// Close is a no-op.
func (m *MockProvider) Close() error {
	return nil
}

func nextResponse(responses []string, call int) string {
	if len(responses) == 0 {
		return ""
	}
	if call > len(responses) {
		return responses[len(responses)-1]
	}
	return responses[call-1]
}
