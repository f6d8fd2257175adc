package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ASIProvider implements the Provider interface for the ASI-1 Mini API.
// The API is OpenAI-compatible with a reasoning_mode extension on chat
// completions, so requests are built by hand rather than through the SDK.
type ASIProvider struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewASI creates a new ASI-1 Mini provider.
func NewASI(endpoint, apiKey, model string, limiter *rate.Limiter) *ASIProvider {
	return &ASIProvider{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 18 * time.Second},
		limiter:    limiter,
	}
}

// Name returns the provider identifier.
func (p *ASIProvider) Name() string {
	return "asi"
}

type asiChatRequest struct {
	Model         string       `json:"model"`
	Messages      []asiMessage `json:"messages"`
	ReasoningMode string       `json:"reasoning_mode,omitempty"`
	MaxTokens     int          `json:"max_tokens,omitempty"`
	Temperature   float64      `json:"temperature,omitempty"`
}

type asiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type asiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type asiEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type asiEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Complete completes a single prompt, carrying the reasoning mode through
// to the API when one is set.
func (p *ASIProvider) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	req := asiChatRequest{
		Model:         p.model,
		Messages:      []asiMessage{{Role: "user", Content: prompt}},
		ReasoningMode: string(opts.Mode),
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
	}
	return p.createChatCompletion(ctx, req)
}

// Chat sends a system prompt plus conversation messages.
func (p *ASIProvider) Chat(ctx context.Context, system string, messages []Message, opts ChatOptions) (string, error) {
	msgs := make([]asiMessage, 0, len(messages)+1)
	msgs = append(msgs, asiMessage{Role: "system", Content: system})
	for _, m := range messages {
		msgs = append(msgs, asiMessage{Role: m.Role, Content: m.Content})
	}

	req := asiChatRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	return p.createChatCompletion(ctx, req)
}

func (p *ASIProvider) createChatCompletion(ctx context.Context, req asiChatRequest) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	body, err := p.post(ctx, "/chat/completions", req)
	if err != nil {
		return "", err
	}

	var resp asiChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no response choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// Embed returns an embedding vector for the text.
func (p *ASIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := p.post(ctx, "/embeddings", asiEmbeddingRequest{
		Model: p.model,
		Input: text,
	})
	if err != nil {
		return nil, err
	}

	var resp asiEmbeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data")
	}

	return resp.Data[0].Embedding, nil
}

func (p *ASIProvider) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("path", path).
			Msg("ASI API request failed")
		return nil, fmt.Errorf("asi api http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

// Close releases the HTTP client's idle connections.
func (p *ASIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
