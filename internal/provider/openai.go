package provider

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIProvider implements the Provider interface through the OpenAI SDK.
// Reasoning modes are not part of the OpenAI API and are ignored.
type OpenAIProvider struct {
	client         *openai.Client
	model          string
	embeddingModel string
	limiter        *rate.Limiter
}

// NewOpenAI creates a new OpenAI provider.
func NewOpenAI(endpoint, apiKey, model, embeddingModel string, limiter *rate.Limiter) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		config.BaseURL = endpoint
	}
	if embeddingModel == "" {
		embeddingModel = string(openai.SmallEmbedding3)
	}

	return &OpenAIProvider{
		client:         openai.NewClientWithConfig(config),
		model:          model,
		embeddingModel: embeddingModel,
		limiter:        limiter,
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete completes a single prompt.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	return p.chat(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, opts.MaxTokens, opts.Temperature)
}

// Chat sends a system prompt plus conversation messages.
func (p *OpenAIProvider) Chat(ctx context.Context, system string, messages []Message, opts ChatOptions) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return p.chat(ctx, msgs, opts.MaxTokens, opts.Temperature)
}

func (p *OpenAIProvider) chat(ctx context.Context, msgs []openai.ChatCompletionMessage, maxTokens int, temperature float64) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: float32(temperature),
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no response choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// Embed returns an embedding vector for the text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.embeddingModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data")
	}

	return resp.Data[0].Embedding, nil
}

// Close is a no-op; the SDK manages its own transport.
func (p *OpenAIProvider) Close() error {
	return nil
}
