package provider

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/lovediary/agentd/internal/config"
)

// FromConfig builds a registry with every provider that has credentials configured.
func FromConfig(cfg *config.Config) *Registry {
	registry := NewRegistry()

	if pc, ok := cfg.Provider["asi"]; ok && pc.APIKey != "" {
		registry.Register(NewASI(pc.Endpoint, pc.APIKey, pc.Model, newLimiter(pc)))
	}

	if pc, ok := cfg.Provider["openai"]; ok && pc.APIKey != "" {
		registry.Register(NewOpenAI(pc.Endpoint, pc.APIKey, pc.Model, pc.EmbeddingModel, newLimiter(pc)))
	}

	return registry
}

// Active returns the provider selected by the configuration.
func Active(cfg *config.Config, registry *Registry) (Provider, error) {
	p, err := registry.Get(cfg.LLM.Provider)
	if err != nil {
		return nil, fmt.Errorf("llm provider %q: %w", cfg.LLM.Provider, err)
	}
	return p, nil
}

func newLimiter(pc config.ProviderConfig) *rate.Limiter {
	if pc.RateLimit <= 0 {
		return nil
	}
	burst := pc.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(pc.RateLimit), burst)
}
