// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the root configuration structure.
type Config struct {
	Service  ServiceConfig             `toml:"service"`
	Agents   AgentsConfig              `toml:"agents"`
	LLM      LLMConfig                 `toml:"llm"`
	Provider map[string]ProviderConfig `toml:"providers"`
	Database DatabaseConfig            `toml:"database"`
	Chain    ChainConfig               `toml:"chain"`
}

// ServiceConfig holds HTTP gateway settings.
type ServiceConfig struct {
	ListenAddr   string `toml:"listen_addr"`
	ServiceToken string `toml:"service_token"`
}

// AgentsConfig holds agent pool tuning.
type AgentsConfig struct {
	IdleTimeoutSecs   int `toml:"idle_timeout_secs"`
	SweepIntervalSecs int `toml:"sweep_interval_secs"`
	MaxResident       int `toml:"max_resident"`
}

// LLMConfig selects the active provider.
type LLMConfig struct {
	Provider string `toml:"provider"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Endpoint       string  `toml:"endpoint"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	EmbeddingModel string  `toml:"embedding_model"`
	Temperature    float64 `toml:"temperature"`
	RateLimit      float64 `toml:"rate_limit"`
	RateBurst      int     `toml:"rate_burst"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ChainConfig holds blockchain RPC settings.
type ChainConfig struct {
	RPCURL           string `toml:"rpc_url"`
	NFTAddress       string `toml:"nft_address"`
	LoveTokenAddress string `toml:"love_token_address"`
}

// IdleTimeout returns the agent idle threshold as a duration.
func (c AgentsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// SweepInterval returns the hibernation sweep interval as a duration.
func (c AgentsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ListenAddr:   ":8000",
			ServiceToken: "change-me-in-production",
		},
		Agents: AgentsConfig{
			IdleTimeoutSecs:   3600,
			SweepIntervalSecs: 300,
			MaxResident:       50,
		},
		LLM: LLMConfig{
			Provider: "asi",
		},
		Provider: map[string]ProviderConfig{
			"asi": {
				Endpoint:    "https://api.asi1.ai/v1",
				Model:       "asi1-mini",
				Temperature: 0.8,
				RateLimit:   10.0,
				RateBurst:   5,
			},
			"openai": {
				Endpoint:       "https://api.openai.com/v1",
				Model:          "gpt-4o-mini",
				EmbeddingModel: "text-embedding-3-small",
				Temperature:    0.8,
				RateLimit:      10.0,
				RateBurst:      5,
			},
		},
		Database: DatabaseConfig{
			Path: "agentd.db",
		},
		Chain: ChainConfig{
			RPCURL: "https://sepolia.base.org",
		},
	}
}

// Load reads configuration from a TOML file and applies environment variable overrides.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, err
			}
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTD_LISTEN_ADDR"); v != "" {
		cfg.Service.ListenAddr = v
	}
	if v := os.Getenv("AGENT_SERVICE_SECRET"); v != "" {
		cfg.Service.ServiceToken = v
	}
	if v := os.Getenv("AGENT_IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agents.IdleTimeoutSecs = n
		}
	}
	if v := os.Getenv("AGENT_HIBERNATION_CHECK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agents.SweepIntervalSecs = n
		}
	}
	if v := os.Getenv("MAX_ACTIVE_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agents.MaxResident = n
		}
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("ASI_MINI_API_KEY"); v != "" {
		if p, ok := cfg.Provider["asi"]; ok {
			p.APIKey = v
			cfg.Provider["asi"] = p
		}
	}
	if v := os.Getenv("ASI_MINI_API_URL"); v != "" {
		if p, ok := cfg.Provider["asi"]; ok {
			p.Endpoint = v
			cfg.Provider["asi"] = p
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if p, ok := cfg.Provider["openai"]; ok {
			p.APIKey = v
			cfg.Provider["openai"] = p
		}
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BASE_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("CHARACTER_NFT_ADDRESS"); v != "" {
		cfg.Chain.NFTAddress = v
	}
	if v := os.Getenv("LOVE_TOKEN_ADDRESS"); v != "" {
		cfg.Chain.LoveTokenAddress = v
	}
}
