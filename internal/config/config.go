package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all conclave configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Engine limits and safety-layer settings
	Engine EngineConfig `yaml:"engine"`

	// Cost tiers
	Tiers TiersConfig `yaml:"tiers"`

	// Model gateway configuration
	Model ModelConfig `yaml:"model"`

	// Embedding backend configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Event pipeline configuration
	Events EventsConfig `yaml:"events"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig configures the model call gateway.
type ModelConfig struct {
	Provider string `yaml:"provider"` // genai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"` // per-call timeout, duration string

	// Pricing used for cost estimation, USD per 1M tokens.
	InputTokenPriceUSD  float64 `yaml:"input_token_price_usd"`
	OutputTokenPriceUSD float64 `yaml:"output_token_price_usd"`
}

// EmbeddingConfig configures the similarity backend.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "ollama" or "genai"
	Timeout  string `yaml:"timeout"`  // per-call timeout, duration string

	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "embeddinggemma"

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"
}

// EventsConfig configures the event publisher and bus.
type EventsConfig struct {
	CoalesceWindowMS    int `yaml:"coalesce_window_ms"`    // per-participant merge window (default 50)
	RetentionPerSession int `yaml:"retention_per_session"` // replay ring size (default 512)
	SubscriberBuffer    int `yaml:"subscriber_buffer"`     // channel depth per subscriber (default 64)
}

// LoggingConfig configures zap output.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Name:    "conclave",
		Version: "1.0",
		Engine:  DefaultEngine(),
		Tiers:   DefaultTiers(),
		Model: ModelConfig{
			Provider:            "genai",
			Model:               "gemini-2.0-flash",
			Timeout:             "120s",
			InputTokenPriceUSD:  0.10,
			OutputTokenPriceUSD: 0.40,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			Timeout:        "30s",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Events: EventsConfig{
			CoalesceWindowMS:    50,
			RetentionPerSession: 512,
			SubscriberBuffer:    64,
		},
	}
}

// Load reads configuration from a yaml file, starting from defaults and
// finishing with environment overrides. A missing file is not an error;
// defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies CONCLAVE_* environment variables on top of
// file values. Secrets are expected to arrive this way.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONCLAVE_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("CONCLAVE_MODEL"); v != "" {
		c.Model.Model = v
	}
	if v := os.Getenv("CONCLAVE_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("CONCLAVE_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("CONCLAVE_OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("CONCLAVE_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxRounds = n
		}
	}
	if v := os.Getenv("CONCLAVE_TIER"); v != "" {
		c.Tiers.Active = v
	}
	if v := os.Getenv("CONCLAVE_DEBUG"); v != "" {
		c.Logging.Debug = v == "1" || v == "true"
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Tiers.Validate(); err != nil {
		return err
	}
	switch c.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("embedding.provider must be 'ollama' or 'genai', got %q", c.Embedding.Provider)
	}
	if c.Events.CoalesceWindowMS < 0 {
		return fmt.Errorf("events.coalesce_window_ms must be >= 0")
	}
	if c.Events.RetentionPerSession < 1 {
		return fmt.Errorf("events.retention_per_session must be >= 1")
	}
	return nil
}
