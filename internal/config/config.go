// Package config handles configuration loading and validation.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration. It is passed explicitly
// into constructors; there is no process-wide mutable settings object.
type Config struct {
	Chunking  ChunkingConfig  `mapstructure:"chunking" yaml:"chunking"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Fetch     FetchConfig     `mapstructure:"fetch" yaml:"fetch"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Memory    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ChunkingConfig controls how cleaned document text is split.
type ChunkingConfig struct {
	Size    int `mapstructure:"size" yaml:"size"`       // chars per chunk
	Overlap int `mapstructure:"overlap" yaml:"overlap"` // chars shared between consecutive chunks
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider  string  `mapstructure:"provider" yaml:"provider"`     // ollama, openai
	Model     string  `mapstructure:"model" yaml:"model"`           // model name
	Endpoint  string  `mapstructure:"endpoint" yaml:"endpoint"`     // API endpoint (for Ollama)
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`       // API key (for OpenAI)
	BatchSize int     `mapstructure:"batch_size" yaml:"batch_size"` // texts per batch
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests/sec, 0 = unlimited
}

// LLMConfig contains language model provider configuration.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider" yaml:"provider"` // ollama, openai
	Model       string  `mapstructure:"model" yaml:"model"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float32 `mapstructure:"temperature" yaml:"temperature"`
}

// FetchConfig controls remote document fetching.
type FetchConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// RetrievalConfig controls retrieval and context assembly.
type RetrievalConfig struct {
	K             int `mapstructure:"k" yaml:"k"`                           // results per query
	ContextBudget int `mapstructure:"context_budget" yaml:"context_budget"` // chars of assembled context
}

// MemoryConfig controls conversation memory.
type MemoryConfig struct {
	Window int `mapstructure:"window" yaml:"window"` // recent turns pulled per message
}

// RetryConfig is the provider-call backoff schedule.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// StorageConfig contains on-disk paths.
type StorageConfig struct {
	IndexProvider string `mapstructure:"index_provider" yaml:"index_provider"` // sqlitevec, memory
	IndexPath     string `mapstructure:"index_path" yaml:"index_path"`
	MemoryPath    string `mapstructure:"memory_path" yaml:"memory_path"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			Endpoint:  "http://localhost:11434",
			BatchSize: 32,
			RateLimit: 0,
		},
		LLM: LLMConfig{
			Provider:    "ollama",
			Model:       "llama3.2",
			Endpoint:    "http://localhost:11434",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Fetch: FetchConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Retrieval: RetrievalConfig{
			K:             5,
			ContextBudget: 4000,
		},
		Memory: MemoryConfig{
			Window: 6,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Multiplier:  2,
		},
		Storage: StorageConfig{
			IndexProvider: "sqlitevec",
			IndexPath:     "docagent.db",
			MemoryPath:    "docagent.db",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from file, falling back to defaults.
func Load(path string) (*Config, []string, error) {
	cfg := DefaultConfig()
	warnings := []string{}

	if path == "" {
		warnings = append(warnings, "No config file specified, using defaults")
		return cfg, warnings, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		warnings = append(warnings, "No config file found, using defaults")
		return cfg, warnings, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing values
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 1000
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
		warnings = append(warnings, "Using default embedding provider: ollama")
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "ollama"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = 30 * time.Second
	}
	if cfg.Retrieval.K == 0 {
		cfg.Retrieval.K = 5
	}
	if cfg.Retrieval.ContextBudget == 0 {
		cfg.Retrieval.ContextBudget = 4000
	}
	if cfg.Memory.Window == 0 {
		cfg.Memory.Window = 6
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}

	return cfg, warnings, nil
}

// Hash returns a hash of the configuration that affects indexing. Two
// different hashes mean existing index contents need re-ingestion.
func (c *Config) Hash() string {
	data := fmt.Sprintf("%s:%s:%d:%d",
		c.Embedding.Provider,
		c.Embedding.Model,
		c.Chunking.Size,
		c.Chunking.Overlap,
	)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Validate validates the configuration.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Chunking.Size <= 0 {
		errs = append(errs, fmt.Errorf("chunking.size must be positive, got %d", cfg.Chunking.Size))
	}
	if cfg.Chunking.Overlap < 0 {
		errs = append(errs, fmt.Errorf("chunking.overlap must not be negative, got %d", cfg.Chunking.Overlap))
	}
	if cfg.Chunking.Overlap >= cfg.Chunking.Size {
		errs = append(errs, fmt.Errorf("chunking.overlap (%d) must be smaller than chunking.size (%d)",
			cfg.Chunking.Overlap, cfg.Chunking.Size))
	}

	validProviders := map[string]bool{"ollama": true, "openai": true}
	if !validProviders[cfg.Embedding.Provider] {
		errs = append(errs, fmt.Errorf("invalid embedding provider: %s", cfg.Embedding.Provider))
	}
	if !validProviders[cfg.LLM.Provider] {
		errs = append(errs, fmt.Errorf("invalid llm provider: %s", cfg.LLM.Provider))
	}

	validIndexes := map[string]bool{"sqlitevec": true, "memory": true}
	if !validIndexes[cfg.Storage.IndexProvider] {
		errs = append(errs, fmt.Errorf("invalid index provider: %s", cfg.Storage.IndexProvider))
	}

	if cfg.Retrieval.K <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.k must be positive, got %d", cfg.Retrieval.K))
	}
	if cfg.Memory.Window <= 0 {
		errs = append(errs, fmt.Errorf("memory.window must be positive, got %d", cfg.Memory.Window))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be in [0, 2], got %g", cfg.LLM.Temperature))
	}

	return errs
}
