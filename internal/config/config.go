// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.corpusqa/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: generation model, embedder model
//   - Retrieval: top-k, MMR candidate pool, diversity weight, reranker
//   - Context: token budgets for prompt assembly
//   - Chat: free-tier quota, retention keep count
//   - Storage: PostgreSQL connection (see storage.go)
//   - Observability: OTLP trace export (optional)
//
// Security: the PostgreSQL password is masked in MarshalJSON/String.
// Validation: range checks in validation.go with sentinel errors for
// errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultEmbedderModel is the default Gemini embedder model.
// gemini-embedding-001 supports truncation to 768 dimensions via
// OutputDimensionality; the passages schema uses vector(768).
const DefaultEmbedderModel = "gemini-embedding-001"

// DefaultModelName is the default generation model.
const DefaultModelName = "gemini-2.5-flash"

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON().
type Config struct {
	// AI model configuration
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Retrieval pipeline configuration
	RetrievalK        int     `mapstructure:"retrieval_k" json:"retrieval_k"`
	FetchKMultiplier  int     `mapstructure:"fetch_k_multiplier" json:"fetch_k_multiplier"`
	MinFetchK         int     `mapstructure:"min_fetch_k" json:"min_fetch_k"`
	LambdaMult        float32 `mapstructure:"lambda_mult" json:"lambda_mult"`
	RerankerTopN      int     `mapstructure:"reranker_top_n" json:"reranker_top_n"`
	QueryVariantCount int     `mapstructure:"query_variant_count" json:"query_variant_count"`

	// Context assembly budgets (approximate tokens, len/4 heuristic)
	MaxContextTokens      int `mapstructure:"max_context_tokens" json:"max_context_tokens"`
	FallbackContextTokens int `mapstructure:"fallback_context_tokens" json:"fallback_context_tokens"`
	PromptTokenHardLimit  int `mapstructure:"prompt_token_hard_limit" json:"prompt_token_hard_limit"`
	SnippetChars          int `mapstructure:"snippet_chars" json:"snippet_chars"`

	// Chat quota and retention
	FreeChatLimit int `mapstructure:"free_chat_limit" json:"free_chat_limit"`
	KeepCount     int `mapstructure:"keep_count" json:"keep_count"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Observability configuration (optional OTLP trace export)
	Otel OtelConfig `mapstructure:"otel" json:"otel"`
}

// OtelConfig holds OTLP trace export configuration.
// Traces are exported to a local collector over OTLP HTTP.
type OtelConfig struct {
	// Enabled turns trace export on (default: false)
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Endpoint is the OTLP HTTP collector endpoint (default: localhost:4318)
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName is the reported service name (default: corpusqa)
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".corpusqa")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
// Retrieval and context defaults match the tuned production pipeline.
func setDefaults() {
	// AI defaults
	viper.SetDefault("model_name", DefaultModelName)
	viper.SetDefault("embedder_model", DefaultEmbedderModel)

	// Retrieval defaults
	viper.SetDefault("retrieval_k", 6)
	viper.SetDefault("fetch_k_multiplier", 10)
	viper.SetDefault("min_fetch_k", 60)
	viper.SetDefault("lambda_mult", 0.2)
	viper.SetDefault("reranker_top_n", 6)
	viper.SetDefault("query_variant_count", 4)

	// Context assembly defaults
	viper.SetDefault("max_context_tokens", 2500)
	viper.SetDefault("fallback_context_tokens", 2000)
	viper.SetDefault("prompt_token_hard_limit", 5200)
	viper.SetDefault("snippet_chars", 600)

	// Quota and retention defaults
	viper.SetDefault("free_chat_limit", 3)
	viper.SetDefault("keep_count", 3)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "corpusqa")
	viper.SetDefault("postgres_password", "corpusqa_dev_password")
	viper.SetDefault("postgres_db_name", "corpusqa")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Observability defaults
	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.endpoint", "localhost:4318")
	viper.SetDefault("otel.environment", "dev")
	viper.SetDefault("otel.service_name", "corpusqa")
}

// bindEnvVariables binds environment variable overrides explicitly.
//
// NOTE: GEMINI_API_KEY is read directly by Genkit, not via Viper.
// Validation checks its presence in cfg.Validate().
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail).
	// A panic here is a bug in this file, not a runtime condition.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("model_name", "CORPUSQA_MODEL_NAME")
	mustBind("embedder_model", "CORPUSQA_EMBEDDER_MODEL")
	mustBind("retrieval_k", "CORPUSQA_RETRIEVAL_K")
	mustBind("free_chat_limit", "CORPUSQA_FREE_CHAT_LIMIT")
	mustBind("keep_count", "CORPUSQA_KEEP_COUNT")
	mustBind("otel.enabled", "CORPUSQA_OTEL_ENABLED")
	mustBind("otel.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against real values.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 chars or fewer are fully masked; longer secrets keep the
// first and last 2 characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// FullModelName returns the provider-qualified model name for Genkit,
// e.g. "googleai/gemini-2.5-flash". If ModelName already contains a
// "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	return "googleai/" + c.ModelName
}

// FetchK returns the MMR candidate pool size for a given retrieval k:
// max(min_fetch_k, k * fetch_k_multiplier).
func (c *Config) FetchK() int {
	fetchK := c.RetrievalK * c.FetchKMultiplier
	if fetchK < c.MinFetchK {
		return c.MinFetchK
	}
	return fetchK
}

// RerankTopN returns the number of passages kept after reranking:
// max(reranker_top_n, retrieval_k).
func (c *Config) RerankTopN() int {
	if c.RerankerTopN > c.RetrievalK {
		return c.RerankerTopN
	}
	return c.RetrievalK
}
