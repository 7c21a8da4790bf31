package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidRetrieval indicates a retrieval parameter is out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval configuration")

	// ErrInvalidContextBudget indicates a context token budget is out of range.
	ErrInvalidContextBudget = errors.New("invalid context budget")

	// ErrInvalidQuota indicates the chat quota configuration is out of range.
	ErrInvalidQuota = errors.New("invalid quota configuration")

	// ErrInvalidRetention indicates the retention keep count is out of range.
	ErrInvalidRetention = errors.New("invalid retention configuration")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// API key validation (required for generation and embeddings)
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	// Model configuration
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// Retrieval configuration
	if c.RetrievalK < 1 || c.RetrievalK > 50 {
		return fmt.Errorf("%w: retrieval_k must be between 1 and 50, got %d",
			ErrInvalidRetrieval, c.RetrievalK)
	}
	if c.FetchKMultiplier < 1 {
		return fmt.Errorf("%w: fetch_k_multiplier must be at least 1, got %d",
			ErrInvalidRetrieval, c.FetchKMultiplier)
	}
	if c.MinFetchK < c.RetrievalK {
		return fmt.Errorf("%w: min_fetch_k (%d) must be at least retrieval_k (%d)",
			ErrInvalidRetrieval, c.MinFetchK, c.RetrievalK)
	}
	if c.LambdaMult < 0 || c.LambdaMult > 1 {
		return fmt.Errorf("%w: lambda_mult must be between 0.0 and 1.0, got %.2f",
			ErrInvalidRetrieval, c.LambdaMult)
	}
	if c.RerankerTopN < 1 {
		return fmt.Errorf("%w: reranker_top_n must be at least 1, got %d",
			ErrInvalidRetrieval, c.RerankerTopN)
	}
	if c.QueryVariantCount < 1 || c.QueryVariantCount > 10 {
		return fmt.Errorf("%w: query_variant_count must be between 1 and 10, got %d",
			ErrInvalidRetrieval, c.QueryVariantCount)
	}

	// Context budgets
	if c.MaxContextTokens < 1 {
		return fmt.Errorf("%w: max_context_tokens must be positive, got %d",
			ErrInvalidContextBudget, c.MaxContextTokens)
	}
	if c.FallbackContextTokens < 1 || c.FallbackContextTokens > c.MaxContextTokens {
		return fmt.Errorf("%w: fallback_context_tokens must be in [1, max_context_tokens], got %d",
			ErrInvalidContextBudget, c.FallbackContextTokens)
	}
	if c.PromptTokenHardLimit <= c.MaxContextTokens {
		return fmt.Errorf("%w: prompt_token_hard_limit (%d) must exceed max_context_tokens (%d)",
			ErrInvalidContextBudget, c.PromptTokenHardLimit, c.MaxContextTokens)
	}
	if c.SnippetChars < 1 {
		return fmt.Errorf("%w: snippet_chars must be positive, got %d",
			ErrInvalidContextBudget, c.SnippetChars)
	}

	// Quota and retention
	if c.FreeChatLimit < 0 {
		return fmt.Errorf("%w: free_chat_limit must not be negative, got %d",
			ErrInvalidQuota, c.FreeChatLimit)
	}
	if c.KeepCount < 1 {
		return fmt.Errorf("%w: keep_count must be at least 1, got %d",
			ErrInvalidRetention, c.KeepCount)
	}

	// PostgreSQL configuration
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d",
			ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml",
			ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "corpusqa_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; allow/prefer are deprecated (MITM vulnerable).
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode is empty (should have default from setDefaults)",
			ErrInvalidPostgresSSLMode)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}
