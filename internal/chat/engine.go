// Package chat composes retrieval, context assembly and generation into
// the three answer modes, and drives conversation persistence, quota
// accounting and retention sweeps around the comprehensive mode.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/history"
	"github.com/corpusqa/corpusqa/internal/rag"
)

const (
	// fallbackAnswer is returned when the model produces empty text.
	fallbackAnswer = "I could not generate an answer to that question. Please try rephrasing it."

	// debugPreviewChars caps the per-passage preview in Debug output.
	debugPreviewChars = 300
)

// Retriever is the retrieval dependency of the Engine. It is
// implemented by *retrieval.Retriever.
type Retriever interface {
	Retrieve(ctx context.Context, question string) ([]corpus.Passage, error)
}

// ConversationStore is the persistence surface the Engine consumes.
// It is implemented by *history.Store.
type ConversationStore interface {
	SaveMessage(ctx context.Context, userID, conversationID string, msgType history.MessageType, content string, sources []rag.SourceRef) bool
	IncrementChatCount(ctx context.Context, userID string) (int, error)
	RemainingChats(ctx context.Context, userID string) (int, error)
}

// Sweeper runs the retention sweep after a comprehensive turn. It is
// implemented by *history.Sweeper.
type Sweeper interface {
	SweepUser(ctx context.Context, userID string) error
}

// Answer is the result of a comprehensive turn.
type Answer struct {
	Text           string
	Sources        []rag.SourceRef
	ConversationID string
	ChatCount      int
	RemainingChats int
	UserSaved      bool
	BotSaved       bool
}

// Diagnostic is the result of a Debug call: the generated answer plus
// the ranked passages that produced it.
type Diagnostic struct {
	Answer   string
	Passages []DiagnosticPassage
}

// DiagnosticPassage is one retrieved passage in Debug output.
type DiagnosticPassage struct {
	Rank       int
	Document   string
	Preview    string
	Similarity float32
}

// Config contains all required parameters for the Engine.
type Config struct {
	Genkit    *genkit.Genkit
	Retriever Retriever
	Store     ConversationStore
	Sweeper   Sweeper
	Logger    *slog.Logger

	// ModelName is the provider-qualified generation model.
	ModelName string

	// Context budgets, in estimated tokens.
	MaxContextTokens      int
	FallbackContextTokens int
	PromptTokenHardLimit  int
	SnippetChars          int

	// Resilience configuration.
	RetryConfig RetryConfig
	RateLimiter *rate.Limiter // nil = use default

	// Background lifecycle for fire-and-forget retention sweeps.
	// BackgroundCtx outlives individual requests; WG tracks sweep
	// goroutines for graceful shutdown.
	BackgroundCtx context.Context //nolint:containedctx // App lifecycle context, not a request context
	WG            *sync.WaitGroup
}

// validate checks if all required parameters are present.
func (cfg Config) validate() error {
	if cfg.Genkit == nil {
		return errors.New("genkit instance is required")
	}
	if cfg.Retriever == nil {
		return errors.New("retriever is required")
	}
	if cfg.Store == nil {
		return errors.New("conversation store is required")
	}
	if cfg.ModelName == "" {
		return errors.New("model name is required")
	}
	if cfg.MaxContextTokens <= 0 {
		return errors.New("max context tokens must be positive")
	}
	if cfg.FallbackContextTokens <= 0 || cfg.FallbackContextTokens > cfg.MaxContextTokens {
		return errors.New("fallback context tokens must be positive and at most the max budget")
	}
	if cfg.PromptTokenHardLimit <= cfg.MaxContextTokens {
		return errors.New("prompt token hard limit must exceed the max context budget")
	}
	if cfg.SnippetChars <= 0 {
		return errors.New("snippet chars must be positive")
	}
	if cfg.Sweeper != nil && cfg.WG == nil {
		return errors.New("wg is required when sweeper is set")
	}
	return nil
}

// Engine answers questions from the corpus.
//
// Engine is stateless across requests; all configuration is captured
// immutably at construction time for thread-safe concurrent access.
type Engine struct {
	// Immutable configuration
	modelName             string
	maxContextTokens      int
	fallbackContextTokens int
	promptTokenHardLimit  int
	snippetChars          int

	// Resilience (captured at construction)
	retryConfig RetryConfig
	rateLimiter *rate.Limiter

	// Dependencies (read-only after construction)
	g         *genkit.Genkit
	retriever Retriever
	store     ConversationStore
	sweeper   Sweeper
	logger    *slog.Logger

	// Background lifecycle for retention sweeps.
	bgCtx context.Context //nolint:containedctx // App lifecycle context, not a request context
	wg    *sync.WaitGroup
}

// New creates an Engine with required configuration.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	retryConfig := cfg.RetryConfig
	if retryConfig.MaxRetries == 0 {
		retryConfig = DefaultRetryConfig()
	}

	// Default: 10 requests/sec sustained, burst of 30.
	rl := cfg.RateLimiter
	if rl == nil {
		rl = rate.NewLimiter(10, 30)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bgCtx := cfg.BackgroundCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}

	return &Engine{
		modelName:             cfg.ModelName,
		maxContextTokens:      cfg.MaxContextTokens,
		fallbackContextTokens: cfg.FallbackContextTokens,
		promptTokenHardLimit:  cfg.PromptTokenHardLimit,
		snippetChars:          cfg.SnippetChars,
		retryConfig:           retryConfig,
		rateLimiter:           rl,
		g:                     cfg.Genkit,
		retriever:             cfg.Retriever,
		store:                 cfg.Store,
		sweeper:               cfg.Sweeper,
		logger:                logger,
		bgCtx:                 bgCtx,
		wg:                    cfg.WG,
	}, nil
}

// CheckQuota returns the user's remaining chats and ErrQuotaExceeded
// when a free user has none left. Callers gate AskComprehensive and
// AskConcise on it before invoking them.
func (e *Engine) CheckQuota(ctx context.Context, userID string) (int, error) {
	remaining, err := e.store.RemainingChats(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("checking quota: %w", err)
	}
	if remaining == 0 {
		return 0, ErrQuotaExceeded
	}
	return remaining, nil
}

// AskComprehensive runs the full pipeline for one conversation turn:
// retrieve, assemble, generate, persist both messages, charge the quota
// and schedule a retention sweep.
//
// Persistence is best-effort; a failed write is reported through the
// UserSaved/BotSaved flags, never as an error. The quota is charged
// even when persistence fails: the user received an answer.
func (e *Engine) AskComprehensive(ctx context.Context, userID, conversationID, question string) (*Answer, error) {
	conversationID = resolveConversationID(userID, conversationID)
	logger := e.logger.With("request_id", uuid.NewString(), "conversation_id", conversationID)

	passages, err := e.retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieving passages: %w", err)
	}
	if len(passages) == 0 {
		return nil, ErrNoContext
	}

	assembly, prompt := e.buildPrompt(passages, question, comprehensiveInstructions)
	logger.Debug("assembled context", "passages", len(assembly.Included), "tokens", rag.EstimateTokens(assembly.Context))

	answer := &Answer{ConversationID: conversationID}
	answer.UserSaved = e.store.SaveMessage(ctx, userID, conversationID, history.MessageUser, question, nil)

	text, err := e.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	answer.Text = text
	answer.Sources = rag.SourceRefs(assembly.Included)

	answer.BotSaved = e.store.SaveMessage(ctx, userID, conversationID, history.MessageBot, text, answer.Sources)

	count, err := e.store.IncrementChatCount(ctx, userID)
	if err != nil {
		logger.Warn("failed to charge chat quota", "user_id", userID, "error", err)
	}
	answer.ChatCount = count

	remaining, err := e.store.RemainingChats(ctx, userID)
	if err != nil {
		logger.Warn("failed to read remaining chats", "user_id", userID, "error", err)
	}
	answer.RemainingChats = remaining

	e.scheduleSweep(userID)
	return answer, nil
}

// AskConcise answers with a short-form response. It persists nothing
// and returns no sources; callers gate it on CheckQuota.
func (e *Engine) AskConcise(ctx context.Context, question string) (string, error) {
	passages, err := e.retriever.Retrieve(ctx, question)
	if err != nil {
		return "", fmt.Errorf("retrieving passages: %w", err)
	}
	if len(passages) == 0 {
		return "", ErrNoContext
	}

	_, prompt := e.buildPrompt(passages, question, conciseInstructions)

	text, err := e.generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return text, nil
}

// Debug answers the question and exposes the ranked retrieval result
// for operational inspection. No quota or persistence side effects.
func (e *Engine) Debug(ctx context.Context, question string) (*Diagnostic, error) {
	passages, err := e.retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieving passages: %w", err)
	}
	if len(passages) == 0 {
		return nil, ErrNoContext
	}

	_, prompt := e.buildPrompt(passages, question, comprehensiveInstructions)

	text, err := e.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	diag := &Diagnostic{Answer: text, Passages: make([]DiagnosticPassage, len(passages))}
	for i, p := range passages {
		preview := p.Text
		if runes := []rune(preview); len(runes) > debugPreviewChars {
			preview = string(runes[:debugPreviewChars])
		}
		diag.Passages[i] = DiagnosticPassage{
			Rank:       i + 1,
			Document:   p.Document(),
			Preview:    preview,
			Similarity: p.Similarity,
		}
	}
	return diag, nil
}

const (
	comprehensiveInstructions = "Answer thoroughly using only the reference material. " +
		"If the material does not cover the question, say so instead of guessing. " +
		"Answer in the same language as the question."

	conciseInstructions = "Answer in at most three sentences using only the reference material. " +
		"If the material does not cover the question, say so instead of guessing. " +
		"Answer in the same language as the question."
)

// buildPrompt assembles the context under the default budget and
// retries with the fallback budget when the full prompt would exceed
// the hard token ceiling.
func (e *Engine) buildPrompt(passages []corpus.Passage, question, instructions string) (rag.Assembly, string) {
	assembly := rag.Assemble(passages, e.maxContextTokens, e.snippetChars)
	prompt := renderPrompt(assembly.Context, question, instructions)

	if rag.EstimateTokens(prompt) > e.promptTokenHardLimit {
		e.logger.Debug("prompt over hard limit, reassembling with fallback budget",
			"hard_limit", e.promptTokenHardLimit, "fallback_budget", e.fallbackContextTokens)
		assembly = rag.Assemble(passages, e.fallbackContextTokens, e.snippetChars)
		prompt = renderPrompt(assembly.Context, question, instructions)
	}
	return assembly, prompt
}

func renderPrompt(context, question, instructions string) string {
	return fmt.Sprintf(`%s

Reference material:
%s

Question: %s`, instructions, context, question)
}

// generate calls the model with deterministic decoding and retry, and
// substitutes a fallback message for empty output.
func (e *Engine) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := e.generateWithRetry(ctx, []ai.GenerateOption{
		ai.WithModelName(e.modelName),
		ai.WithPrompt(prompt),
		ai.WithConfig(&genai.GenerateContentConfig{Temperature: genai.Ptr(float32(0))}),
	})
	if err != nil {
		return "", err
	}

	text := resp.Text()
	if text == "" {
		e.logger.Warn("model returned empty response")
		return fallbackAnswer, nil
	}
	return text, nil
}

// scheduleSweep kicks off a fire-and-forget retention sweep. It never
// blocks or fails the request; sweep errors are logged.
func (e *Engine) scheduleSweep(userID string) {
	if e.sweeper == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sweeper.SweepUser(e.bgCtx, userID); err != nil {
			e.logger.Warn("retention sweep failed", "user_id", userID, "error", err)
		}
	}()
}

// resolveConversationID replaces a missing or placeholder conversation
// id with a fresh per-user one.
func resolveConversationID(userID, conversationID string) string {
	if conversationID == "" || conversationID == "default" {
		return fmt.Sprintf("conv_%s_%d", userID, time.Now().UTC().Unix())
	}
	return conversationID
}
