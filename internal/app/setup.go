package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corpusqa/corpusqa/db"
	"github.com/corpusqa/corpusqa/internal/chat"
	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/history"
	"github.com/corpusqa/corpusqa/internal/observability"
	"github.com/corpusqa/corpusqa/internal/retrieval"
)

// Setup creates and initializes the application.
// Callers must call Close on the returned App to release resources.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{Config: cfg}
	logger := slog.Default()

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				slog.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if a.Embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	corpusStore, err := corpus.NewStore(pool, a.Embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating corpus store: %w", err)
	}
	a.Corpus = corpusStore

	retriever, err := provideRetriever(g, cfg, corpusStore, logger)
	if err != nil {
		return nil, err
	}
	a.Retriever = retriever

	historyStore, sweeper, err := provideHistory(pool, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.History = historyStore

	// Background lifecycle for fire-and-forget retention sweeps.
	// Detached from the setup ctx so sweeps survive request cancellation;
	// Close cancels it explicitly.
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.bgCancel = bgCancel
	a.wg = &sync.WaitGroup{}

	// Periodic retention sweep. Per-turn sweeps cover the active user;
	// this catches users whose conversations outlive their last chat.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sweeper.Run(bgCtx)
	}()

	engine, err := chat.New(chat.Config{
		Genkit:                g,
		Retriever:             retriever,
		Store:                 historyStore,
		Sweeper:               sweeper,
		Logger:                logger,
		ModelName:             cfg.FullModelName(),
		MaxContextTokens:      cfg.MaxContextTokens,
		FallbackContextTokens: cfg.FallbackContextTokens,
		PromptTokenHardLimit:  cfg.PromptTokenHardLimit,
		SnippetChars:          cfg.SnippetChars,
		BackgroundCtx:         bgCtx,
		WG:                    a.wg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat engine: %w", err)
	}
	a.Engine = engine

	return a, nil
}

// provideOtelShutdown sets up OTLP trace export before Genkit
// initialization, so the exporter is registered on Genkit's
// TracerProvider before any spans are created.
func provideOtelShutdown(ctx context.Context, cfg *config.Config) func() {
	if !cfg.Otel.Enabled {
		return func() {}
	}

	shutdown, err := observability.SetupTracing(ctx, observability.Config{
		Endpoint:    cfg.Otel.Endpoint,
		Environment: cfg.Otel.Environment,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		slog.Warn("setting up tracing, continuing without", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates a PostgreSQL connection
// pool with sensible defaults for connection management.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with the Google AI plugin.
// Call ordering in Setup ensures tracing is set up first.
func provideGenkit(ctx context.Context) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}
	return g, nil
}

// provideRetriever assembles the multi-query retrieval pipeline:
// LLM query expansion, per-variant MMR search, and LLM reranking.
func provideRetriever(g *genkit.Genkit, cfg *config.Config, store *corpus.Store, logger *slog.Logger) (*retrieval.Retriever, error) {
	modelName := cfg.FullModelName()

	expander, err := retrieval.NewExpander(g, modelName, logger)
	if err != nil {
		return nil, fmt.Errorf("creating query expander: %w", err)
	}

	reranker, err := retrieval.NewReranker(g, modelName, logger)
	if err != nil {
		return nil, fmt.Errorf("creating reranker: %w", err)
	}

	retriever, err := retrieval.New(retrieval.Config{
		Store:        store,
		Expander:     expander,
		Reranker:     reranker,
		Logger:       logger,
		RetrievalK:   cfg.RetrievalK,
		FetchK:       cfg.FetchK(),
		LambdaMult:   cfg.LambdaMult,
		TopN:         cfg.RerankTopN(),
		VariantCount: cfg.QueryVariantCount,
	})
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	return retriever, nil
}

// provideHistory creates the conversation store and its retention
// sweeper. Writes are serialized through PostgreSQL advisory locks.
func provideHistory(pool *pgxpool.Pool, cfg *config.Config, logger *slog.Logger) (*history.Store, *history.Sweeper, error) {
	runner, err := history.NewPgxTxRunner(pool, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating tx runner: %w", err)
	}

	store, err := history.NewStore(pool, runner, cfg.FreeChatLimit, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating history store: %w", err)
	}

	sweeper := history.NewSweeper(store, cfg.KeepCount, logger)
	return store, sweeper, nil
}
