// Package app provides application initialization and dependency
// injection.
//
// App is the container that wires configuration, the database pool,
// Genkit, the corpus store, the retrieval pipeline, conversation
// persistence, and the chat engine. Setup builds the whole graph;
// Close tears it down in reverse order.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corpusqa/corpusqa/internal/chat"
	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/history"
	"github.com/corpusqa/corpusqa/internal/retrieval"
)

// closeSweepTimeout bounds the wait for in-flight retention sweeps
// during shutdown.
const closeSweepTimeout = 10 * time.Second

// App is the core application container.
type App struct {
	Config *config.Config

	// Core services
	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	// Domain components
	Corpus    *corpus.Store
	Retriever *retrieval.Retriever
	History   *history.Store
	Engine    *chat.Engine

	// Lifecycle management
	otelCleanup func()
	bgCancel    context.CancelFunc
	wg          *sync.WaitGroup
}

// Close gracefully shuts down all resources. Background sweep
// goroutines get a bounded grace period to finish before the pool
// closes underneath them.
func (a *App) Close() error {
	slog.Info("shutting down application")

	if a.bgCancel != nil {
		a.bgCancel()
	}

	if a.wg != nil {
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeSweepTimeout):
			slog.Warn("timed out waiting for background sweeps")
		}
	}

	if a.DBPool != nil {
		a.DBPool.Close()
		slog.Info("database pool closed")
	}

	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	return nil
}
