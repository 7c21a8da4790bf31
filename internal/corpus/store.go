// Package corpus provides read access to the pre-built passage index
// backed by PostgreSQL + pgvector.
//
// The index is populated by an offline ingestion pipeline; this package
// only searches it. Search combines nearest-neighbor retrieval with
// maximal marginal relevance (MMR) selection so the returned passages
// balance relevance against redundancy.
package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"
)

// VectorDimension is the embedding dimension of the passage index.
// gemini-embedding-001 is truncated to this size via OutputDimensionality.
const VectorDimension = 768

// embedTimeout bounds query embedding generation.
const embedTimeout = 10 * time.Second

// searchTimeout bounds the vector search query.
const searchTimeout = 10 * time.Second

// ErrUnavailable indicates the passage index cannot be reached.
// Requests have no degraded path around this: no candidates, no answer.
var ErrUnavailable = errors.New("passage index unavailable")

// querier is the common interface satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store searches the passage index.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db       querier
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewStore creates a passage index Store.
func NewStore(db querier, embedder ai.Embedder, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, embedder: embedder, logger: logger}, nil
}

// embed generates a vector embedding for the given text.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	dim := int32(VectorDimension)
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding query: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding response")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}

// SearchMMR retrieves the k most relevant passages for query using
// diversity-aware selection: fetchK nearest neighbors are pulled from the
// index, then MMR greedily picks k of them with diversity weight lambda
// (0 = max diversity, 1 = max relevance).
//
// Selection is deterministic: candidates arrive in distance order and
// ties keep that order.
func (s *Store) SearchMMR(ctx context.Context, query string, k, fetchK int, lambda float32) ([]Passage, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if fetchK < k {
		fetchK = k
	}

	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	queryVec, err := s.embed(embedCtx, query)
	if err != nil {
		return nil, err
	}

	candidates, err := s.fetchNearest(ctx, queryVec, fetchK)
	if err != nil {
		return nil, err
	}

	selected := selectMMR(queryVec.Slice(), candidates, k, lambda)

	passages := make([]Passage, len(selected))
	for i, c := range selected {
		passages[i] = c.passage
	}
	return passages, nil
}

// fetchNearest pulls the fetchK nearest candidates with their embeddings.
func (s *Store) fetchNearest(ctx context.Context, queryVec pgvector.Vector, fetchK int) ([]candidate, error) {
	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	rows, err := s.db.Query(queryCtx, `
		SELECT content, metadata, embedding, 1 - (embedding <=> $1) AS similarity
		FROM passages
		ORDER BY embedding <=> $1
		LIMIT $2`,
		queryVec, fetchK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var candidates []candidate
	for rows.Next() {
		var (
			content      string
			metadataJSON []byte
			embedding    pgvector.Vector
			similarity   float32
		)
		if err := rows.Scan(&content, &metadataJSON, &embedding, &similarity); err != nil {
			return nil, fmt.Errorf("scanning passage row: %w", err)
		}

		var metadata map[string]string
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			s.logger.Warn("failed to parse passage metadata", "error", err)
			metadata = make(map[string]string)
		}

		candidates = append(candidates, candidate{
			passage: Passage{
				Text:       content,
				Metadata:   metadata,
				Similarity: similarity,
			},
			embedding: embedding.Slice(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.logger.Debug("fetched candidate pool", "count", len(candidates), "fetch_k", fetchK)
	return candidates, nil
}

// Count returns the number of passages in the index.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM passages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return count, nil
}
