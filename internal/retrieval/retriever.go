package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/corpusqa/corpusqa/internal/corpus"
)

// Searcher is the vector index dependency of the Retriever. It is
// implemented by *corpus.Store.
type Searcher interface {
	SearchMMR(ctx context.Context, query string, k, fetchK int, lambda float32) ([]corpus.Passage, error)
}

// Config holds the dependencies and tuning knobs of a Retriever.
type Config struct {
	Store    Searcher
	Expander Expander
	Reranker Reranker
	Logger   *slog.Logger

	// RetrievalK is the MMR selection size per query variant.
	RetrievalK int
	// FetchK is the nearest-neighbor pool size per query variant.
	FetchK int
	// LambdaMult weighs relevance against diversity during MMR
	// selection (0 = max diversity, 1 = max relevance).
	LambdaMult float32
	// TopN caps the reranked result. Values below RetrievalK are
	// raised to it.
	TopN int
	// VariantCount is the number of query variants, original included.
	VariantCount int
}

func (c *Config) validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Expander == nil {
		return fmt.Errorf("expander is required")
	}
	if c.Reranker == nil {
		return fmt.Errorf("reranker is required")
	}
	if c.RetrievalK <= 0 {
		return fmt.Errorf("retrieval k must be positive, got %d", c.RetrievalK)
	}
	if c.FetchK < c.RetrievalK {
		return fmt.Errorf("fetch k %d must be at least retrieval k %d", c.FetchK, c.RetrievalK)
	}
	if c.LambdaMult < 0 || c.LambdaMult > 1 {
		return fmt.Errorf("lambda must be in [0, 1], got %v", c.LambdaMult)
	}
	if c.VariantCount <= 0 {
		return fmt.Errorf("variant count must be positive, got %d", c.VariantCount)
	}
	return nil
}

// Retriever turns a question into a ranked list of corpus passages.
//
// The pipeline is fixed: expand the question into variants, search the
// vector index per variant concurrently, pool and dedupe the results,
// then rerank against the original question.
type Retriever struct {
	store    Searcher
	expander Expander
	reranker Reranker
	logger   *slog.Logger

	retrievalK   int
	fetchK       int
	lambdaMult   float32
	topN         int
	variantCount int
}

// New creates a Retriever from cfg.
func New(cfg Config) (*Retriever, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid retriever config: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topN := cfg.TopN
	if topN < cfg.RetrievalK {
		topN = cfg.RetrievalK
	}
	return &Retriever{
		store:        cfg.Store,
		expander:     cfg.Expander,
		reranker:     cfg.Reranker,
		logger:       logger,
		retrievalK:   cfg.RetrievalK,
		fetchK:       cfg.FetchK,
		lambdaMult:   cfg.LambdaMult,
		topN:         topN,
		variantCount: cfg.VariantCount,
	}, nil
}

// Retrieve runs the full pipeline for question. It fails with
// ErrIndexUnavailable when the vector index cannot be reached; a
// reranker failure degrades to the pre-rerank ordering instead of
// failing the request.
func (r *Retriever) Retrieve(ctx context.Context, question string) ([]corpus.Passage, error) {
	variants, err := r.expander.Expand(ctx, question, r.variantCount)
	if err != nil {
		r.logger.Warn("query expansion failed, using original question only", "error", err)
		variants = []string{question}
	}

	pooled, err := r.searchVariants(ctx, variants)
	if err != nil {
		if errors.Is(err, corpus.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
		}
		return nil, err
	}

	deduped := dedupe(pooled)
	if len(deduped) == 0 {
		return nil, nil
	}

	ranked := r.rerank(ctx, question, deduped)
	if len(ranked) > r.topN {
		ranked = ranked[:r.topN]
	}

	r.logger.Debug("retrieval complete",
		"variants", len(variants),
		"pooled", len(pooled),
		"deduped", len(deduped),
		"returned", len(ranked))
	return ranked, nil
}

// searchVariants issues one MMR search per variant concurrently and
// concatenates the results in variant order.
func (r *Retriever) searchVariants(ctx context.Context, variants []string) ([]corpus.Passage, error) {
	results := make([][]corpus.Passage, len(variants))
	errs := make([]error, len(variants))

	var wg sync.WaitGroup
	for i, v := range variants {
		wg.Add(1)
		go func(i int, query string) {
			defer wg.Done()
			results[i], errs[i] = r.store.SearchMMR(ctx, query, r.retrievalK, r.fetchK, r.lambdaMult)
		}(i, v)
	}
	wg.Wait()

	var pooled []corpus.Passage
	for i := range variants {
		if errs[i] != nil {
			return nil, errs[i]
		}
		pooled = append(pooled, results[i]...)
	}
	return pooled, nil
}

// rerank orders passages by pairwise relevance to the question,
// breaking score ties by vector similarity. On reranker failure the
// pooled MMR ordering is kept.
func (r *Retriever) rerank(ctx context.Context, question string, passages []corpus.Passage) []corpus.Passage {
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}

	scores, err := r.reranker.Rerank(ctx, question, texts)
	if err != nil {
		r.logger.Warn("reranking failed, keeping vector search order", "error", err)
		return passages
	}

	order := make([]int, len(passages))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return passages[order[a]].Similarity > passages[order[b]].Similarity
	})

	ranked := make([]corpus.Passage, len(passages))
	for i, idx := range order {
		ranked[i] = passages[idx]
	}
	return ranked
}

// dedupe drops passages whose normalized text already appeared,
// preserving first-occurrence order.
func dedupe(passages []corpus.Passage) []corpus.Passage {
	seen := make(map[string]struct{}, len(passages))
	var out []corpus.Passage
	for _, p := range passages {
		key := normalizeText(p.Text)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
