package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"google.golang.org/genai"
)

// Reranker scores candidate passages for pairwise relevance against the
// original question. Scores are returned in candidate order.
type Reranker interface {
	Rerank(ctx context.Context, question string, candidates []string) ([]float32, error)
}

// rerankPreviewChars caps how much of each candidate is shown to the
// scoring model. Relevance judgement does not need the full passage.
const rerankPreviewChars = 500

// rerankTimeout bounds the scoring call.
const rerankTimeout = 30 * time.Second

// llmReranker scores candidates with an LLM acting as a cross-encoder.
type llmReranker struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger
}

// NewReranker creates an LLM-backed Reranker.
func NewReranker(g *genkit.Genkit, modelName string, logger *slog.Logger) (Reranker, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &llmReranker{g: g, modelName: modelName, logger: logger}, nil
}

func (r *llmReranker) Rerank(ctx context.Context, question string, candidates []string) ([]float32, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(`Score how relevant each passage is to the question, from 0.0 (irrelevant) to 1.0 (directly answers it).
Respond with only a JSON array of %d numbers, one per passage, in order.

Question: %s

`, len(candidates), question))
	for i, c := range candidates {
		preview := c
		if runes := []rune(preview); len(runes) > rerankPreviewChars {
			preview = string(runes[:rerankPreviewChars])
		}
		sb.WriteString(fmt.Sprintf("Passage %d:\n%s\n\n", i+1, preview))
	}

	scoreCtx, cancel := context.WithTimeout(ctx, rerankTimeout)
	defer cancel()

	// Temperature 0 keeps scores stable across identical inputs.
	resp, err := genkit.Generate(scoreCtx, r.g,
		ai.WithModelName(r.modelName),
		ai.WithPrompt(sb.String()),
		ai.WithConfig(&genai.GenerateContentConfig{Temperature: genai.Ptr(float32(0))}),
	)
	if err != nil {
		return nil, fmt.Errorf("reranking: %w", err)
	}

	scores, err := parseScores(resp.Text(), len(candidates))
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// parseScores extracts a JSON number array from the model output,
// tolerating surrounding prose and code fences.
func parseScores(text string, want int) ([]float32, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no score array in model output")
	}

	var scores []float32
	if err := json.Unmarshal([]byte(text[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("parsing scores: %w", err)
	}
	if len(scores) != want {
		return nil, fmt.Errorf("got %d scores, want %d", len(scores), want)
	}
	return scores, nil
}
