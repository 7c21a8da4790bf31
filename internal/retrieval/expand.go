// Package retrieval implements the question-to-passages pipeline:
// multi-query expansion, diversity-aware vector search and reranking.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// expandTimeout bounds the paraphrase call.
const expandTimeout = 30 * time.Second

// Expander widens a question into query variants to bridge vocabulary
// mismatch between the question and corpus phrasing.
type Expander interface {
	// Expand returns up to n query variants. The original question is
	// always the first element.
	Expand(ctx context.Context, question string, n int) ([]string, error)
}

// llmExpander paraphrases questions with an LLM.
type llmExpander struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger
}

// NewExpander creates an LLM-backed Expander.
func NewExpander(g *genkit.Genkit, modelName string, logger *slog.Logger) (Expander, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &llmExpander{g: g, modelName: modelName, logger: logger}, nil
}

func (e *llmExpander) Expand(ctx context.Context, question string, n int) ([]string, error) {
	if n <= 1 {
		return []string{question}, nil
	}

	prompt := fmt.Sprintf(`Rephrase the following question in %d different ways.
Keep each rephrasing on its own line, preserve the original meaning and language,
and vary the vocabulary. Output only the rephrased questions, nothing else.

Question: %s`, n-1, question)

	expandCtx, cancel := context.WithTimeout(ctx, expandTimeout)
	defer cancel()

	resp, err := genkit.Generate(expandCtx, e.g,
		ai.WithModelName(e.modelName),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return nil, fmt.Errorf("expanding query: %w", err)
	}

	variants := []string{question}
	for _, line := range strings.Split(resp.Text(), "\n") {
		v := cleanVariant(line)
		if v == "" || strings.EqualFold(v, question) {
			continue
		}
		variants = append(variants, v)
		if len(variants) == n {
			break
		}
	}

	e.logger.Debug("expanded query", "variants", len(variants))
	return variants, nil
}

// cleanVariant strips list markers the model tends to prepend.
func cleanVariant(line string) string {
	v := strings.TrimSpace(line)
	v = strings.TrimLeft(v, "0123456789")
	v = strings.TrimLeft(v, ".)-* ")
	return strings.TrimSpace(v)
}
