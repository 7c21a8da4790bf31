package rag

import (
	"strings"

	"github.com/corpusqa/corpusqa/internal/corpus"
)

// divider separates snippets in the assembled context. It carries no
// numbering so the downstream model is never cued to cite by index.
const divider = "\n\n---\n\n"

// Assembly is the result of building a context string from ranked
// passages: the joined text plus the passages that made it in.
type Assembly struct {
	Context  string
	Included []corpus.Passage
}

// Assemble builds a single bounded context string from passages, in the
// given order. Each passage contributes its first snippetChars
// characters, sanitized. Assembly stops at the first snippet that would
// push the running total over maxTokens; it never skips ahead to fill
// the budget with weaker tail matches.
//
// An empty passage list, or a first snippet that alone exceeds the
// budget, yields an empty context.
func Assemble(passages []corpus.Passage, maxTokens, snippetChars int) Assembly {
	var (
		parts    []string
		included []corpus.Passage
		used     int
	)
	for _, p := range passages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		snippet := Sanitize(truncateRunes(text, snippetChars))
		if snippet == "" {
			continue
		}
		cost := EstimateTokens(snippet)
		if used+cost > maxTokens {
			break
		}
		parts = append(parts, snippet)
		included = append(included, p)
		used += cost
	}
	return Assembly{
		Context:  strings.Join(parts, divider),
		Included: included,
	}
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
