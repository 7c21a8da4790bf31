package rag

import "github.com/corpusqa/corpusqa/internal/corpus"

// sourcePreviewChars caps the content preview stored with a SourceRef.
const sourcePreviewChars = 200

// SourceRef is a denormalized, display-only projection of a passage,
// stored alongside the bot message that cited it.
type SourceRef struct {
	Document string   `json:"document"`
	Content  string   `json:"content"`
	Score    *float32 `json:"score,omitempty"`
}

// SourceRefs projects passages into SourceRefs. Callers pass only the
// passages that actually made it into the final context, not the full
// retrieval result.
func SourceRefs(passages []corpus.Passage) []SourceRef {
	if len(passages) == 0 {
		return nil
	}
	refs := make([]SourceRef, len(passages))
	for i, p := range passages {
		score := p.Similarity
		refs[i] = SourceRef{
			Document: p.Document(),
			Content:  Sanitize(truncateRunes(p.Text, sourcePreviewChars)),
			Score:    &score,
		}
	}
	return refs
}
