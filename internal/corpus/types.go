package corpus

// Passage is a retrieved slice of the document corpus.
// Passages are immutable once retrieved; the index is pre-built and this
// package never writes to it.
type Passage struct {
	Text       string            // Passage text content
	Metadata   map[string]string // Corpus metadata (source document, domain, etc.)
	Similarity float32           // Cosine similarity to the query (0-1)
}

// Document returns the source document name from metadata, or "Unknown"
// when the index carries no source attribution for this passage.
func (p Passage) Document() string {
	for _, key := range []string{"source", "document", "filename"} {
		if v, ok := p.Metadata[key]; ok && v != "" {
			return v
		}
	}
	return "Unknown"
}

// candidate is a passage with its embedding, used only during MMR selection.
type candidate struct {
	passage   Passage
	embedding []float32
}
