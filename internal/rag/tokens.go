package rag

// EstimateTokens approximates the token cost of text as ceil(len/4).
// It is a cheap proxy used only for budget comparisons, never for
// exact accounting against a real tokenizer.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
