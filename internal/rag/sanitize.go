// Package rag contains the text-shaping half of the answer pipeline:
// sanitizing raw corpus text, estimating token cost, and assembling a
// bounded context string from ranked passages.
package rag

import (
	"regexp"
	"strings"
)

// Corpus passages leak artifacts from ingestion: URLs, source filenames
// and chunk identifiers like "Language_nlp_61". None of these belong in
// model context, so they are stripped before assembly.
var (
	urlPattern      = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+)`)
	filenamePattern = regexp.MustCompile(`(?i)\b[\w.-]+\.(txt|pdf|docx|html)\b`)
	chunkIDPattern  = regexp.MustCompile(`\b[a-zA-Z]+[_-][a-zA-Z]+[_-]\d+\b`)
	spacePattern    = regexp.MustCompile(`\s+`)
)

// Sanitize strips URL-like, filename-like and chunk-identifier tokens
// from text, collapses whitespace runs to single spaces and trims.
// Sanitize is idempotent.
func Sanitize(text string) string {
	text = urlPattern.ReplaceAllString(text, " ")
	text = filenamePattern.ReplaceAllString(text, " ")
	text = chunkIDPattern.ReplaceAllString(text, " ")
	text = spacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
