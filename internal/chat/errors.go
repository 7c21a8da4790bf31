package chat

import "errors"

// Sentinel errors for engine operations.
var (
	// ErrGeneration indicates the answer model failed after retries.
	ErrGeneration = errors.New("answer generation failed")

	// ErrQuotaExceeded indicates a free user has no chats left.
	ErrQuotaExceeded = errors.New("chat quota exceeded")

	// ErrNoContext indicates retrieval produced no candidates. There is
	// no safe degraded answer without reference material.
	ErrNoContext = errors.New("no relevant passages found")
)
