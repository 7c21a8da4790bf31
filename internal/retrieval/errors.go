package retrieval

import "errors"

// ErrIndexUnavailable indicates the vector index could not be reached.
// There is no degraded path for this failure: without candidates there
// is nothing to answer from.
var ErrIndexUnavailable = errors.New("vector index unavailable")
