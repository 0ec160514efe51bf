// Package embeddings defines the Provider interface for speaker-embedding
// backends.
//
// A speaker-embedding provider wraps a service that maps a recorded clip of
// speech to a dense float32 vector (e.g., an ECAPA-TDNN model trained on
// VoxCeleb). Two clips of the same voice map to nearby vectors under cosine
// similarity. The backend contract takes a path to a 16-bit mono WAV file that
// the backend can read; Vigil spools utterances to a shared directory before
// calling it.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
)

// Sentinel errors shared by all backends. Callers classify failures with
// errors.Is; anything else is treated as the backend being unavailable.
var (
	// ErrMalformedResponse is returned when the backend answers with a body that
	// cannot be decoded or an embedding of the wrong dimension.
	ErrMalformedResponse = errors.New("embeddings: malformed response")

	// ErrRejected is returned when the backend refuses the input (missing file,
	// unreadable audio, clip too short).
	ErrRejected = errors.New("embeddings: input rejected")
)

// Embedding is one extracted speaker vector together with the model that
// produced it.
type Embedding struct {
	Values []float32
	Model  string
}

// BatchItem is the per-clip outcome of a batch extraction. Exactly one of
// Embedding and Err is meaningful.
type BatchItem struct {
	// Index is the position of AudioPath in the request.
	Index     int
	AudioPath string
	Embedding Embedding
	Err       error
}

// Provider is the abstraction over any speaker-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (Dimensions). Callers must not compare vectors produced by
// different models; the Model field on each [Embedding] makes that checkable.
type Provider interface {
	// Extract computes the speaker embedding of the WAV clip at audioPath.
	// Returns an error if the request fails, the backend rejects the clip, or
	// ctx is cancelled.
	Extract(ctx context.Context, audioPath string) (Embedding, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider, or 0 when it is not yet known.
	Dimensions() int

	// ModelID returns the backend's model identifier
	// (e.g., "speechbrain/spkrec-ecapa-voxceleb").
	ModelID() string
}

// BatchProvider is implemented by backends with a native batch endpoint.
type BatchProvider interface {
	Provider

	// ExtractBatch extracts every clip in one backend call. The returned slice
	// has one item per path, in request order; per-item failures are reported
	// in BatchItem.Err. A non-nil error means the whole call failed.
	ExtractBatch(ctx context.Context, audioPaths []string) ([]BatchItem, error)
}

// HealthChecker is implemented by backends that expose a readiness probe.
type HealthChecker interface {
	// Ping returns nil when the backend has its model loaded and can serve
	// requests.
	Ping(ctx context.Context) error
}
