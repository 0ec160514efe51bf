package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/vigil/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.BatchProvider] with automatic
// failover across multiple speaker-embedding backends. Each backend has its
// own circuit breaker.
//
// Rejected inputs, malformed responses and caller cancellation do not count
// against a backend and are returned without trying the next one.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

// Compile-time interface assertions.
var (
	_ embeddings.BatchProvider = (*EmbeddingsFallback)(nil)
	_ embeddings.HealthChecker = (*EmbeddingsFallback)(nil)
)

// IsBackendFailure reports whether err indicates the embedding backend itself
// is unhealthy (unreachable, 5xx, timed out on its side).
func IsBackendFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, embeddings.ErrRejected),
		errors.Is(err, embeddings.ErrMalformedResponse),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend. cfg.CircuitBreaker.IsFailure defaults to
// [IsBackendFailure].
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = IsBackendFailure
	}
	return &EmbeddingsFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional backend as a fallback.
func (f *EmbeddingsFallback) AddFallback(name string, p embeddings.Provider) {
	f.group.AddFallback(name, p)
}

// Extract runs against the first healthy backend.
func (f *EmbeddingsFallback) Extract(ctx context.Context, audioPath string) (embeddings.Embedding, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) (embeddings.Embedding, error) {
		return p.Extract(ctx, audioPath)
	})
}

// ExtractBatch runs against the first healthy backend, using its native batch
// endpoint when it has one. A batch in which every item failed counts as a
// backend failure when every item error does.
func (f *EmbeddingsFallback) ExtractBatch(ctx context.Context, audioPaths []string) ([]embeddings.BatchItem, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]embeddings.BatchItem, error) {
		items, err := embeddings.ExtractBatch(ctx, p, audioPaths, embeddings.DefaultBatchConcurrency)
		if err != nil {
			return nil, err
		}
		var errs []error
		for _, it := range items {
			if it.Err == nil || !IsBackendFailure(it.Err) {
				return items, nil
			}
			errs = append(errs, it.Err)
		}
		if len(errs) == 0 {
			return items, nil
		}
		return nil, fmt.Errorf("every batch item failed: %w", errors.Join(errs...))
	})
}

// Ping reports healthy when any backend that supports health checks answers.
// Backends without a health probe are assumed healthy.
func (f *EmbeddingsFallback) Ping(ctx context.Context) error {
	var errs []error
	healthy := false
	f.group.Each(func(name string, p embeddings.Provider) {
		if healthy {
			return
		}
		hc, ok := p.(embeddings.HealthChecker)
		if !ok {
			healthy = true
			return
		}
		if err := hc.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		healthy = true
	})
	if healthy {
		return nil
	}
	return errors.Join(errs...)
}

// Dimensions returns the primary backend's dimension.
func (f *EmbeddingsFallback) Dimensions() int {
	var d int
	f.group.Each(func(_ string, p embeddings.Provider) {
		if d == 0 {
			d = p.Dimensions()
		}
	})
	return d
}

// ModelID returns the primary backend's model identifier.
func (f *EmbeddingsFallback) ModelID() string {
	var id string
	f.group.Each(func(_ string, p embeddings.Provider) {
		if id == "" {
			id = p.ModelID()
		}
	})
	return id
}
