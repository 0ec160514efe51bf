// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned speaker vectors without a live backend and
// to verify which clips were submitted for extraction.
//
// Example:
//
//	p := &mock.Provider{
//	    ExtractResult:   embeddings.Embedding{Values: []float32{0.1, 0.2, 0.3}, Model: "test"},
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test",
//	}
//	emb, _ := p.Extract(ctx, "/spool/utt.wav")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vigil/pkg/provider/embeddings"
)

// ExtractCall records a single invocation of Extract.
type ExtractCall struct {
	// Ctx is the context passed to Extract.
	Ctx context.Context
	// AudioPath is the path passed to Extract.
	AudioPath string
}

// Provider is a mock implementation of embeddings.Provider. It does not
// implement embeddings.BatchProvider; wrap it in [BatchProvider] for that.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ExtractFunc, if set, computes the result of Extract and takes precedence
	// over ExtractResult and ExtractErr.
	ExtractFunc func(ctx context.Context, audioPath string) (embeddings.Embedding, error)

	// ExtractResult is returned by Extract.
	ExtractResult embeddings.Embedding

	// ExtractErr, if non-nil, is returned as the error from Extract.
	ExtractErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// PingErr is returned by Ping.
	PingErr error

	// --- Call records ---

	// ExtractCalls records every call to Extract in order.
	ExtractCalls []ExtractCall
}

// Extract records the call and returns ExtractFunc's result, or
// ExtractResult, ExtractErr.
func (p *Provider) Extract(ctx context.Context, audioPath string) (embeddings.Embedding, error) {
	p.mu.Lock()
	p.ExtractCalls = append(p.ExtractCalls, ExtractCall{Ctx: ctx, AudioPath: audioPath})
	fn, res, err := p.ExtractFunc, p.ExtractResult, p.ExtractErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, audioPath)
	}
	return res, err
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string { return p.ModelIDValue }

// Ping returns PingErr.
func (p *Provider) Ping(context.Context) error { return p.PingErr }

// Calls returns the number of Extract calls so far. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ExtractCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExtractCalls = nil
}

// BatchProvider adds a scripted native batch endpoint to Provider.
type BatchProvider struct {
	Provider

	// BatchResult is returned by ExtractBatch when non-nil.
	BatchResult []embeddings.BatchItem

	// BatchErr, if non-nil, is returned as the error from ExtractBatch.
	BatchErr error

	// BatchCalls records the paths of every ExtractBatch call.
	BatchCalls [][]string
}

// ExtractBatch records the call and returns BatchResult, BatchErr. When
// BatchResult is nil, every path is extracted through Extract.
func (p *BatchProvider) ExtractBatch(ctx context.Context, audioPaths []string) ([]embeddings.BatchItem, error) {
	p.mu.Lock()
	cp := make([]string, len(audioPaths))
	copy(cp, audioPaths)
	p.BatchCalls = append(p.BatchCalls, cp)
	res, err := p.BatchResult, p.BatchErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	items := make([]embeddings.BatchItem, len(audioPaths))
	for i, path := range audioPaths {
		emb, err := p.Extract(ctx, path)
		items[i] = embeddings.BatchItem{Index: i, AudioPath: path, Embedding: emb, Err: err}
	}
	return items, nil
}

var (
	_ embeddings.Provider      = (*Provider)(nil)
	_ embeddings.HealthChecker = (*Provider)(nil)
	_ embeddings.BatchProvider = (*BatchProvider)(nil)
)
