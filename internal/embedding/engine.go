package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/embeddings"
)

// Clip is an utterance to embed: either an existing WAV file (Path) or raw
// PCM16 mono that the engine spools to a temporary WAV and removes afterwards.
type Clip struct {
	Path       string
	PCM        []byte
	SampleRate int
}

// Comparison is the result of [Engine.ExtractAndCompare].
type Comparison struct {
	Embedding  Vector
	Similarity float64
}

// BatchItem is the per-path outcome of [Engine.BatchExtract].
type BatchItem struct {
	Index     int
	AudioPath string
	Vector    Vector
	Err       error
}

// BatchResult collects every item of a batch extraction, in request order.
type BatchResult struct {
	Items     []BatchItem
	Succeeded int
	Failed    int
}

// Vectors returns the successfully extracted vectors in request order.
func (r BatchResult) Vectors() []Vector {
	out := make([]Vector, 0, r.Succeeded)
	for _, it := range r.Items {
		if it.Err == nil {
			out = append(out, it.Vector)
		}
	}
	return out
}

// Engine extracts speaker embeddings through a backend. It is safe for
// concurrent use.
type Engine struct {
	provider    embeddings.Provider
	name        string
	timeout     time.Duration
	spoolDir    string
	concurrency int
	metrics     *observe.Metrics
}

// EngineOption configures an [Engine].
type EngineOption func(*Engine)

// WithTimeout bounds every backend call. Zero disables the bound.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// WithSpoolDir sets where PCM clips are written before extraction.
// Default: the OS temp directory.
func WithSpoolDir(dir string) EngineOption {
	return func(e *Engine) { e.spoolDir = dir }
}

// WithBatchConcurrency bounds single-call fan-out for backends without a
// native batch endpoint.
func WithBatchConcurrency(n int) EngineOption {
	return func(e *Engine) { e.concurrency = n }
}

// WithMetrics records latency and request counters on m.
func WithMetrics(m *observe.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) EngineOption {
	return func(e *Engine) { e.name = name }
}

// NewEngine returns an Engine using p.
func NewEngine(p embeddings.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		provider:    p,
		name:        "embeddings",
		timeout:     10 * time.Second,
		spoolDir:    os.TempDir(),
		concurrency: embeddings.DefaultBatchConcurrency,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ModelID returns the backend's model identifier.
func (e *Engine) ModelID() string { return e.provider.ModelID() }

// Dimensions returns the backend's vector length, or 0 if unknown.
func (e *Engine) Dimensions() int { return e.provider.Dimensions() }

// Ping checks backend readiness when the backend supports it.
func (e *Engine) Ping(ctx context.Context) error {
	if hc, ok := e.provider.(embeddings.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// Extract returns the speaker embedding of clip. Failures are reported as
// *InferenceError; caller cancellation is returned as-is.
func (e *Engine) Extract(ctx context.Context, clip Clip) (Vector, error) {
	ctx, span := observe.StartSpan(ctx, "embedding.extract", trace.WithAttributes(
		observe.AttrBackend.String(e.name),
		observe.AttrModelID.String(e.ModelID()),
	))
	defer span.End()

	path, cleanup, err := e.materialise(clip)
	if err != nil {
		observe.Fail(span, err)
		return Vector{}, err
	}
	defer cleanup()

	v, err := e.extract(ctx, path)
	if err != nil {
		observe.Fail(span, err)
		return Vector{}, err
	}
	span.SetAttributes(attribute.Int("vigil.embedding.dim", v.Dim()))
	return v, nil
}

// ExtractAndCompare extracts clip and compares it with ref in one backend
// round trip.
func (e *Engine) ExtractAndCompare(ctx context.Context, clip Clip, ref Vector) (Comparison, error) {
	v, err := e.Extract(ctx, clip)
	if err != nil {
		return Comparison{}, err
	}
	sim, err := Similarity(v, ref)
	if err != nil {
		return Comparison{}, err
	}
	return Comparison{Embedding: v, Similarity: sim}, nil
}

// BatchExtract extracts every path. Per-item failures are reported in the
// result; the call fails with [ErrBatchFailed] only when no item succeeded and
// with [ErrEmptyInput] when paths is empty.
func (e *Engine) BatchExtract(ctx context.Context, paths []string) (BatchResult, error) {
	if len(paths) == 0 {
		return BatchResult{}, ErrEmptyInput
	}
	ctx, span := observe.StartSpan(ctx, "embedding.batch_extract", trace.WithAttributes(
		observe.AttrBackend.String(e.name),
		observe.AttrModelID.String(e.ModelID()),
		attribute.Int("vigil.batch.size", len(paths)),
	))
	defer span.End()

	cctx, cancel := e.withTimeout(ctx, len(paths))
	defer cancel()

	start := time.Now()
	items, err := embeddings.ExtractBatch(cctx, e.provider, paths, e.concurrency)
	e.record(ctx, "batch", start, err)
	if err != nil {
		err = classify("batch extract", err)
		observe.Fail(span, err)
		return BatchResult{}, err
	}

	res := BatchResult{Items: make([]BatchItem, len(paths))}
	for i, path := range paths {
		res.Items[i] = BatchItem{Index: i, AudioPath: path, Err: fmt.Errorf("%w: missing item", embeddings.ErrMalformedResponse)}
	}
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(paths) {
			continue
		}
		out := &res.Items[it.Index]
		if it.Err != nil {
			out.Err = classify("batch extract", it.Err)
			continue
		}
		v, verr := e.vector(it.Embedding)
		out.Vector, out.Err = v, verr
	}
	for _, it := range res.Items {
		if it.Err == nil {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	span.SetAttributes(attribute.Int("vigil.batch.succeeded", res.Succeeded))
	if res.Succeeded == 0 {
		return res, ErrBatchFailed
	}
	return res, nil
}

func (e *Engine) extract(ctx context.Context, path string) (Vector, error) {
	cctx, cancel := e.withTimeout(ctx, 1)
	defer cancel()

	start := time.Now()
	emb, err := e.provider.Extract(cctx, path)
	e.record(ctx, "extract", start, err)
	if err != nil {
		return Vector{}, classify("extract", err)
	}
	return e.vector(emb)
}

func (e *Engine) vector(emb embeddings.Embedding) (Vector, error) {
	v := NewVector(emb.Values, emb.Model)
	if v.ModelID == "" {
		v.ModelID = e.provider.ModelID()
	}
	if v.IsZero() || !v.Finite() {
		return Vector{}, &InferenceError{Kind: KindMalformed, Op: "extract", Err: embeddings.ErrMalformedResponse}
	}
	return v, nil
}

// withTimeout scales the per-call timeout by n for batch calls.
func (e *Engine) withTimeout(ctx context.Context, n int) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout*time.Duration(n))
}

func (e *Engine) record(ctx context.Context, op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordEmbedding(ctx, op, time.Since(start))
	e.metrics.RecordProviderRequest(ctx, e.name, "embeddings", observe.Status(err))
	if err != nil {
		kind := "canceled"
		var ie *InferenceError
		if errors.As(classify(op, err), &ie) {
			kind = ie.Kind.String()
		}
		e.metrics.RecordProviderError(ctx, e.name, kind)
	}
}

// materialise returns a path for clip, spooling PCM when needed, and a
// cleanup func that removes any file it created.
func (e *Engine) materialise(clip Clip) (string, func(), error) {
	if clip.Path != "" {
		return clip.Path, func() {}, nil
	}
	if len(clip.PCM) == 0 {
		return "", nil, ErrEmptyInput
	}
	path, err := audio.Spool(e.spoolDir, clip.PCM, clip.SampleRate)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrSpoolFailed, err)
	}
	return path, func() { _ = os.Remove(path) }, nil
}
