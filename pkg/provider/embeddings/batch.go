package embeddings

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds the fan-out of [ExtractEach].
const DefaultBatchConcurrency = 4

// ExtractBatch extracts every path, using the backend's native batch
// endpoint when p implements [BatchProvider] and [ExtractEach] otherwise.
func ExtractBatch(ctx context.Context, p Provider, audioPaths []string, concurrency int) ([]BatchItem, error) {
	if bp, ok := p.(BatchProvider); ok {
		return bp.ExtractBatch(ctx, audioPaths)
	}
	return ExtractEach(ctx, p, audioPaths, concurrency), nil
}

// ExtractEach extracts every path with at most concurrency single calls in
// flight. Per-item failures are reported in BatchItem.Err; the slice is in
// request order. A non-positive concurrency uses [DefaultBatchConcurrency].
func ExtractEach(ctx context.Context, p Provider, audioPaths []string, concurrency int) []BatchItem {
	if len(audioPaths) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	items := make([]BatchItem, len(audioPaths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range audioPaths {
		g.Go(func() error {
			emb, err := p.Extract(gctx, path)
			items[i] = BatchItem{Index: i, AudioPath: path, Embedding: emb, Err: err}
			// Item errors never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()
	return items
}
