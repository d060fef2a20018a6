package embedding

import (
	"context"
	"sync"
	"time"
)

// rateLimited wraps a Provider with a minimum interval between upstream
// requests and splits oversized batches into fixed-size sub-batches.
type rateLimited struct {
	inner       Provider
	minInterval time.Duration
	batchSize   int

	mu   sync.Mutex
	last time.Time
}

// NewRateLimited enforces minInterval between upstream calls and caps
// each request at batchSize inputs. Zero values disable the respective
// behavior.
func NewRateLimited(inner Provider, minInterval time.Duration, batchSize int) Provider {
	if minInterval <= 0 && batchSize <= 0 {
		return inner
	}
	return &rateLimited{inner: inner, minInterval: minInterval, batchSize: batchSize}
}

func (r *rateLimited) ID() string    { return r.inner.ID() }
func (r *rateLimited) Model() string { return r.inner.Model() }

func (r *rateLimited) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.EmbedQuery(ctx, text)
}

func (r *rateLimited) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	size := r.batchSize
	if size <= 0 || len(texts) <= size {
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
		return r.inner.EmbedBatch(ctx, texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
		vecs, err := r.inner.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// wait sleeps until minInterval has elapsed since the previous upstream
// call, respecting cancellation.
func (r *rateLimited) wait(ctx context.Context) error {
	if r.minInterval <= 0 {
		return nil
	}
	r.mu.Lock()
	now := time.Now()
	next := r.last.Add(r.minInterval)
	if next.Before(now) {
		next = now
	}
	r.last = next
	r.mu.Unlock()

	d := time.Until(next)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
