package ocr

import (
	"context"
	"time"
)

// WithTimeout bounds every call on r by d. A call that outlives its deadline
// returns context.DeadlineExceeded while the engine finishes in the background.
func WithTimeout(r Recognizer, d time.Duration) Recognizer {
	if d <= 0 {
		return r
	}
	return &bounded{inner: r, timeout: d}
}

type bounded struct {
	inner   Recognizer
	timeout time.Duration
}

func (b *bounded) Text(ctx context.Context, img []byte, cfg Config) (string, error) {
	return call(ctx, b.timeout, func(ctx context.Context) (string, error) {
		return b.inner.Text(ctx, img, cfg)
	})
}

func (b *bounded) Words(ctx context.Context, img []byte, cfg Config) ([]Word, error) {
	return call(ctx, b.timeout, func(ctx context.Context) ([]Word, error) {
		return b.inner.Words(ctx, img, cfg)
	})
}

func call[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
