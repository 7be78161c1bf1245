// ABOUTME: Request coalescing so each key has at most one in-flight producer
// ABOUTME: Thin typed layer over singleflight with detached, time-bounded producers
package coalesce

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Group coalesces concurrent calls per key. The zero value is not usable; use New.
type Group[T any] struct {
	sf      singleflight.Group
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
}

// New returns a group whose producers are cut off after timeout. Zero means no limit.
func New[T any](timeout time.Duration) *Group[T] {
	return &Group[T]{
		timeout: timeout,
		pending: make(map[string]struct{}),
	}
}

// Run attaches to the in-flight producer for key or starts fn. Every attached
// caller observes the same outcome. When ctx ends the caller stops waiting but
// the producer keeps running for the others.
func (g *Group[T]) Run(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	ch := g.start(ctx, key, fn)

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Go starts or joins the producer for key without waiting for it.
func (g *Group[T]) Go(ctx context.Context, key string, fn func(context.Context) (T, error)) {
	_ = g.start(ctx, key, fn)
}

// Pending reports whether a producer for key is running.
func (g *Group[T]) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[key]
	return ok
}

func (g *Group[T]) start(ctx context.Context, key string, fn func(context.Context) (T, error)) <-chan singleflight.Result {
	// The producer outlives whichever caller happened to start it.
	base := context.WithoutCancel(ctx)

	return g.sf.DoChan(key, func() (any, error) {
		g.mu.Lock()
		g.pending[key] = struct{}{}
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			delete(g.pending, key)
			g.mu.Unlock()
		}()

		fctx := base
		if g.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(base, g.timeout)
			defer cancel()
		}
		return fn(fctx)
	})
}
