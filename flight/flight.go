// Package flight deduplicates concurrent fetches of the same external
// resource and caches results for a short time. It is used for chain reads
// that many goroutines request at once, like pool reserves on a new block.
package flight

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = 250 * time.Millisecond

// FetchFunc retrieves the value for a key from the underlying source.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

type result[T any] struct {
	v T
	e error
}

type call[T any] struct {
	done chan struct{}
	res  result[T]
}

// Group coalesces concurrent Do calls per key: while a fetch for a key is in
// flight, later callers wait for its result instead of fetching again.
// Successful results are cached for cacheTime; errors are not cached.
type Group[T any] struct {
	fetch FetchFunc[T]
	cache *gocache.Cache

	mu       sync.Mutex
	inflight map[string]*call[T]
}

func NewGroup[T any](fetch FetchFunc[T], cacheTime time.Duration) *Group[T] {
	return &Group[T]{
		fetch:    fetch,
		cache:    gocache.New(cacheTime, defaultCleanupInterval),
		inflight: make(map[string]*call[T]),
	}
}

// Do returns the cached value for key or fetches it. The context only bounds
// the caller's wait; an in-flight fetch started by another caller is not
// cancelled.
func (g *Group[T]) Do(ctx context.Context, key string) (T, error) {
	if v, ok := g.cache.Get(key); ok {
		//nolint:forcetypeassert
		return v.(T), nil
	}

	g.mu.Lock()
	if c, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-c.done:
			return c.res.v, c.res.e
		}
	}

	c := &call[T]{done: make(chan struct{})}
	g.inflight[key] = c
	g.mu.Unlock()

	v, err := g.fetch(context.WithoutCancel(ctx), key)
	if err == nil {
		g.cache.SetDefault(key, v)
	}

	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()

	c.res = result[T]{v: v, e: err}
	close(c.done)

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	default:
	}
	return v, err
}

// Forget drops the cached value for key so the next Do refetches it.
func (g *Group[T]) Forget(key string) {
	g.cache.Delete(key)
}

// Flush drops the whole cache, typically on a new chain head.
func (g *Group[T]) Flush() {
	g.cache.Flush()
}
