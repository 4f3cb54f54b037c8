// Package idempotency makes "do this at most once per key" actions safe across
// goroutines and processes. A durable Claimer decides the winner; Guard keeps an
// in-process memo in front of it so repeated checks stay cheap.
package idempotency

import (
	"context"
	"fmt"
	"sync"
)

// Claimer atomically records key and reports whether this caller was first.
type Claimer[K comparable] interface {
	Claim(ctx context.Context, key K) (bool, error)
}

// ClaimFunc adapts a function to Claimer.
type ClaimFunc[K comparable] func(ctx context.Context, key K) (bool, error)

func (f ClaimFunc[K]) Claim(ctx context.Context, key K) (bool, error) { return f(ctx, key) }

// Guard runs an action at most once per key.
type Guard[K comparable] struct {
	claimer Claimer[K]

	mu   sync.Mutex
	seen map[K]struct{}
	busy map[K]chan struct{}
}

// NewGuard creates a guard backed by claimer.
func NewGuard[K comparable](claimer Claimer[K]) *Guard[K] {
	return &Guard[K]{
		claimer: claimer,
		seen:    make(map[K]struct{}),
		busy:    make(map[K]chan struct{}),
	}
}

// Seen reports whether key is already known to be claimed in this process.
func (g *Guard[K]) Seen(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[key]
	return ok
}

// Once claims key and, if this caller won, runs fn. Concurrent callers in the same
// process wait for the first one instead of hitting the claimer. A claim error
// leaves the key unclaimed so a later call can retry; an error from fn does not
// release the claim.
func (g *Guard[K]) Once(ctx context.Context, key K, fn func(ctx context.Context) error) (bool, error) {
	for {
		g.mu.Lock()
		if _, ok := g.seen[key]; ok {
			g.mu.Unlock()
			return false, nil
		}
		wait, inFlight := g.busy[key]
		if !inFlight {
			wait = make(chan struct{})
			g.busy[key] = wait
			g.mu.Unlock()
			break
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-wait:
		}
	}

	won, err := g.claimer.Claim(ctx, key)

	g.mu.Lock()
	if err == nil {
		g.seen[key] = struct{}{}
	}
	close(g.busy[key])
	delete(g.busy, key)
	g.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("claim %v: %w", key, err)
	}
	if !won {
		return false, nil
	}
	if fn == nil {
		return true, nil
	}
	return true, fn(ctx)
}

// Forget drops memoized keys matching drop. The durable claim is untouched.
func (g *Guard[K]) Forget(drop func(K) bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.seen {
		if drop(k) {
			delete(g.seen, k)
			n++
		}
	}
	return n
}
