// Package saga holds the rendezvous between a request waiting for a
// distributed transaction and the callback that decides it.
package saga

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrSlotExists  = errors.New("saga: slot already registered")
	ErrSlotMissing = errors.New("saga: slot not registered")
)

type slot[T any] struct {
	ch      chan T
	created time.Time
}

// Registry maps a key to a one-shot result channel. Resolve stores a value
// without blocking, Wait consumes it and forgets the key.
type Registry[T any] struct {
	mu    sync.Mutex
	slots map[string]*slot[T]
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry creates a registry whose abandoned slots live for ttl.
func NewRegistry[T any](ttl time.Duration) *Registry[T] {
	return &Registry[T]{
		slots: make(map[string]*slot[T]),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (r *Registry[T]) Register(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[key]; ok {
		return errors.Wrapf(ErrSlotExists, "key %s", key)
	}
	r.slots[key] = &slot[T]{ch: make(chan T, 1), created: r.now()}
	return nil
}

// Resolve delivers v to the waiter. Only the first call for a key has an
// effect; it reports whether the value was stored.
func (r *Registry[T]) Resolve(key string, v T) bool {
	r.mu.Lock()
	s, ok := r.slots[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case s.ch <- v:
		return true
	default:
		return false
	}
}

// Wait blocks until key is resolved or ctx ends. The slot is removed either
// way.
func (r *Registry[T]) Wait(ctx context.Context, key string) (T, error) {
	var zero T

	r.mu.Lock()
	s, ok := r.slots[key]
	r.mu.Unlock()
	if !ok {
		return zero, errors.Wrapf(ErrSlotMissing, "key %s", key)
	}
	defer r.Forget(key)

	select {
	case v := <-s.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Registry[T]) Forget(key string) {
	r.mu.Lock()
	delete(r.slots, key)
	r.mu.Unlock()
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Sweep drops slots older than the registry TTL and returns how many went.
func (r *Registry[T]) Sweep() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, s := range r.slots {
		if s.created.Before(cutoff) {
			delete(r.slots, key)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Registry[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
