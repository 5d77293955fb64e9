// Package ringbuffer provides a fixed-capacity FIFO that overwrites its
// oldest element when full.
package ringbuffer

import "sync"

// Ring is a bounded, concurrency-safe circular buffer.
type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	start int
	n     int
}

// New returns a ring holding at most capacity items. Capacity below one is
// treated as one.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.n) % len(r.buf)
	r.buf[idx] = v
	if r.n < len(r.buf) {
		r.n++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Items returns buffered items, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Filter returns buffered items matching keep, oldest first.
func (r *Ring[T]) Filter(keep func(T) bool) []T {
	var out []T
	for _, v := range r.Items() {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Reset drops all items.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.n = 0, 0
}
