// Package events provides a typed, in-process publish/subscribe bus.
package events

import (
	"fmt"
	"sync"

	"github.com/kimhsiao/marketsync/internal/logging"
)

// Bus delivers values of type T to every subscriber synchronously, in
// subscription order. A panicking subscriber is logged and skipped.
type Bus[T any] struct {
	name   string
	mu     sync.RWMutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewBus creates a bus; name appears in panic logs.
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish sends v to all current subscribers.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.fn, v)
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Event subscriber panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"bus": b.name,
			})
		}
	}()
	fn(v)
}

// SafeCall runs fn and recovers any panic, logging it under name.
// It reports whether fn returned normally.
func SafeCall(name string, fn func()) (ok bool) {
	if fn == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Callback panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"callback": name,
			})
			ok = false
		}
	}()
	fn()
	return true
}
