// Package fanout delivers values to a dynamic set of subscribers.
//
// Once an unsubscribe function returns, its subscriber is not invoked for any
// value published afterwards. A value published concurrently with the
// unsubscribe may or may not be delivered.
package fanout

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Set is a set of subscribers for values of type T. The zero value is ready
// to use.
type Set[T any] struct {
	mu sync.Mutex
	// subs holds live subscribers in subscription order.
	subs []*subscriber[T]
}

type subscriber[T any] struct {
	fn     func(T)
	closed atomic.Bool
}

// Subscribe registers fn and returns its unsubscribe function. Calling the
// unsubscribe function more than once is a no-op.
func (s *Set[T]) Subscribe(fn func(T)) func() {
	sub := &subscriber[T]{fn: fn}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() {
		if sub.closed.Swap(true) {
			return
		}
		s.mu.Lock()
		if i := slices.Index(s.subs, sub); i >= 0 {
			s.subs = slices.Delete(s.subs, i, i+1)
		}
		s.mu.Unlock()
	}
}

// Publish delivers v synchronously, in subscription order, to the
// subscribers registered when Publish was called.
func (s *Set[T]) Publish(v T) {
	s.mu.Lock()
	snapshot := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, sub := range snapshot {
		if sub.closed.Load() {
			continue
		}
		sub.fn(v)
	}
}

// Len reports the number of live subscribers.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
