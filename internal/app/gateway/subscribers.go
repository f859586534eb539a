package gateway

import "sync"

// subscribers is a concurrency-safe registry of snapshot callbacks for one
// stream. Both adapters use it so that unsubscribe functions stay valid
// across reconnects and are safe to call twice.
type subscribers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

// add registers a callback and returns its unsubscribe function.
func (s *subscribers[T]) add(fn func(T)) UnsubscribeFunc {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(T))
	}

	id := s.next
	s.next++
	s.fns[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

// dispatch invokes every registered callback with the snapshot.
// Callbacks run outside the lock so a subscriber may unsubscribe itself.
func (s *subscribers[T]) dispatch(snapshot T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
