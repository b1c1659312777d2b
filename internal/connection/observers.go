package connection

import "sync"

// handlerList is an ordered collection of observer callbacks for one event
// kind. Registration returns an unregister function; notification runs in
// registration order.
type handlerList[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id int
	fn func(T)
}

func newHandlerList[T any]() *handlerList[T] {
	return &handlerList[T]{}
}

// add registers a callback and returns its unregister function. The
// unregister function is idempotent.
func (l *handlerList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, handlerEntry[T]{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

// notify invokes all registered callbacks in registration order. Callbacks
// run outside the list lock so they may register or unregister observers.
func (l *handlerList[T]) notify(v T) {
	l.mu.Lock()
	entries := make([]handlerEntry[T], len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		e.fn(v)
	}
}

// size returns the number of registered callbacks.
func (l *handlerList[T]) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
