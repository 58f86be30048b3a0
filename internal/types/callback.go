package types

import (
	"slices"
	"sync"
)

// CallbackManager keeps an ordered set of registered callbacks.
// The zero value is ready to use. Safe for concurrent use.
type CallbackManager[T any] struct {
	mu      sync.RWMutex
	entries []callbackEntry[T]
	nextID  int
}

type callbackEntry[T any] struct {
	id int
	cb T
}

// Len returns the number of registered callbacks.
func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Add registers a callback and returns a function removing it again.
// The remove function is idempotent.
func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.entries = append(m.entries, callbackEntry[T]{id, cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.entries = slices.DeleteFunc(m.entries, func(e callbackEntry[T]) bool {
				return e.id == id
			})
			m.mu.Unlock()
		})
	}
}

// Range calls fn for each registered callback in registration order.
// Callbacks are snapshotted first, so fn may register or remove callbacks.
func (m *CallbackManager[T]) Range(fn func(cb T)) {
	if m == nil {
		return
	}

	m.mu.RLock()
	snapshot := make([]T, len(m.entries))
	for i, e := range m.entries {
		snapshot[i] = e.cb
	}
	m.mu.RUnlock()

	for _, cb := range snapshot {
		fn(cb)
	}
}
