package types

import "sync"

// Deque is a concurrency-safe FIFO buffer.
// The zero value is ready to use.
type Deque[T any] struct {
	mu    sync.Mutex
	items []T
}

// Append adds an item to the back of the deque.
func (d *Deque[T]) Append(item T) {
	d.mu.Lock()
	d.items = append(d.items, item)
	d.mu.Unlock()
}

// Drain removes and returns all buffered items in FIFO order.
func (d *Deque[T]) Drain() []T {
	d.mu.Lock()
	items := d.items
	d.items = nil
	d.mu.Unlock()
	return items
}

// Len returns the number of buffered items.
func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
