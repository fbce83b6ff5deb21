// Package ring provides a bounded keep-last buffer used for session history
// and the process log.
package ring

// Buffer keeps the most recent entries up to a fixed capacity. Appending
// beyond capacity evicts the oldest entry. Not safe for concurrent use;
// callers hold their own locks.
type Buffer[T any] struct {
	items []T
	start int
	size  int
}

// New creates a buffer that retains the last capacity entries. Capacity
// must be positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Append adds v, evicting the oldest entry when full.
func (b *Buffer[T]) Append(v T) {
	if b.size < len(b.items) {
		b.items[(b.start+b.size)%len(b.items)] = v
		b.size++
		return
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % len(b.items)
}

// Len returns the number of retained entries.
func (b *Buffer[T]) Len() int {
	return b.size
}

// Cap returns the retention capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Snapshot returns the retained entries oldest-first.
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

// Tail returns the most recent n entries oldest-first. If n exceeds the
// retained count the whole snapshot is returned.
func (b *Buffer[T]) Tail(n int) []T {
	if n >= b.size {
		return b.Snapshot()
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	first := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.start+first+i)%len(b.items)]
	}
	return out
}
