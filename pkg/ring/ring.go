// Package ring provides a fixed-capacity FIFO buffer that overwrites its
// oldest element once full.
package ring

// Buffer is a bounded FIFO backed by a fixed arena and a read/write index.
// It is not safe for concurrent use; owners serialize access.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest element
	size  int
}

// New returns a Buffer holding at most capacity elements.
// A capacity below 1 is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v. When the buffer is full the oldest element is evicted and
// returned with evicted=true.
func (b *Buffer[T]) Push(v T) (old T, evicted bool) {
	c := len(b.items)
	if b.size < c {
		b.items[(b.head+b.size)%c] = v
		b.size++
		return old, false
	}
	old = b.items[b.head]
	b.items[b.head] = v
	b.head = (b.head + 1) % c
	return old, true
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Full reports whether Len equals Cap.
func (b *Buffer[T]) Full() bool { return b.size == len(b.items) }

// At returns the i-th element counting from the oldest.
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("ring: index out of range")
	}
	return b.items[(b.head+i)%len(b.items)]
}

// Last returns the newest element, false when empty.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.At(b.size - 1), true
}

// Slice copies the contents oldest-first.
func (b *Buffer[T]) Slice() []T {
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.At(i)
	}
	return out
}

// Tail copies the newest n elements oldest-first. n is clipped to Len.
func (b *Buffer[T]) Tail(n int) []T {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := b.size - n
	for i := range out {
		out[i] = b.At(start + i)
	}
	return out
}

// Reset drops all elements while keeping the arena.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head, b.size = 0, 0
}
