package logger

// Ring keeps the most recent items up to a fixed capacity.
type Ring[T any] struct {
	items []T
	next  int // Next write position
	size  int
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	return &Ring[T]{items: make([]T, max(capacity, 1))}
}

// Push adds an item, evicting the oldest one when full.
func (r *Ring[T]) Push(item T) {
	r.items[r.next] = item
	r.next = (r.next + 1) % len(r.items)

	if r.size < len(r.items) {
		r.size++
	}
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int {
	return r.size
}

// Items returns the held items, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	start := (r.next - r.size + len(r.items)) % len(r.items)

	for i := range r.size {
		out[i] = r.items[(start+i)%len(r.items)]
	}

	return out
}
