package logging

// Ring is a bounded FIFO buffer. When full, pushing a new item evicts the
// oldest one. Ring is not safe for concurrent use; callers provide locking.
type Ring[T any] struct {
	buf     []T
	start   int
	limit   int
	dropped uint64
}

// NewRing creates a Ring holding at most capacity items. A capacity below one
// is treated as one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{limit: capacity}
}

// Push appends v and reports whether an older item was evicted to make room.
func (r *Ring[T]) Push(v T) bool {
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, v)
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % r.limit
	r.dropped++
	return true
}

// Items returns the buffered items, oldest first, as a new slice.
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.start:]...)
	out = append(out, r.buf[:r.start]...)
	return out
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	return len(r.buf)
}

// Cap returns the maximum number of items the Ring holds.
func (r *Ring[T]) Cap() int {
	return r.limit
}

// Dropped returns how many items have been evicted.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped
}
