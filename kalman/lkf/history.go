package lkf

// ring is a fixed-capacity history buffer. Only the most recent cap(buf)
// entries are retained: the filter's learning rule looks back a fixed
// number of ticks, so older entries can never be consulted again.
type ring[T any] struct {
	buf   []T
	count int
}

// newRing creates a ring retaining the c most recent entries.
func newRing[T any](c int) *ring[T] {
	if c < 1 {
		c = 1
	}
	return &ring[T]{buf: make([]T, 0, c)}
}

// push appends v as the newest entry, evicting the oldest retained entry
// once the ring is full.
func (r *ring[T]) push(v T) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, v)
	} else {
		r.buf[r.count%cap(r.buf)] = v
	}
	r.count++
}

// len returns the total number of entries pushed over the ring lifetime.
func (r *ring[T]) len() int {
	return r.count
}

// at returns the entry pushed back ticks ago: at(0) is the newest entry.
// ok is false if the requested entry was never pushed or is no longer
// retained.
func (r *ring[T]) at(back int) (v T, ok bool) {
	if back < 0 || back >= len(r.buf) {
		return v, false
	}
	idx := (r.count - 1 - back) % cap(r.buf)
	if idx < 0 {
		idx += cap(r.buf)
	}
	return r.buf[idx], true
}
