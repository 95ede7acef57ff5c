package session

// ring is a fixed-capacity circular buffer of OutputEvents. It bounds the
// memory a runaway process can pin while keeping enough history for late
// subscribers to catch up. Callers hold the owning session's lock; ring itself
// is not synchronized.
type ring struct {
	buf  []OutputEvent
	next int
	full bool
}

func newRing(capacity int) *ring {
	// A session always has at least its terminal event to retain.
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]OutputEvent, capacity)}
}

func (r *ring) append(ev OutputEvent) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the buffered events in append order.
func (r *ring) snapshot() []OutputEvent {
	if !r.full {
		out := make([]OutputEvent, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]OutputEvent, len(r.buf))
	n := copy(out, r.buf[r.next:])
	copy(out[n:], r.buf[:r.next])
	return out
}
