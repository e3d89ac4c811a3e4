package device

import "sync"

// ring is the fixed-capacity audio buffer between a transport reader and
// the utterance finalizer. Overflow drops the oldest bytes and counts them;
// recording always continues.
type ring struct {
	mu      sync.Mutex
	buf     []byte
	start   int
	length  int
	dropped int64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes on overflow. Returns the
// number of bytes dropped by this write.
func (r *ring) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var droppedNow int
	if len(p) >= len(r.buf) {
		// The write alone exceeds capacity: everything buffered plus the
		// head of p is lost.
		droppedNow = r.length + len(p) - len(r.buf)
		p = p[len(p)-len(r.buf):]
		r.start = 0
		r.length = 0
	} else if over := r.length + len(p) - len(r.buf); over > 0 {
		droppedNow = over
		r.start = (r.start + over) % len(r.buf)
		r.length -= over
	}

	w := (r.start + r.length) % len(r.buf)
	n := copy(r.buf[w:], p)
	copy(r.buf, p[n:])
	r.length += len(p)
	r.dropped += int64(droppedNow)
	return droppedNow
}

// Drain removes and returns all buffered bytes.
func (r *ring) Drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.length == 0 {
		return nil
	}
	out := make([]byte, r.length)
	n := copy(out, r.buf[r.start:min(r.start+r.length, len(r.buf))])
	copy(out[n:], r.buf)
	r.start = 0
	r.length = 0
	return out
}

func (r *ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

// Dropped returns the cumulative overflow byte count.
func (r *ring) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
