package supervisor

import (
	"sync"
)

// ring is a bounded byte window over an append-only stream. One collector
// goroutine writes; log reads happen concurrently. Offsets are absolute
// stream positions, so a reader can tell when bytes have rotated out of
// the window and must come from the spill file instead.
type ring struct {
	mu   sync.RWMutex
	buf  []byte
	size int

	// end is the total number of bytes ever written.
	end int64
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1 << 20
	}
	return &ring{
		buf:  make([]byte, 0, size),
		size: size,
	}
}

// Write appends p to the window, evicting the oldest bytes when full.
// Implements io.Writer and never fails.
func (r *ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	r.end += int64(n)

	if n >= r.size {
		// The chunk alone fills the window.
		r.buf = append(r.buf[:0], p[n-r.size:]...)
		return n, nil
	}

	if overflow := len(r.buf) + n - r.size; overflow > 0 {
		r.buf = append(r.buf[:0], r.buf[overflow:]...)
	}
	r.buf = append(r.buf, p...)
	return n, nil
}

// End returns the total bytes written to the stream.
func (r *ring) End() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.end
}

// Start returns the absolute offset of the oldest byte still in the
// window.
func (r *ring) Start() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.end - int64(len(r.buf))
}

// ReadFrom copies the window contents from the absolute offset. The
// returned effective offset is where data actually starts: it is clamped
// forward when the requested bytes rotated out, and clamped back to the
// stream end when the request is beyond what was written.
func (r *ring) ReadFrom(offset int64) (data []byte, effective int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := r.end - int64(len(r.buf))
	if offset < start {
		offset = start
	}
	if offset >= r.end {
		return nil, r.end
	}

	from := int(offset - start)
	out := make([]byte, len(r.buf)-from)
	copy(out, r.buf[from:])
	return out, offset
}

// Tail returns up to n trailing bytes of the window.
func (r *ring) Tail(n int) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || len(r.buf) == 0 {
		return nil
	}
	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]byte, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}
