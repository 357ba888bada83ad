// Package ringbuf implements the fixed-capacity byte ring between channel
// reassembly (producer) and the periodic output drain (consumer).
package ringbuf

import (
	"sync"

	"github.com/zsiec/broadcastsink/internal/stats"
)

// Ring is a single-producer single-consumer byte ring. Neither side ever
// blocks on the other: a write that does not fit is dropped whole, and a
// drain that finds too little data zero-fills the remainder.
type Ring struct {
	mu    sync.Mutex
	buf   []byte
	head  int // next read position
	count int // bytes stored

	stats *stats.Receive
}

// New allocates a ring of capacity bytes. st may be nil.
func New(capacity int, st *stats.Receive) *Ring {
	if st == nil {
		st = stats.New()
	}
	return &Ring{
		buf:   make([]byte, capacity),
		stats: st,
	}
}

// Cap returns the ring capacity in bytes.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Write appends block if it fits entirely and reports whether it did.
// Blocks are never split, so the consumer always sees whole stereo blocks.
func (r *Ring) Write(block []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(block) > len(r.buf)-r.count {
		r.stats.BlocksDropped.Add(1)
		return false
	}

	tail := (r.head + r.count) % len(r.buf)
	n := copy(r.buf[tail:], block)
	copy(r.buf, block[n:])
	r.count += len(block)

	r.stats.BlocksWritten.Add(1)
	return true
}

// Drain fills p with buffered bytes and returns how many were real data.
// The rest of p is zeroed so the output device always receives a full
// period.
func (r *Ring) Drain(p []byte) int {
	r.mu.Lock()
	n := min(len(p), r.count)
	if n > 0 {
		c := copy(p[:n], r.buf[r.head:])
		copy(p[c:n], r.buf)
		r.head = (r.head + n) % len(r.buf)
		r.count -= n
	}
	r.mu.Unlock()

	clear(p[n:])
	if n < len(p) {
		r.stats.DrainUnderruns.Add(1)
	}
	r.stats.BytesDrained.Add(int64(n))
	return n
}

// Reset discards all buffered data.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.head, r.count = 0, 0
	r.mu.Unlock()
}
