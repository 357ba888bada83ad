// Package mixer reassembles per-channel PCM frames from the decode worker
// into interleaved stereo blocks and writes them to the output ring.
//
// Frames are grouped into batches by timestamp. Up to a window of batches
// stay open at once, so the blocks of a multi-block SDU on one BIS can
// wait for their complements on another. Batches are always flushed in
// timestamp order. A batch is flushed when both stereo positions are
// filled, when the window overflows, when a role repeats before its
// complement, or immediately for mono frames.
package mixer

import (
	"encoding/binary"
	"log/slog"
	"slices"
	"sync"

	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/stats"
)

// DefaultJitter is the timestamp tolerance, in µs, within which frames
// belong to the same batch.
const DefaultJitter uint32 = 100

// Sink receives flushed stereo blocks as int16 little-endian bytes. It
// reports false when the block was dropped.
type Sink interface {
	Write(block []byte) bool
}

// batch collects the channel frames sharing one timestamp.
type batch struct {
	ts   uint32
	have [3]bool
	pcm  [3][]int16
}

// Mixer is the channel reassembly stage. It is driven by the decode
// worker; Flush may also be called from other goroutines.
type Mixer struct {
	log    *slog.Logger
	sink   Sink
	stats  *stats.Receive
	jitter uint32

	mu      sync.Mutex
	window  int
	hasRef  bool
	flushed bool   // ref is the timestamp of a flushed batch
	ref     uint32 // last flushed, or first seen, batch timestamp
	pending []*batch
	spare   []*batch
	scratch []byte
}

// New creates a Mixer writing to sink with a window of one batch. jitter
// of zero selects DefaultJitter. If log is nil, slog.Default() is used.
func New(sink Sink, jitter uint32, st *stats.Receive, log *slog.Logger) *Mixer {
	if log == nil {
		log = slog.Default()
	}
	if st == nil {
		st = stats.New()
	}
	if jitter == 0 {
		jitter = DefaultJitter
	}
	return &Mixer{
		log:    log.With("component", "mixer"),
		sink:   sink,
		stats:  st,
		jitter: jitter,
		window: 1,
	}
}

// SetWindow sets how many batches may be open at once. It should be the
// largest frame-blocks-per-SDU among the selected streams.
func (m *Mixer) SetWindow(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = max(n, 1)
	for len(m.pending) > m.window {
		m.flushThroughLocked(0)
	}
}

// Add places one decoded channel frame into its batch. samples is copied;
// the caller may reuse it.
func (m *Mixer) Add(role media.Role, samples []int16, ts uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasRef {
		m.hasRef = true
		m.ref = ts
	} else if newest := m.newestLocked(); ts < newest && ts < newest/10 {
		// The 32-bit µs clock wrapped; this is a new batch, not a late one.
		m.stats.Wraparounds.Add(1)
		m.log.Debug("timestamp wraparound", "ts", ts, "batch", newest)
		m.flushAllLocked()
		m.flushed = false
		m.ref = ts
	}

	i, ok := m.findLocked(ts)
	if !ok && m.staleLocked(ts) {
		m.stats.StaleFrames.Add(1)
		return
	}

	if ok && role != media.RoleMono && m.pending[i].have[role] {
		// Same role again before its complement: start a new cycle.
		m.stats.RepeatFlushes.Add(1)
		m.flushThroughLocked(i)
		ok = false
	}
	if role == media.RoleMono {
		// Mono stands alone; whatever is pending up to its time goes first.
		if ok {
			m.flushThroughLocked(i)
			ok = false
		} else {
			m.flushOlderLocked(ts)
		}
	}
	if !ok {
		i = m.insertLocked(ts)
	}

	b := m.pending[i]
	b.pcm[role] = append(b.pcm[role][:0], samples...)
	b.have[role] = true

	if role == media.RoleMono || (b.have[media.RoleLeft] && b.have[media.RoleRight]) {
		m.flushThroughLocked(i)
	}
}

// Flush writes out every pending batch in timestamp order.
func (m *Mixer) Flush() {
	m.mu.Lock()
	m.flushAllLocked()
	m.mu.Unlock()
}

// Reset discards any pending batches and forgets the timestamp reference.
// The window is kept.
func (m *Mixer) Reset() {
	m.mu.Lock()
	for _, b := range m.pending {
		m.recycleLocked(b)
	}
	m.pending = m.pending[:0]
	m.hasRef = false
	m.flushed = false
	m.ref = 0
	m.mu.Unlock()
}

func (m *Mixer) newestLocked() uint32 {
	if n := len(m.pending); n > 0 {
		return max(m.pending[n-1].ts, m.ref)
	}
	return m.ref
}

// findLocked returns the open batch whose timestamp is within jitter of ts.
func (m *Mixer) findLocked(ts uint32) (int, bool) {
	for i, b := range m.pending {
		if absDiff(b.ts, ts) <= m.jitter {
			return i, true
		}
	}
	return 0, false
}

// staleLocked reports whether ts belongs to a batch already flushed or
// precedes the first reference by more than the jitter.
func (m *Mixer) staleLocked(ts uint32) bool {
	if m.flushed {
		return ts < m.ref || ts-m.ref <= m.jitter
	}
	return ts < m.ref && m.ref-ts > m.jitter
}

// insertLocked opens a batch for ts, first flushing older batches that no
// longer fit in the window, and returns its index.
func (m *Mixer) insertLocked(ts uint32) int {
	for len(m.pending) >= m.window && m.pending[0].ts < ts {
		m.flushThroughLocked(0)
	}

	var b *batch
	if n := len(m.spare); n > 0 {
		b = m.spare[n-1]
		m.spare = m.spare[:n-1]
	} else {
		b = &batch{}
	}
	b.ts = ts

	pos := len(m.pending)
	for j, p := range m.pending {
		if p.ts > ts {
			pos = j
			break
		}
	}
	m.pending = slices.Insert(m.pending, pos, b)
	return pos
}

func (m *Mixer) flushOlderLocked(ts uint32) {
	for len(m.pending) > 0 && m.pending[0].ts < ts {
		m.flushThroughLocked(0)
	}
}

func (m *Mixer) flushAllLocked() {
	if len(m.pending) > 0 {
		m.flushThroughLocked(len(m.pending) - 1)
	}
}

// flushThroughLocked flushes pending batches 0..i in order.
func (m *Mixer) flushThroughLocked(i int) {
	for _, b := range m.pending[:i+1] {
		m.flushBatchLocked(b)
		m.ref = b.ts
		m.flushed = true
		m.recycleLocked(b)
	}
	n := copy(m.pending, m.pending[i+1:])
	clear(m.pending[n:])
	m.pending = m.pending[:n]
}

func (m *Mixer) recycleLocked(b *batch) {
	b.have = [3]bool{}
	m.spare = append(m.spare, b)
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func (m *Mixer) flushBatchLocked(b *batch) {
	var left, right []int16
	switch {
	case b.have[media.RoleMono]:
		left, right = b.pcm[media.RoleMono], b.pcm[media.RoleMono]
	case b.have[media.RoleLeft] && b.have[media.RoleRight]:
		left, right = b.pcm[media.RoleLeft], b.pcm[media.RoleRight]
		if len(left) != len(right) {
			m.stats.CountMismatch.Add(1)
			m.log.Warn("channel sample count mismatch", "left", len(left), "right", len(right), "ts", b.ts)
		}
	case b.have[media.RoleLeft]:
		left, right = b.pcm[media.RoleLeft], b.pcm[media.RoleLeft]
	default:
		left, right = b.pcm[media.RoleRight], b.pcm[media.RoleRight]
	}

	n := min(len(left), len(right))
	size := n * 4
	if cap(m.scratch) < size {
		m.scratch = make([]byte, size)
	}
	buf := m.scratch[:size]
	for i := range n {
		binary.LittleEndian.PutUint16(buf[i*4:], uint16(left[i]))
		binary.LittleEndian.PutUint16(buf[i*4+2:], uint16(right[i]))
	}

	m.stats.BlocksFlushed.Add(1)

	if n > 0 && !m.sink.Write(buf) {
		m.log.Debug("output ring full, block dropped", "ts", b.ts)
	}
}
