// Package stats accumulates receive-path telemetry shared by the frame
// pool, decode worker, reassembly, output ring and state machine, and
// exposes it as JSON snapshots and Prometheus metrics.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Receive holds the counters for one receiver. All counters are atomic so
// the interrupt-level receive path, the decode worker and the drain
// callback can update them without locks.
type Receive struct {
	started time.Time

	FramesReceived atomic.Int64
	QueueOverflow  atomic.Int64
	FramesMarked   atomic.Int64 // flagged for concealment on enqueue
	UnknownStream  atomic.Int64

	FramesDecoded   atomic.Int64
	FramesConcealed atomic.Int64
	DecodeErrors    atomic.Int64
	InactiveDrops   atomic.Int64

	StaleFrames    atomic.Int64
	Wraparounds    atomic.Int64
	RepeatFlushes  atomic.Int64
	CountMismatch  atomic.Int64
	BlocksFlushed  atomic.Int64
	BlocksWritten  atomic.Int64
	BlocksDropped  atomic.Int64
	BytesDrained   atomic.Int64
	DrainUnderruns atomic.Int64

	EventsDropped atomic.Int64
	Timeouts      atomic.Int64
	Resets        atomic.Int64
	Sessions      atomic.Int64

	transitionsMu sync.Mutex
	transitions   map[string]int64
}

// New returns a zeroed counter set.
func New() *Receive {
	return &Receive{
		started:     time.Now(),
		transitions: make(map[string]int64),
	}
}

// RecordTransition counts entries into a state machine state.
func (r *Receive) RecordTransition(state string) {
	r.transitionsMu.Lock()
	r.transitions[state]++
	r.transitionsMu.Unlock()
}

// Transitions returns a copy of the per-state entry counts.
func (r *Receive) Transitions() map[string]int64 {
	r.transitionsMu.Lock()
	defer r.transitionsMu.Unlock()

	out := make(map[string]int64, len(r.transitions))
	for k, v := range r.transitions {
		out[k] = v
	}
	return out
}

// Snapshot is a point-in-time copy of the counters, serialized by the
// status API.
type Snapshot struct {
	UptimeMs int64 `json:"uptimeMs"`

	FramesReceived int64 `json:"framesReceived"`
	QueueOverflow  int64 `json:"queueOverflow"`
	FramesMarked   int64 `json:"framesMarked"`
	UnknownStream  int64 `json:"unknownStream"`

	FramesDecoded   int64 `json:"framesDecoded"`
	FramesConcealed int64 `json:"framesConcealed"`
	DecodeErrors    int64 `json:"decodeErrors"`
	InactiveDrops   int64 `json:"inactiveDrops"`

	StaleFrames    int64 `json:"staleFrames"`
	Wraparounds    int64 `json:"wraparounds"`
	RepeatFlushes  int64 `json:"repeatFlushes"`
	CountMismatch  int64 `json:"countMismatch"`
	BlocksFlushed  int64 `json:"blocksFlushed"`
	BlocksWritten  int64 `json:"blocksWritten"`
	BlocksDropped  int64 `json:"blocksDropped"`
	BytesDrained   int64 `json:"bytesDrained"`
	DrainUnderruns int64 `json:"drainUnderruns"`

	EventsDropped int64            `json:"eventsDropped"`
	Timeouts      int64            `json:"timeouts"`
	Resets        int64            `json:"resets"`
	Sessions      int64            `json:"sessions"`
	Transitions   map[string]int64 `json:"transitions,omitempty"`
}

// Snapshot copies the current counter values.
func (r *Receive) Snapshot() Snapshot {
	return Snapshot{
		UptimeMs:        time.Since(r.started).Milliseconds(),
		FramesReceived:  r.FramesReceived.Load(),
		QueueOverflow:   r.QueueOverflow.Load(),
		FramesMarked:    r.FramesMarked.Load(),
		UnknownStream:   r.UnknownStream.Load(),
		FramesDecoded:   r.FramesDecoded.Load(),
		FramesConcealed: r.FramesConcealed.Load(),
		DecodeErrors:    r.DecodeErrors.Load(),
		InactiveDrops:   r.InactiveDrops.Load(),
		StaleFrames:     r.StaleFrames.Load(),
		Wraparounds:     r.Wraparounds.Load(),
		RepeatFlushes:   r.RepeatFlushes.Load(),
		CountMismatch:   r.CountMismatch.Load(),
		BlocksFlushed:   r.BlocksFlushed.Load(),
		BlocksWritten:   r.BlocksWritten.Load(),
		BlocksDropped:   r.BlocksDropped.Load(),
		BytesDrained:    r.BytesDrained.Load(),
		DrainUnderruns:  r.DrainUnderruns.Load(),
		EventsDropped:   r.EventsDropped.Load(),
		Timeouts:        r.Timeouts.Load(),
		Resets:          r.Resets.Load(),
		Sessions:        r.Sessions.Load(),
		Transitions:     r.Transitions(),
	}
}
