// Package framepool implements the fixed arena of SDU buffers and the
// queue that hands them from the receive path to the decode worker.
//
// Enqueue runs in the transport's receive context: it never blocks,
// never allocates and takes no locks. Exhaustion drops the frame.
package framepool

import (
	"context"
	"errors"

	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/stats"
	"github.com/zsiec/broadcastsink/internal/stream"
)

var (
	// ErrQueueFull is returned by Enqueue when every slot is in use.
	// Callers on the receive path may ignore it; it is already counted.
	ErrQueueFull = errors.New("framepool: queue full")
)

// FrameDescriptor is one queued SDU. It is owned by the pool and must be
// returned with Release after the worker is done with it.
type FrameDescriptor struct {
	Stream    *stream.Stream
	Timestamp uint32
	Sequence  uint16
	// Conceal is set when the payload must not be decoded: the transport
	// flagged it or its size does not match the stream configuration.
	Conceal bool

	slot int
	buf  []byte
	n    int
}

// Payload returns the SDU bytes. It is nil for concealed frames.
func (d *FrameDescriptor) Payload() []byte {
	if d.Conceal {
		return nil
	}
	return d.buf[:d.n]
}

// Pool is a fixed arena of frame slots with a FIFO queue over them.
type Pool struct {
	slots []FrameDescriptor
	free  chan int
	queue chan int

	stats *stats.Receive
}

// New allocates capacity slots of slotSize bytes each. st may be nil.
func New(capacity, slotSize int, st *stats.Receive) *Pool {
	if st == nil {
		st = stats.New()
	}
	p := &Pool{
		slots: make([]FrameDescriptor, capacity),
		free:  make(chan int, capacity),
		queue: make(chan int, capacity),
		stats: st,
	}
	for i := range p.slots {
		p.slots[i] = FrameDescriptor{slot: i, buf: make([]byte, slotSize)}
		p.free <- i
	}
	return p
}

// Cap returns the number of slots.
func (p *Pool) Cap() int {
	return len(p.slots)
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	return len(p.free)
}

// Queued returns the number of frames waiting for the worker.
func (p *Pool) Queued() int {
	return len(p.queue)
}

// Enqueue copies payload into a free slot and queues it for decoding.
// The frame is marked for concealment when the transport flagged it, or
// its length is not octets × channels × blocks, or it does not fit a slot.
func (p *Pool) Enqueue(s *stream.Stream, timing media.TimingInfo, payload []byte) error {
	var idx int
	select {
	case idx = <-p.free:
	default:
		p.stats.QueueOverflow.Add(1)
		return ErrQueueFull
	}

	d := &p.slots[idx]
	d.Stream = s
	d.Timestamp = timing.Timestamp
	d.Sequence = timing.Sequence
	d.Conceal = timing.Flags.Damaged() ||
		len(payload) != s.Config.SDUSize() ||
		len(payload) > len(d.buf)
	d.n = 0
	if !d.Conceal {
		d.n = copy(d.buf, payload)
	} else {
		p.stats.FramesMarked.Add(1)
	}

	// The queue has the same capacity as the free list, so a slot taken
	// from one always fits in the other.
	p.queue <- idx
	return nil
}

// Dequeue blocks until a frame is queued or ctx is done.
func (p *Pool) Dequeue(ctx context.Context) (*FrameDescriptor, error) {
	select {
	case idx := <-p.queue:
		return &p.slots[idx], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a dequeued descriptor's slot to the pool.
func (p *Pool) Release(d *FrameDescriptor) {
	d.Stream = nil
	p.free <- d.slot
}
