// Package decode runs the single worker that drains the frame queue,
// decodes every channel of every block in an SDU and hands the PCM to
// channel reassembly.
package decode

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zsiec/broadcastsink/internal/framepool"
	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/stats"
)

// maxSamples bounds one decoded channel frame (10 ms at 96 kHz).
const maxSamples = 960

// Queue is the consumer side of the frame pool.
type Queue interface {
	Dequeue(ctx context.Context) (*framepool.FrameDescriptor, error)
	Release(d *framepool.FrameDescriptor)
}

// Reassembler receives decoded channel frames.
type Reassembler interface {
	Add(role media.Role, samples []int16, ts uint32)
}

// Worker is the only consumer of the frame queue, so at most one decode
// per stream is ever in flight.
type Worker struct {
	log   *slog.Logger
	queue Queue
	out   Reassembler
	stats *stats.Receive

	pcm []int16
}

// NewWorker creates a decode worker. If log is nil, slog.Default() is used.
func NewWorker(queue Queue, out Reassembler, st *stats.Receive, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if st == nil {
		st = stats.New()
	}
	return &Worker{
		log:   log.With("component", "decode-worker"),
		queue: queue,
		out:   out,
		stats: st,
		pcm:   make([]int16, maxSamples),
	}
}

// Run processes frames until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("decode worker started")
	defer w.log.Info("decode worker stopped")

	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		w.Process(d)
		w.queue.Release(d)
	}
}

// Process decodes one SDU. It does not release the descriptor.
func (w *Worker) Process(d *framepool.FrameDescriptor) {
	s := d.Stream
	if s == nil {
		w.stats.InactiveDrops.Add(1)
		return
	}
	set := s.Decoders()
	if set == nil {
		w.stats.InactiveDrops.Add(1)
		return
	}

	cfg := s.Config
	octets := cfg.OctetsPerFrame
	channels := len(set.Channels)
	blockStep := uint32(cfg.FrameDuration.Microseconds())
	payload := d.Payload()

	for block := range cfg.Blocks() {
		ts := d.Timestamp + uint32(block)*blockStep

		for ch, dec := range set.Channels {
			var frame []byte
			if payload != nil {
				off := (block*channels + ch) * octets
				frame = payload[off : off+octets]
			}

			n, err := dec.Decode(frame, w.pcm)
			if err != nil {
				// Skip the rest of this block; later blocks may still decode.
				w.stats.DecodeErrors.Add(1)
				w.log.Debug("decode failed", "bis", s.Index, "channel", ch, "block", block, "seq", d.Sequence, "error", err)
				break
			}
			if frame == nil {
				w.stats.FramesConcealed.Add(1)
			} else {
				w.stats.FramesDecoded.Add(1)
			}
			w.out.Add(set.Roles[ch], w.pcm[:n], ts)
		}
	}
}
