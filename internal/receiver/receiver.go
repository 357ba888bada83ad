// Package receiver assembles the broadcast sink: the controller bridge
// feeds events into the session machine and SDUs into the frame pool, the
// decode worker drains the pool into channel reassembly, and the output
// ring holds the interleaved PCM the audio clock drains.
package receiver

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/bridge"
	"github.com/zsiec/broadcastsink/internal/codec"
	"github.com/zsiec/broadcastsink/internal/decode"
	"github.com/zsiec/broadcastsink/internal/framepool"
	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/mixer"
	"github.com/zsiec/broadcastsink/internal/ringbuf"
	"github.com/zsiec/broadcastsink/internal/session"
	"github.com/zsiec/broadcastsink/internal/stats"
	"github.com/zsiec/broadcastsink/internal/stream"
)

// Options configures a Receiver. Zero sizes take the media defaults.
type Options struct {
	Session   session.Config
	PoolSize  int
	SlotSize  int
	RingBytes int
	Jitter    uint32

	// Registry supplies decoders. Nil uses codec.NewRegistry.
	Registry *codec.Registry
	// Controller overrides the bridge server as the command sink.
	Controller session.Controller
}

// Receiver owns one receive pipeline.
type Receiver struct {
	log *slog.Logger

	stats    *stats.Receive
	registry *codec.Registry
	streams  *stream.Manager
	pool     *framepool.Pool
	mixer    *mixer.Mixer
	ring     *ringbuf.Ring
	worker   *decode.Worker
	machine  *session.Machine
	bridge   *bridge.Server
}

// New builds a Receiver. If log is nil, slog.Default() is used.
func New(opts Options, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = media.DefaultPoolSize
	}
	if opts.SlotSize <= 0 {
		opts.SlotSize = media.DefaultSlotSize
	}
	if opts.RingBytes <= 0 {
		opts.RingBytes = media.DefaultRingCapacity
	}
	if opts.Jitter == 0 {
		opts.Jitter = mixer.DefaultJitter
	}
	if opts.Registry == nil {
		opts.Registry = codec.NewRegistry()
	}

	st := stats.New()
	r := &Receiver{
		log:      log.With("component", "receiver"),
		stats:    st,
		registry: opts.Registry,
		streams:  stream.NewManager(log),
		pool:     framepool.New(opts.PoolSize, opts.SlotSize, st),
		ring:     ringbuf.New(opts.RingBytes, st),
	}
	r.mixer = mixer.New(r.ring, opts.Jitter, st, log)
	r.worker = decode.NewWorker(r.pool, r.mixer, st, log)
	r.bridge = bridge.NewServer(r, log)

	ctrl := opts.Controller
	if ctrl == nil {
		ctrl = r.bridge
	}
	r.machine = session.New(opts.Session, ctrl, r, st, log)
	return r
}

// Run drives the state machine and the decode worker until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.machine.Run(ctx) })
	g.Go(func() error { return r.worker.Run(ctx) })
	return g.Wait()
}

// Bridge returns the controller bridge transports attach to.
func (r *Receiver) Bridge() *bridge.Server { return r.bridge }

// Stats returns the receiver counters.
func (r *Receiver) Stats() *stats.Receive { return r.stats }

// State returns the current session state.
func (r *Receiver) State() session.State { return r.machine.State() }

// Drain fills p with interleaved stereo PCM, zero-filling on underrun. It
// is the output clock's source.
func (r *Receiver) Drain(p []byte) int {
	return r.ring.Drain(p)
}

// Compatible, Select, Start and Stop make the Receiver the machine's
// session.Pipeline.

func (r *Receiver) Compatible(id base.CodecID) bool {
	return r.registry.Supports(id)
}

func (r *Receiver) Select(b *base.BASE, mask uint32) {
	r.streams.Select(b, mask)
}

func (r *Receiver) Start() error {
	window := 1
	for _, s := range r.streams.List() {
		window = max(window, s.Config.Blocks())
	}
	r.mixer.SetWindow(window)
	return r.streams.StartAll(r.registry)
}

func (r *Receiver) Stop() {
	r.streams.DisableAll()
	r.mixer.Reset()
	r.ring.Reset()
}

func (r *Receiver) post(ev session.Event) {
	r.machine.Post(ev)
}

func (r *Receiver) OnSourceFound(src session.Source) {
	r.post(session.Event{Kind: session.EventSourceFound, Source: src})
}

func (r *Receiver) OnPASynced(h session.SyncHandle) {
	r.post(session.Event{Kind: session.EventPASynced, Handle: h})
}

func (r *Receiver) OnPASyncLost(reason uint8) {
	r.post(session.Event{Kind: session.EventPASyncLost, Reason: reason})
}

func (r *Receiver) OnPASyncTransfer(src session.Source, h session.SyncHandle) {
	r.post(session.Event{Kind: session.EventPASyncTransfer, Source: src, Handle: h})
}

func (r *Receiver) OnBASE(b *base.BASE) {
	r.post(session.Event{Kind: session.EventBASE, BASE: b})
}

func (r *Receiver) OnSyncable(encrypted bool) {
	r.post(session.Event{Kind: session.EventSyncable, Encrypted: encrypted})
}

func (r *Receiver) OnBroadcastCode(code session.BroadcastCode) {
	r.post(session.Event{Kind: session.EventBroadcastCode, Code: code})
}

func (r *Receiver) OnSyncRequest(req base.SyncRequest) {
	r.post(session.Event{Kind: session.EventSyncRequest, Request: req})
}

func (r *Receiver) OnStreamStarted() {
	r.post(session.Event{Kind: session.EventStreamStarted})
}

func (r *Receiver) OnStreamStopped(reason uint8) {
	r.post(session.Event{Kind: session.EventStreamStopped, Reason: reason})
}

func (r *Receiver) OnError(err error) {
	r.post(session.Event{Kind: session.EventError, Err: err})
}

// OnFrame is the receive path. It must not block: the stream lookup is an
// atomic load and Enqueue only does non-blocking channel operations.
func (r *Receiver) OnFrame(bis uint8, timing media.TimingInfo, payload []byte) {
	r.stats.FramesReceived.Add(1)
	s := r.streams.Lookup(bis)
	if s == nil {
		r.stats.UnknownStream.Add(1)
		return
	}
	_ = r.pool.Enqueue(s, timing, payload)
}
