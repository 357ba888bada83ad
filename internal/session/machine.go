// Package session implements the synchronization state machine that
// takes the receiver from scanning for a broadcast source to streaming
// its audio, and back to scanning on any failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/stats"
)

var (
	ErrTimeout       = errors.New("session: timed out")
	ErrReset         = errors.New("session: reset requested")
	ErrSyncLost      = errors.New("session: periodic sync lost")
	ErrTransport     = errors.New("session: transport error")
	ErrStreamStopped = errors.New("session: streams stopped before start")
)

// Controller issues commands to the link layer.
type Controller interface {
	StartScan() error
	StopScan() error
	CreatePASync(src Source) error
	DeletePASync(h SyncHandle) error
	CreateSink(h SyncHandle) error
	DeleteSink() error
	SyncStreams(mask uint32, code *BroadcastCode) error
	StopStreams() error
}

// Pipeline is the decode side the machine sets up and tears down.
type Pipeline interface {
	// Compatible reports whether a codec can be decoded.
	Compatible(id base.CodecID) bool
	// Select creates the stream runtime state for mask.
	Select(b *base.BASE, mask uint32)
	// Start creates the stream decoders.
	Start() error
	// Stop disables the stream decoders. It must be idempotent.
	Stop()
}

// Config holds the per-state timeouts and selection policy.
type Config struct {
	ScanTimeout      time.Duration
	PASyncTimeout    time.Duration
	MetadataTimeout  time.Duration
	SyncableTimeout  time.Duration
	CodeTimeout      time.Duration
	RequestTimeout   time.Duration
	StreamingTimeout time.Duration
	StopTimeout      time.Duration
	// RetryDelay is slept in RESET before scanning again.
	RetryDelay time.Duration

	// FilterBroadcastID restricts scanning to TargetBroadcastID.
	FilterBroadcastID bool
	TargetBroadcastID uint32
	// RequireSyncRequest waits for a controller SyncRequest instead of
	// selecting with no preference.
	RequireSyncRequest bool
	Preference         base.Preference
	MaxStreams         int

	QueueSize int
}

// DefaultConfig returns the timeouts the receiver ships with.
func DefaultConfig() Config {
	return Config{
		ScanTimeout:      30 * time.Second,
		PASyncTimeout:    10 * time.Second,
		MetadataTimeout:  10 * time.Second,
		SyncableTimeout:  10 * time.Second,
		CodeTimeout:      30 * time.Second,
		RequestTimeout:   30 * time.Second,
		StreamingTimeout: 10 * time.Second,
		StopTimeout:      5 * time.Second,
		RetryDelay:       500 * time.Millisecond,
		MaxStreams:       2,
		QueueSize:        32,
	}
}

// Machine is the synchronization state machine. Run drives it on a single
// goroutine; Post, State and Snapshot are safe from any goroutine.
type Machine struct {
	log   *slog.Logger
	cfg   Config
	ctrl  Controller
	pipe  Pipeline
	stats *stats.Receive

	events chan Event

	mu    sync.Mutex
	state State
	sess  SessionState
}

// New creates a Machine. If log is nil, slog.Default() is used.
func New(cfg Config, ctrl Controller, pipe Pipeline, st *stats.Receive, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	if st == nil {
		st = stats.New()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Machine{
		log:    log.With("component", "session"),
		cfg:    cfg,
		ctrl:   ctrl,
		pipe:   pipe,
		stats:  st,
		events: make(chan Event, cfg.QueueSize),
	}
}

// Post queues an event without blocking. It reports false, and counts the
// drop, if the queue is full.
func (m *Machine) Post(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	default:
		m.stats.EventsDropped.Add(1)
		m.log.Warn("event queue full, event dropped", "event", ev.Kind)
		return false
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state and session summary.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.snapshot(m.state)
}

// Run drives the machine until ctx is cancelled. Failures never end Run;
// they reset the session and start over.
func (m *Machine) Run(ctx context.Context) error {
	m.log.Info("state machine started")
	defer func() {
		m.reset()
		m.setState(StateReset)
		m.log.Info("state machine stopped")
	}()

	state := StateReset
	for {
		m.setState(state)

		next, err := m.step(ctx, state)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.log.Warn("session failed, resetting", "state", state, "session", m.sessionID(), "error", err)
			next = StateReset
		}
		state = next
	}
}

func (m *Machine) step(ctx context.Context, state State) (State, error) {
	switch state {
	case StateReset:
		return m.doReset(ctx)
	case StateWaitController:
		return m.waitController(ctx)
	case StatePASync:
		return m.paSync(ctx)
	case StateCreateSink:
		return m.createSink()
	case StateWaitMetadata:
		return m.waitMetadata(ctx)
	case StateWaitSyncable:
		return m.waitSyncable(ctx)
	case StateWaitCode:
		return m.waitCode(ctx)
	case StateWaitSubstreamRequest:
		return m.waitRequest(ctx)
	case StateSyncSubstreams:
		return m.syncSubstreams()
	case StateWaitStreaming:
		return m.waitStreaming(ctx)
	case StateWaitTeardown:
		return m.waitTeardown(ctx)
	case StateWaitStopped:
		return m.waitStopped(ctx)
	}
	return StateReset, fmt.Errorf("session: unknown state %d", state)
}

func (m *Machine) doReset(ctx context.Context) (State, error) {
	m.reset()

	if m.cfg.RetryDelay > 0 {
		t := time.NewTimer(m.cfg.RetryDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return StateReset, ctx.Err()
		case <-t.C:
		}
	}

	m.update(func(s *SessionState) { s.ID = uuid.NewString() })
	return StateWaitController, nil
}

func (m *Machine) waitController(ctx context.Context) (State, error) {
	if err := m.ctrl.StartScan(); err != nil {
		return StateReset, fmt.Errorf("start scan: %w", err)
	}
	m.update(func(s *SessionState) { s.Scanning = true })

	deadline := m.deadline(m.cfg.ScanTimeout)
	for {
		ev, err := m.await(ctx, deadline, EventSourceFound, EventPASyncTransfer)
		if err != nil {
			return StateReset, err
		}
		if m.cfg.FilterBroadcastID && ev.Source.BroadcastID != m.cfg.TargetBroadcastID {
			m.log.Debug("ignoring broadcast source", "broadcast_id", ev.Source.BroadcastID)
			continue
		}

		if err := m.ctrl.StopScan(); err != nil {
			return StateReset, fmt.Errorf("stop scan: %w", err)
		}
		src := ev.Source
		m.update(func(s *SessionState) {
			s.Scanning = false
			s.Source = &src
		})

		if ev.Kind == EventPASyncTransfer {
			m.update(func(s *SessionState) {
				s.Handle = ev.Handle
				s.HasSync = true
			})
			m.log.Info("periodic sync transferred", "session", m.sessionID(),
				"address", src.Address(), "broadcast_id", src.BroadcastID, "handle", ev.Handle)
			return StateCreateSink, nil
		}

		m.log.Info("broadcast source found", "session", m.sessionID(),
			"address", src.Address(), "sid", src.SID, "broadcast_id", src.BroadcastID)
		return StatePASync, nil
	}
}

func (m *Machine) paSync(ctx context.Context) (State, error) {
	src := m.session().Source
	if err := m.ctrl.CreatePASync(*src); err != nil {
		return StateReset, fmt.Errorf("create pa sync: %w", err)
	}

	ev, err := m.await(ctx, m.deadline(m.cfg.PASyncTimeout), EventPASynced)
	if err != nil {
		return StateReset, err
	}
	m.update(func(s *SessionState) {
		s.Handle = ev.Handle
		s.HasSync = true
	})
	m.log.Info("periodic sync established", "session", m.sessionID(), "handle", ev.Handle)
	return StateCreateSink, nil
}

func (m *Machine) createSink() (State, error) {
	if err := m.ctrl.CreateSink(m.session().Handle); err != nil {
		return StateReset, fmt.Errorf("create sink: %w", err)
	}
	m.update(func(s *SessionState) { s.Sink = true })
	return StateWaitMetadata, nil
}

func (m *Machine) waitMetadata(ctx context.Context) (State, error) {
	if m.session().BASE == nil {
		if _, err := m.await(ctx, m.deadline(m.cfg.MetadataTimeout), EventBASE); err != nil {
			return StateReset, err
		}
	}
	b := m.session().BASE
	m.log.Info("BASE received", "session", m.sessionID(), "subgroups", len(b.Subgroups),
		"bis", b.BISCount(), "presentation_delay", b.PresentationDelay)
	return StateWaitSyncable, nil
}

func (m *Machine) waitSyncable(ctx context.Context) (State, error) {
	if !m.session().Syncable {
		if _, err := m.await(ctx, m.deadline(m.cfg.SyncableTimeout), EventSyncable); err != nil {
			return StateReset, err
		}
	}
	m.log.Info("broadcast syncable", "session", m.sessionID(), "encrypted", m.session().Encrypted)
	return StateWaitCode, nil
}

func (m *Machine) waitCode(ctx context.Context) (State, error) {
	sess := m.session()
	if !sess.Encrypted || sess.HasCode {
		return StateWaitSubstreamRequest, nil
	}
	if _, err := m.await(ctx, m.deadline(m.cfg.CodeTimeout), EventBroadcastCode); err != nil {
		return StateReset, err
	}
	m.log.Info("broadcast code received", "session", m.sessionID())
	return StateWaitSubstreamRequest, nil
}

func (m *Machine) waitRequest(ctx context.Context) (State, error) {
	sess := m.session()
	switch {
	case sess.Request != nil:
	case !m.cfg.RequireSyncRequest:
		req := base.DefaultRequest(sess.BASE)
		m.update(func(s *SessionState) { s.Request = req })
	default:
		if _, err := m.await(ctx, m.deadline(m.cfg.RequestTimeout), EventSyncRequest); err != nil {
			return StateReset, err
		}
	}
	return StateSyncSubstreams, nil
}

func (m *Machine) syncSubstreams() (State, error) {
	sess := m.session()
	mask, err := base.Resolve(sess.BASE, sess.Request, base.ResolveOptions{
		Preference: m.cfg.Preference,
		MaxStreams: m.cfg.MaxStreams,
		Compatible: m.pipe.Compatible,
	})
	if err != nil {
		return StateReset, fmt.Errorf("resolve BIS selection: %w", err)
	}

	m.pipe.Select(sess.BASE, mask)

	var code *BroadcastCode
	if sess.Encrypted {
		code = &sess.Code
	}
	if err := m.ctrl.SyncStreams(mask, code); err != nil {
		return StateReset, fmt.Errorf("sync streams: %w", err)
	}
	m.update(func(s *SessionState) {
		s.Selected = mask
		s.Synced = true
	})
	m.log.Info("syncing to BIS", "session", m.sessionID(), "bitmask", fmt.Sprintf("0x%08x", mask),
		"request", sess.Request, "preference", m.cfg.Preference)
	return StateWaitStreaming, nil
}

func (m *Machine) waitStreaming(ctx context.Context) (State, error) {
	ev, err := m.await(ctx, m.deadline(m.cfg.StreamingTimeout), EventStreamStarted, EventStreamStopped)
	if err != nil {
		return StateReset, err
	}
	if ev.Kind == EventStreamStopped {
		m.update(func(s *SessionState) { s.Synced = false })
		return StateReset, fmt.Errorf("%w (reason 0x%02x)", ErrStreamStopped, ev.Reason)
	}

	if err := m.pipe.Start(); err != nil {
		// Streams that did start keep playing; the rest stay silent.
		m.log.Warn("stream decoders failed to start", "session", m.sessionID(), "error", err)
	}
	m.update(func(s *SessionState) { s.Streaming = true })
	m.stats.Sessions.Add(1)
	m.log.Info("streaming", "session", m.sessionID())
	return StateWaitTeardown, nil
}

func (m *Machine) waitTeardown(ctx context.Context) (State, error) {
	for {
		// Bounded by the link layer's own loss detection.
		ev, err := m.await(ctx, time.Time{}, EventStreamStopped, EventSyncRequest)
		if err != nil {
			return StateReset, err
		}

		if ev.Kind == EventStreamStopped {
			m.pipe.Stop()
			m.update(func(s *SessionState) {
				s.Streaming = false
				s.Synced = false
			})
			m.log.Info("streams stopped", "session", m.sessionID(), "reason", ev.Reason)
			return StateWaitStopped, nil
		}

		if !ev.Request.Empty() {
			m.log.Debug("sync request ignored while streaming", "request", ev.Request)
			continue
		}
		m.log.Info("controller requested stop", "session", m.sessionID())
		if err := m.ctrl.StopStreams(); err != nil {
			return StateReset, fmt.Errorf("stop streams: %w", err)
		}
		return StateWaitStopped, nil
	}
}

func (m *Machine) waitStopped(ctx context.Context) (State, error) {
	if m.session().Synced {
		ev, err := m.await(ctx, m.deadline(m.cfg.StopTimeout), EventStreamStopped)
		if err != nil {
			return StateReset, err
		}
		m.update(func(s *SessionState) {
			s.Streaming = false
			s.Synced = false
		})
		m.log.Info("streams stopped", "session", m.sessionID(), "reason", ev.Reason)
	}
	return StateReset, nil
}

// reset releases everything the session holds. It is safe to call in any
// state and any number of times.
func (m *Machine) reset() {
	sess := m.session()

	if sess.Scanning {
		m.logCommandErr("stop scan", m.ctrl.StopScan())
	}
	if sess.Synced {
		m.logCommandErr("stop streams", m.ctrl.StopStreams())
	}
	m.pipe.Stop()
	if sess.Sink {
		m.logCommandErr("delete sink", m.ctrl.DeleteSink())
	}
	if sess.HasSync {
		m.logCommandErr("delete pa sync", m.ctrl.DeletePASync(sess.Handle))
	}

	m.mu.Lock()
	m.sess = SessionState{}
	m.mu.Unlock()

	// Events queued for the old session must not satisfy the next one.
	for drained := false; !drained; {
		select {
		case <-m.events:
		default:
			drained = true
		}
	}

	if sess.ID != "" {
		m.stats.Resets.Add(1)
		m.log.Info("session reset", "session", sess.ID)
	}
}

// await blocks for one of kinds. Events that carry session data are
// absorbed whatever is being waited for; reset, sync loss and transport
// errors end the wait. A zero deadline waits forever.
func (m *Machine) await(ctx context.Context, deadline time.Time, kinds ...EventKind) (Event, error) {
	var expired <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expired = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-expired:
			m.stats.Timeouts.Add(1)
			return Event{}, fmt.Errorf("%w waiting for %v", ErrTimeout, kinds)
		case ev := <-m.events:
			if err := m.absorb(ev); err != nil {
				return Event{}, err
			}
			if slices.Contains(kinds, ev.Kind) {
				return ev, nil
			}
			m.log.Debug("event ignored", "event", ev.Kind, "state", m.State())
		}
	}
}

func (m *Machine) absorb(ev Event) error {
	switch ev.Kind {
	case EventReset:
		return ErrReset
	case EventError:
		return fmt.Errorf("%w: %v", ErrTransport, ev.Err)
	case EventPASyncLost:
		if m.session().HasSync {
			m.update(func(s *SessionState) { s.HasSync = false })
			return fmt.Errorf("%w (reason 0x%02x)", ErrSyncLost, ev.Reason)
		}
		if m.State() == StatePASync {
			// The transport reports a failed establishment as a loss.
			return fmt.Errorf("%w before establishment (reason 0x%02x)", ErrSyncLost, ev.Reason)
		}
	case EventBASE:
		if ev.BASE != nil {
			m.update(func(s *SessionState) { s.BASE = ev.BASE })
		}
	case EventSyncable:
		m.update(func(s *SessionState) {
			s.Syncable = true
			s.Encrypted = ev.Encrypted
		})
	case EventBroadcastCode:
		m.update(func(s *SessionState) {
			s.Code = ev.Code
			s.HasCode = true
		})
	case EventSyncRequest:
		req := slices.Clone(ev.Request)
		m.update(func(s *SessionState) { s.Request = req })
		m.log.Debug("sync request received", "request", req)
	}
	return nil
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	m.stats.RecordTransition(s.String())
	if prev != s {
		m.log.Debug("state transition", "from", prev, "to", s)
	}
}

func (m *Machine) deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// session returns a copy of the session state.
func (m *Machine) session() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

func (m *Machine) sessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.ID
}

func (m *Machine) update(fn func(*SessionState)) {
	m.mu.Lock()
	fn(&m.sess)
	m.mu.Unlock()
}

func (m *Machine) logCommandErr(cmd string, err error) {
	if err != nil {
		m.log.Warn("cleanup command failed", "command", cmd, "error", err)
	}
}
