// Package stream holds the runtime state of the selected BIS and the
// lock-free lookup the receive path uses to find them.
package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/codec"
	"github.com/zsiec/broadcastsink/internal/media"
)

// Decoders is the per-channel decoder set of a started stream. It is
// immutable once published; disabling a stream swaps the pointer to nil
// and leaves any in-flight decode holding the old set to finish.
type Decoders struct {
	Channels []codec.Decoder
	Roles    []media.Role
}

// Stream is one selected BIS.
type Stream struct {
	Index      uint8
	Subgroup   int
	Codec      base.CodecID
	Config     base.CodecConfig
	SelectedAt time.Time

	decoders atomic.Pointer[Decoders]
}

// Start creates one decoder per carried channel. It is a no-op if the
// stream is already started.
func (s *Stream) Start(reg *codec.Registry) error {
	if s.decoders.Load() != nil {
		return nil
	}

	roles := s.Config.Allocation.Roles()
	set := &Decoders{
		Channels: make([]codec.Decoder, len(roles)),
		Roles:    roles,
	}
	for i := range roles {
		d, err := reg.New(s.Codec, s.Config)
		if err != nil {
			return fmt.Errorf("bis %d channel %d: %w", s.Index, i, err)
		}
		set.Channels[i] = d
	}
	s.decoders.Store(set)
	return nil
}

// Disable marks the stream inactive. Frames still queued for it are
// dropped by the decode worker.
func (s *Stream) Disable() {
	s.decoders.Store(nil)
}

// Decoders returns the active decoder set, or nil if the stream is not
// started or has been disabled.
func (s *Stream) Decoders() *Decoders {
	return s.decoders.Load()
}

// Active reports whether the stream has a decoder set.
func (s *Stream) Active() bool {
	return s.decoders.Load() != nil
}

// FrameDuration returns the duration of one codec frame block.
func (s *Stream) FrameDuration() time.Duration {
	return s.Config.FrameDuration
}

type table [base.MaxBISIndex + 1]*Stream

// Manager owns the set of selected streams. Selection and teardown happen
// on the state machine goroutine; Lookup is called from the receive path
// and never takes a lock.
type Manager struct {
	log *slog.Logger

	mu      sync.Mutex // serializes writers
	streams atomic.Pointer[table]
}

// NewManager creates an empty stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{log: log.With("component", "stream-manager")}
	m.streams.Store(&table{})
	return m
}

// Select replaces the current set with one Stream per BIS bit in mask.
// Bits absent from b are ignored. Previously selected streams are disabled.
func (m *Manager) Select(b *base.BASE, mask uint32) []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	next := &table{}
	var selected []*Stream
	for idx := uint8(1); idx <= base.MaxBISIndex; idx++ {
		if mask&(1<<(idx-1)) == 0 {
			continue
		}
		sg, id, cfg, ok := b.Lookup(idx)
		if !ok {
			continue
		}
		s := &Stream{
			Index:      idx,
			Subgroup:   sg,
			Codec:      id,
			Config:     cfg,
			SelectedAt: now,
		}
		next[idx] = s
		selected = append(selected, s)
		m.log.Info("stream selected", "bis", idx, "subgroup", sg,
			"channels", cfg.Channels(), "octets", cfg.OctetsPerFrame, "blocks", cfg.Blocks())
	}

	old := m.streams.Swap(next)
	disableAll(old)
	return selected
}

// StartAll starts the decoders of every selected stream. A stream whose
// codec cannot be built stays disabled and its error is returned after the
// rest have been started.
func (m *Manager) StartAll(reg *codec.Registry) error {
	var firstErr error
	for _, s := range m.List() {
		if err := s.Start(reg); err != nil {
			m.log.Warn("stream decoder start failed", "bis", s.Index, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.log.Debug("stream decoder started", "bis", s.Index)
	}
	return firstErr
}

// DisableAll disables every selected stream but keeps them in the table
// so late frames are recognized and dropped as inactive.
func (m *Manager) DisableAll() {
	disableAll(m.streams.Load())
}

// Clear disables and removes every stream.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	disableAll(m.streams.Swap(&table{}))
}

// Lookup returns the stream for a BIS index, or nil.
func (m *Manager) Lookup(index uint8) *Stream {
	if index == 0 || index > base.MaxBISIndex {
		return nil
	}
	return m.streams.Load()[index]
}

// List returns the selected streams in BIS index order.
func (m *Manager) List() []*Stream {
	t := m.streams.Load()
	var out []*Stream
	for _, s := range t {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func disableAll(t *table) {
	for _, s := range t {
		if s != nil {
			s.Disable()
		}
	}
}
