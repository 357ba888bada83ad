package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/codec"
	"github.com/zsiec/broadcastsink/internal/media"
)

func pcmBASE() *base.BASE {
	cfg := base.CodecConfig{
		Frequency:      16000,
		FrameDuration:  10 * time.Millisecond,
		OctetsPerFrame: 320,
	}
	return &base.BASE{
		PresentationDelay: 40 * time.Millisecond,
		Subgroups: []base.Subgroup{{
			Codec:  base.CodecID{Format: base.CodingFormatLinearPCM},
			Config: cfg,
			BIS: []base.BIS{
				{Index: 1, Config: base.CodecConfig{Allocation: media.LocationFrontLeft, HasAllocation: true}},
				{Index: 2, Config: base.CodecConfig{Allocation: media.LocationFrontRight, HasAllocation: true}},
				{Index: 5, Config: base.CodecConfig{Allocation: media.LocationFrontLeft | media.LocationFrontRight, HasAllocation: true}},
			},
		}},
	}
}

func TestManagerSelect(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	// Bit 3 (BIS 4) is not in the BASE and must be ignored.
	got := m.Select(pcmBASE(), 0b11011)
	if len(got) != 3 {
		t.Fatalf("selected %d streams, want 3", len(got))
	}
	for i, want := range []uint8{1, 2, 5} {
		if got[i].Index != want {
			t.Errorf("stream %d: index %d, want %d", i, got[i].Index, want)
		}
	}
	if m.Lookup(4) != nil {
		t.Error("Lookup(4) should be nil")
	}
	if s := m.Lookup(5); s == nil || s.Config.Channels() != 2 {
		t.Errorf("Lookup(5): %+v", s)
	}
	if m.Lookup(0) != nil || m.Lookup(32) != nil {
		t.Error("out of range lookups should be nil")
	}
}

func TestStreamStartAndDisable(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	m.Select(pcmBASE(), 0b10001)

	if err := m.StartAll(codec.NewRegistry()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	s := m.Lookup(5)
	set := s.Decoders()
	if set == nil {
		t.Fatal("stream 5 not started")
	}
	if len(set.Channels) != 2 || set.Roles[0] != media.RoleLeft || set.Roles[1] != media.RoleRight {
		t.Errorf("decoder set: %d channels, roles %v", len(set.Channels), set.Roles)
	}

	// Start is idempotent.
	if err := s.Start(codec.NewRegistry()); err != nil || s.Decoders() != set {
		t.Error("second Start replaced the decoder set")
	}

	m.DisableAll()
	if s.Active() {
		t.Error("stream still active after DisableAll")
	}
	if m.Lookup(5) != s {
		t.Error("DisableAll should keep streams in the table")
	}

	m.Clear()
	if m.Lookup(5) != nil || len(m.List()) != 0 {
		t.Error("Clear should remove all streams")
	}
}

func TestSelectDisablesPrevious(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	reg := codec.NewRegistry()

	m.Select(pcmBASE(), 0b1)
	m.StartAll(reg)
	old := m.Lookup(1)

	m.Select(pcmBASE(), 0b10)
	if old.Active() {
		t.Error("replaced stream should be disabled")
	}
	if m.Lookup(1) != nil {
		t.Error("BIS 1 should no longer be selected")
	}
}

func TestStartUnsupportedCodec(t *testing.T) {
	t.Parallel()
	b := pcmBASE()
	b.Subgroups[0].Codec = base.CodecID{Format: base.CodingFormatLC3}

	m := NewManager(nil)
	m.Select(b, 0b1)
	err := m.StartAll(codec.NewRegistry())
	if !errors.Is(err, codec.ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
	if m.Lookup(1).Active() {
		t.Error("stream with unsupported codec should stay inactive")
	}
}
