package decode

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/codec"
	"github.com/zsiec/broadcastsink/internal/framepool"
	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/mixer"
	"github.com/zsiec/broadcastsink/internal/ringbuf"
	"github.com/zsiec/broadcastsink/internal/stats"
	"github.com/zsiec/broadcastsink/internal/stream"
)

type added struct {
	role media.Role
	pcm  []int16
	ts   uint32
}

type recorder struct {
	frames []added
}

func (r *recorder) Add(role media.Role, samples []int16, ts uint32) {
	r.frames = append(r.frames, added{role, append([]int16(nil), samples...), ts})
}

// 8 kHz, 1 ms frames: 8 samples, 16 octets per channel frame.
func stereoStream(t *testing.T, reg *codec.Registry, id base.CodecID, blocks int) *stream.Stream {
	t.Helper()
	s := &stream.Stream{
		Index: 3,
		Codec: id,
		Config: base.CodecConfig{
			Frequency:      8000,
			FrameDuration:  time.Millisecond,
			OctetsPerFrame: 16,
			BlocksPerSDU:   blocks,
			Allocation:     media.LocationFrontLeft | media.LocationFrontRight,
			HasAllocation:  true,
		},
	}
	if err := s.Start(reg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func pcmFrame(v int16) []byte {
	b := make([]byte, 16)
	for i := range 8 {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

var pcmID = base.CodecID{Format: base.CodingFormatLinearPCM}

func TestProcessBlocksAndChannels(t *testing.T) {
	t.Parallel()

	st := stats.New()
	pool := framepool.New(2, 128, st)
	rec := &recorder{}
	w := NewWorker(pool, rec, st, nil)
	s := stereoStream(t, codec.NewRegistry(), pcmID, 2)

	// block 0: L=1 R=2, block 1: L=3 R=4
	var sdu []byte
	for _, v := range []int16{1, 2, 3, 4} {
		sdu = append(sdu, pcmFrame(v)...)
	}
	if err := pool.Enqueue(s, media.TimingInfo{Timestamp: 50_000}, sdu); err != nil {
		t.Fatal(err)
	}
	d, _ := pool.Dequeue(context.Background())
	w.Process(d)
	pool.Release(d)

	want := []struct {
		role media.Role
		v    int16
		ts   uint32
	}{
		{media.RoleLeft, 1, 50_000},
		{media.RoleRight, 2, 50_000},
		{media.RoleLeft, 3, 51_000},
		{media.RoleRight, 4, 51_000},
	}
	if len(rec.frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(rec.frames), len(want))
	}
	for i, w := range want {
		f := rec.frames[i]
		if f.role != w.role || f.ts != w.ts || len(f.pcm) != 8 || f.pcm[0] != w.v {
			t.Errorf("frame %d: role=%v ts=%d pcm=%v", i, f.role, f.ts, f.pcm)
		}
	}
	if st.FramesDecoded.Load() != 4 {
		t.Errorf("FramesDecoded: got %d", st.FramesDecoded.Load())
	}
}

func TestProcessConcealment(t *testing.T) {
	t.Parallel()

	st := stats.New()
	pool := framepool.New(2, 128, st)
	rec := &recorder{}
	w := NewWorker(pool, rec, st, nil)
	s := stereoStream(t, codec.NewRegistry(), pcmID, 1)

	pool.Enqueue(s, media.TimingInfo{Timestamp: 0}, append(pcmFrame(800), pcmFrame(400)...))
	pool.Enqueue(s, media.TimingInfo{Timestamp: 1000, Flags: media.FlagLost}, nil)

	for range 2 {
		d, _ := pool.Dequeue(context.Background())
		w.Process(d)
		pool.Release(d)
	}

	if st.FramesConcealed.Load() != 2 {
		t.Errorf("FramesConcealed: got %d, want 2", st.FramesConcealed.Load())
	}
	if len(rec.frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(rec.frames))
	}
	if rec.frames[2].pcm[0] != 400 || rec.frames[3].pcm[0] != 200 {
		t.Errorf("concealed samples: %d %d", rec.frames[2].pcm[0], rec.frames[3].pcm[0])
	}
}

func TestProcessInactiveStream(t *testing.T) {
	t.Parallel()

	st := stats.New()
	pool := framepool.New(1, 128, st)
	rec := &recorder{}
	w := NewWorker(pool, rec, st, nil)
	s := stereoStream(t, codec.NewRegistry(), pcmID, 1)

	pool.Enqueue(s, media.TimingInfo{}, append(pcmFrame(1), pcmFrame(2)...))
	s.Disable()

	d, _ := pool.Dequeue(context.Background())
	w.Process(d)
	pool.Release(d)

	if len(rec.frames) != 0 {
		t.Error("disabled stream produced output")
	}
	if st.InactiveDrops.Load() != 1 {
		t.Errorf("InactiveDrops: got %d", st.InactiveDrops.Load())
	}
}

var errBad = errors.New("bad frame")

// failingDecoder rejects frames whose first byte is 0xFF.
type failingDecoder struct{}

func (failingDecoder) Decode(frame []byte, pcm []int16) (int, error) {
	if frame != nil && frame[0] == 0xFF {
		return 0, errBad
	}
	pcm[0] = 1
	return 8, nil
}

func TestDecodeErrorSkipsRestOfBlock(t *testing.T) {
	t.Parallel()

	reg := codec.NewRegistry()
	reg.Register(0x10, func(base.CodecConfig) (codec.Decoder, error) { return failingDecoder{}, nil })

	st := stats.New()
	pool := framepool.New(1, 128, st)
	rec := &recorder{}
	w := NewWorker(pool, rec, st, nil)
	s := stereoStream(t, reg, base.CodecID{Format: 0x10}, 2)

	bad := pcmFrame(0)
	bad[0] = 0xFF
	// block 0: left fails, right skipped; block 1 decodes both.
	sdu := append(append(append(bad, pcmFrame(0)...), pcmFrame(0)...), pcmFrame(0)...)
	pool.Enqueue(s, media.TimingInfo{Timestamp: 10}, sdu)

	d, _ := pool.Dequeue(context.Background())
	w.Process(d)
	pool.Release(d)

	if st.DecodeErrors.Load() != 1 {
		t.Errorf("DecodeErrors: got %d", st.DecodeErrors.Load())
	}
	if len(rec.frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(rec.frames))
	}
	if rec.frames[0].ts != 1010 || rec.frames[1].ts != 1010 {
		t.Errorf("expected only block 1 output: %+v", rec.frames)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	pool := framepool.New(1, 64, nil)
	w := NewWorker(pool, &recorder{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func singleChannelStream(t *testing.T, index uint8, loc media.Location, blocks int) *stream.Stream {
	t.Helper()
	s := &stream.Stream{
		Index: index,
		Codec: pcmID,
		Config: base.CodecConfig{
			Frequency:      8000,
			FrameDuration:  time.Millisecond,
			OctetsPerFrame: 16,
			BlocksPerSDU:   blocks,
			Allocation:     loc,
			HasAllocation:  true,
		},
	}
	if err := s.Start(codec.NewRegistry()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

// Left and right on separate BIS with two blocks per SDU: each SDU is
// decoded whole before its complement, so reassembly must hold both
// blocks open.
func TestSplitStereoMultiBlockReassembly(t *testing.T) {
	t.Parallel()

	st := stats.New()
	ring := ringbuf.New(16*32, st)
	mix := mixer.New(ring, 0, st, nil)
	mix.SetWindow(2)
	pool := framepool.New(8, 64, st)
	w := NewWorker(pool, mix, st, nil)

	left := singleChannelStream(t, 1, media.LocationFrontLeft, 2)
	right := singleChannelStream(t, 2, media.LocationFrontRight, 2)
	lsdu := append(pcmFrame(100), pcmFrame(100)...)
	rsdu := append(pcmFrame(-100), pcmFrame(-100)...)

	for k := range 3 {
		timing := media.TimingInfo{Timestamp: uint32(10_000 + k*2_000)}
		for _, sdu := range []struct {
			s       *stream.Stream
			payload []byte
		}{{left, lsdu}, {right, rsdu}} {
			if err := pool.Enqueue(sdu.s, timing, sdu.payload); err != nil {
				t.Fatal(err)
			}
			d, _ := pool.Dequeue(context.Background())
			w.Process(d)
			pool.Release(d)
		}
	}

	if got := st.BlocksWritten.Load(); got != 6 {
		t.Fatalf("blocks written: got %d, want 6", got)
	}
	if got := st.StaleFrames.Load(); got != 0 {
		t.Errorf("stale frames: got %d, want 0", got)
	}

	out := make([]byte, 6*32)
	ring.Drain(out)
	for i := 0; i < len(out); i += 4 {
		l := int16(binary.LittleEndian.Uint16(out[i:]))
		r := int16(binary.LittleEndian.Uint16(out[i+2:]))
		if l != 100 || r != -100 {
			t.Fatalf("stereo frame %d: got L=%d R=%d", i/4, l, r)
		}
	}
}
