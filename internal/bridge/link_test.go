package bridge

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/session"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
	src    session.Source
	base   *base.BASE
	frame  Frame
	errs   []error
	got    chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan string, 64)}
}

func (h *recordingHandler) record(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	h.got <- ev
}

func (h *recordingHandler) OnSourceFound(src session.Source) {
	h.mu.Lock()
	h.src = src
	h.mu.Unlock()
	h.record("source_found")
}
func (h *recordingHandler) OnPASynced(session.SyncHandle) { h.record("pa_synced") }
func (h *recordingHandler) OnPASyncLost(uint8)            { h.record("pa_sync_lost") }
func (h *recordingHandler) OnPASyncTransfer(session.Source, session.SyncHandle) {
	h.record("pa_sync_transfer")
}
func (h *recordingHandler) OnBASE(b *base.BASE) {
	h.mu.Lock()
	h.base = b
	h.mu.Unlock()
	h.record("base")
}
func (h *recordingHandler) OnSyncable(bool)                       { h.record("syncable") }
func (h *recordingHandler) OnBroadcastCode(session.BroadcastCode) { h.record("broadcast_code") }
func (h *recordingHandler) OnSyncRequest(base.SyncRequest)        { h.record("sync_request") }
func (h *recordingHandler) OnStreamStarted()                      { h.record("stream_started") }
func (h *recordingHandler) OnStreamStopped(uint8)                 { h.record("stream_stopped") }
func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	h.record("error")
}
func (h *recordingHandler) OnFrame(bis uint8, timing media.TimingInfo, payload []byte) {
	h.mu.Lock()
	h.frame = Frame{BIS: bis, Timing: timing, Payload: append([]byte(nil), payload...)}
	h.mu.Unlock()
	h.record("frame")
}

func (h *recordingHandler) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.got:
		if got != want {
			t.Fatalf("handler: got %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func testBASE() *base.BASE {
	return &base.BASE{
		Subgroups: []base.Subgroup{{
			Codec: base.CodecID{Format: base.CodingFormatLC3},
			BIS:   []base.BIS{{Index: 1}},
		}},
	}
}

func TestLinkDispatchesEvents(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	h := newRecordingHandler()
	link := NewLink(local, h, "pipe", "test", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- link.Serve(ctx) }()

	src := session.Source{BroadcastID: 0x42}
	send := func(typ uint64, payload []byte) {
		t.Helper()
		if err := WriteMessage(remote, typ, payload); err != nil {
			t.Fatal(err)
		}
	}

	send(MsgSourceFound, SerializeSourceFound(src))
	h.wait(t, "source_found")
	send(MsgBASE, base.MarshalServiceData(testBASE()))
	h.wait(t, "base")
	send(MsgFrame, SerializeFrame(Frame{BIS: 1, Timing: media.TimingInfo{Timestamp: 10}, Payload: []byte{1, 2}}))
	h.wait(t, "frame")

	// Malformed and unknown messages are dropped; the link stays up.
	send(MsgBroadcastCode, []byte{1})
	send(0x3f, nil)
	send(MsgStreamStarted, nil)
	h.wait(t, "stream_started")

	if h.src != src {
		t.Errorf("source: %+v", h.src)
	}
	if h.base == nil || h.base.BISCount() != 1 {
		t.Errorf("base: %+v", h.base)
	}
	if h.frame.BIS != 1 || h.frame.Timing.Timestamp != 10 || len(h.frame.Payload) != 2 {
		t.Errorf("frame: %+v", h.frame)
	}
	st := link.Stats()
	if st.ParseErrors != 2 || st.Frames != 1 {
		t.Errorf("stats: %+v", st)
	}

	remote.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after close")
	}
}

func TestLinkSendsCommands(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	defer remote.Close()
	link := NewLink(local, newRecordingHandler(), "pipe", "test", nil)

	code := session.BroadcastCode{7}
	go func() {
		link.StartScan()
		link.CreatePASync(session.Source{SID: 2})
		link.SyncStreams(0b11, &code)
	}()

	r := bufio.NewReader(remote)
	want := []uint64{CmdStartScan, CmdCreatePASync, CmdSyncStreams}
	for i, w := range want {
		typ, payload, err := ReadMessage(r)
		if err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
		if typ != w {
			t.Fatalf("command %d: type 0x%02x, want 0x%02x", i, typ, w)
		}
		if typ == CmdSyncStreams {
			mask, got, err := ParseSyncStreams(payload)
			if err != nil || mask != 0b11 || got == nil || *got != code {
				t.Errorf("sync streams: mask=%b code=%v err=%v", mask, got, err)
			}
		}
	}
}

func TestServerWithoutController(t *testing.T) {
	t.Parallel()
	s := NewServer(newRecordingHandler(), nil)

	if err := s.StartScan(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartScan: got %v, want ErrNotConnected", err)
	}
	if s.Connected() || s.Stats() != nil {
		t.Error("server should report no controller")
	}
}

func TestServerLinkLoss(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler()
	s := NewServer(h, nil)
	local, remote := net.Pipe()

	done := make(chan struct{})
	go func() {
		s.Attach(context.Background(), local, "pipe", "test")
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("controller never attached")
		}
		time.Sleep(time.Millisecond)
	}

	go func() {
		r := bufio.NewReader(remote)
		ReadMessage(r)
	}()
	if err := s.StopStreams(); err != nil {
		t.Fatalf("StopStreams: %v", err)
	}

	remote.Close()
	<-done
	h.wait(t, "error")

	if !errors.Is(h.errs[0], ErrLinkLost) {
		t.Errorf("error: got %v, want ErrLinkLost", h.errs[0])
	}
	if s.Connected() {
		t.Error("server still connected after link loss")
	}
}
