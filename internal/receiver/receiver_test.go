package receiver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/bridge"
	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/session"
)

const (
	samplesPerFrame = 480 // 10 ms at 48 kHz
	blockBytes      = samplesPerFrame * 4
	leftLevel       = int16(1000)
	rightLevel      = int16(-1000)
)

// twoSubgroupBASE announces one left BIS and one right BIS in separate
// subgroups, both linear PCM.
func twoSubgroupBASE() *base.BASE {
	pcm := base.CodecID{Format: base.CodingFormatLinearPCM}
	cfg := base.CodecConfig{Frequency: 48000, FrameDuration: 10 * time.Millisecond, OctetsPerFrame: samplesPerFrame * 2}
	return &base.BASE{
		PresentationDelay: 40 * time.Millisecond,
		Subgroups: []base.Subgroup{
			{
				Codec:  pcm,
				Config: cfg,
				BIS:    []base.BIS{{Index: 1, Config: base.CodecConfig{Allocation: media.LocationFrontLeft, HasAllocation: true}}},
			},
			{
				Codec:  pcm,
				Config: cfg,
				BIS:    []base.BIS{{Index: 2, Config: base.CodecConfig{Allocation: media.LocationFrontRight, HasAllocation: true}}},
			},
		},
	}
}

func pcmPayload(level int16) []byte {
	buf := make([]byte, samplesPerFrame*2)
	for i := 0; i < samplesPerFrame; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(level))
	}
	return buf
}

type command struct {
	typ     uint64
	payload []byte
}

// controller plays the link-layer side of the bridge over a net.Pipe.
type controller struct {
	t    *testing.T
	conn net.Conn
	cmds chan command
}

func (c *controller) readLoop() {
	for {
		typ, payload, err := bridge.ReadMessage(c.conn)
		if err != nil {
			close(c.cmds)
			return
		}
		c.cmds <- command{typ: typ, payload: payload}
	}
}

func (c *controller) send(typ uint64, payload []byte) {
	c.t.Helper()
	if err := bridge.WriteMessage(c.conn, typ, payload); err != nil {
		c.t.Fatalf("write 0x%02x: %v", typ, err)
	}
}

// expect skips commands until want arrives and returns its payload.
func (c *controller) expect(want uint64) []byte {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd, ok := <-c.cmds:
			if !ok {
				c.t.Fatalf("link closed waiting for 0x%02x", want)
			}
			if cmd.typ == want {
				return cmd.payload
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for command 0x%02x", want)
		}
	}
}

func testOptions() Options {
	cfg := session.DefaultConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	return Options{
		Session:   cfg,
		PoolSize:  32,
		RingBytes: 20 * blockBytes,
	}
}

func startReceiver(t *testing.T, opts Options) (*Receiver, *controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	r := New(opts, nil)
	serverSide, controllerSide := net.Pipe()
	c := &controller{t: t, conn: controllerSide, cmds: make(chan command, 64)}
	go c.readLoop()

	attached := make(chan struct{})
	go func() {
		defer close(attached)
		r.Bridge().Attach(ctx, serverSide, "pipe", "test")
	}()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		controllerSide.Close()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
		<-attached
	})
	return r, c
}

func waitState(t *testing.T, r *Receiver, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state: got %s, want %s", r.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitCounter(t *testing.T, name string, get func() int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for get() < want {
		if time.Now().After(deadline) {
			t.Fatalf("%s: got %d, want %d", name, get(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

// walkToStreaming drives the session to streaming and returns the BIS
// bitmask the receiver asked for.
func walkToStreaming(t *testing.T, r *Receiver, c *controller) uint32 {
	t.Helper()
	src := session.Source{Addr: [6]byte{1, 2, 3, 4, 5, 6}, SID: 1, BroadcastID: 0xABCDEF}

	c.expect(bridge.CmdStartScan)
	c.send(bridge.MsgSourceFound, bridge.SerializeSourceFound(src))
	c.expect(bridge.CmdCreatePASync)
	c.send(bridge.MsgPASynced, bridge.SerializeHandle(9))
	c.expect(bridge.CmdCreateSink)
	c.send(bridge.MsgBASE, base.MarshalServiceData(twoSubgroupBASE()))
	c.send(bridge.MsgSyncable, []byte{0})

	mask, code, err := bridge.ParseSyncStreams(c.expect(bridge.CmdSyncStreams))
	if err != nil {
		t.Fatalf("ParseSyncStreams: %v", err)
	}
	if code != nil {
		t.Error("unencrypted broadcast got a broadcast code")
	}
	c.send(bridge.MsgStreamStarted, nil)
	waitState(t, r, session.StateWaitTeardown)
	return mask
}

// sendStereoFrames sends n L/R frame pairs 10 ms apart. Pair k carries
// leftLevel+k and rightLevel-k so blocks can be told apart.
func sendStereoFrames(t *testing.T, c *controller, n int) {
	t.Helper()
	for k := 0; k < n; k++ {
		left, right := pcmPayload(leftLevel+int16(k)), pcmPayload(rightLevel-int16(k))
		timing := media.TimingInfo{Timestamp: uint32(1_000_000 + k*10_000), Sequence: uint16(k)}
		c.send(bridge.MsgFrame, bridge.SerializeFrame(bridge.Frame{BIS: 1, Timing: timing, Payload: left}))
		c.send(bridge.MsgFrame, bridge.SerializeFrame(bridge.Frame{BIS: 2, Timing: timing, Payload: right}))
	}
}

func TestStereoEndToEnd(t *testing.T) {
	t.Parallel()
	r, c := startReceiver(t, testOptions())

	if mask := walkToStreaming(t, r, c); mask != 0b11 {
		t.Fatalf("sync bitmask: got 0b%b, want 0b11", mask)
	}

	sendStereoFrames(t, c, 10)
	st := r.Stats()
	waitCounter(t, "blocks written", st.BlocksWritten.Load, 10)

	if got := st.BlocksDropped.Load(); got != 0 {
		t.Errorf("blocks dropped: %d", got)
	}
	if got := st.FramesDecoded.Load(); got != 20 {
		t.Errorf("frames decoded: got %d, want 20", got)
	}

	out := make([]byte, 10*blockBytes)
	if n := r.Drain(out); n != len(out) {
		t.Fatalf("Drain: got %d bytes, want %d", n, len(out))
	}
	checkBlocks(t, out, 10)
}

// checkBlocks verifies out holds blocks 0..n-1 of sendStereoFrames in order.
func checkBlocks(t *testing.T, out []byte, n int) {
	t.Helper()
	for i := 0; i < n*blockBytes; i += 4 {
		k := int16(i / blockBytes)
		l := int16(binary.LittleEndian.Uint16(out[i:]))
		rt := int16(binary.LittleEndian.Uint16(out[i+2:]))
		if l != leftLevel+k || rt != rightLevel-k {
			t.Fatalf("block %d frame %d: got L=%d R=%d", k, (i%blockBytes)/4, l, rt)
		}
	}
}

func TestRingOverflowDropsNewest(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.RingBytes = 3 * blockBytes
	r, c := startReceiver(t, opts)
	walkToStreaming(t, r, c)

	sendStereoFrames(t, c, 5)
	st := r.Stats()
	waitCounter(t, "blocks dropped", st.BlocksDropped.Load, 2)

	if got := st.BlocksWritten.Load(); got != 3 {
		t.Errorf("blocks written: got %d, want 3", got)
	}

	// The kept blocks are the first three, in order.
	out := make([]byte, 3*blockBytes)
	if n := r.Drain(out); n != len(out) {
		t.Fatalf("Drain: got %d bytes, want %d", n, len(out))
	}
	checkBlocks(t, out, 3)
}

func TestUnknownStreamFramesCounted(t *testing.T) {
	t.Parallel()
	r := New(testOptions(), nil)

	r.OnFrame(5, media.TimingInfo{}, pcmPayload(0))

	if got := r.Stats().UnknownStream.Load(); got != 1 {
		t.Errorf("unknown stream: got %d, want 1", got)
	}
	if got := r.Stats().FramesReceived.Load(); got != 1 {
		t.Errorf("frames received: got %d, want 1", got)
	}
}

func TestStopStreamsTearsDown(t *testing.T) {
	t.Parallel()
	r, c := startReceiver(t, testOptions())
	walkToStreaming(t, r, c)

	c.send(bridge.MsgSyncRequest, bridge.SerializeSyncRequest(base.SyncRequest{0, 0}))
	c.expect(bridge.CmdStopStreams)
	c.send(bridge.MsgStreamStopped, []byte{0x13})
	c.expect(bridge.CmdStartScan)

	for _, s := range r.streams.List() {
		if s.Active() {
			t.Errorf("bis %d still active after teardown", s.Index)
		}
	}
}

func TestStatusAPI(t *testing.T) {
	t.Parallel()
	r, c := startReceiver(t, testOptions())
	walkToStreaming(t, r, c)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Session.State != session.StateWaitTeardown.String() {
		t.Errorf("session state: %q", status.Session.State)
	}
	if len(status.Streams) != 2 || !status.Streams[0].Active {
		t.Errorf("streams: %+v", status.Streams)
	}
	if status.Controller == nil || status.Controller.Transport != "test" {
		t.Errorf("controller: %+v", status.Controller)
	}

	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), `bsink_state{state="WAIT_TEARDOWN"} 1`) {
		t.Error("metrics missing current state gauge")
	}
}
