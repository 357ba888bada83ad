package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/session"
)

// readBufferSize holds several maximum-size SRT packets.
const readBufferSize = 1316 * 10

// Handler receives the events a controller forwards.
type Handler interface {
	OnSourceFound(src session.Source)
	OnPASynced(h session.SyncHandle)
	OnPASyncLost(reason uint8)
	OnPASyncTransfer(src session.Source, h session.SyncHandle)
	OnBASE(b *base.BASE)
	OnSyncable(encrypted bool)
	OnBroadcastCode(code session.BroadcastCode)
	OnSyncRequest(req base.SyncRequest)
	OnStreamStarted()
	OnStreamStopped(reason uint8)
	OnError(err error)
	OnFrame(bis uint8, timing media.TimingInfo, payload []byte)
}

// LinkStats counts traffic on one controller link.
type LinkStats struct {
	Remote        string `json:"remote"`
	Transport     string `json:"transport"`
	ConnectedMs   int64  `json:"connectedMs"`
	Events        int64  `json:"events"`
	Frames        int64  `json:"frames"`
	Commands      int64  `json:"commands"`
	ParseErrors   int64  `json:"parseErrors"`
	BytesReceived int64  `json:"bytesReceived"`
}

// Link is one connected controller. It dispatches incoming events to a
// Handler and sends commands as the session.Controller.
type Link struct {
	log       *slog.Logger
	conn      io.ReadWriteCloser
	handler   Handler
	remote    string
	transport string
	started   time.Time

	wmu sync.Mutex

	events      atomic.Int64
	frames      atomic.Int64
	commands    atomic.Int64
	parseErrors atomic.Int64
	bytesRead   atomic.Int64
}

// NewLink wraps conn. remote and transport are used for logging and stats.
// If log is nil, slog.Default() is used.
func NewLink(conn io.ReadWriteCloser, handler Handler, remote, transport string, log *slog.Logger) *Link {
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		log:       log.With("component", "bridge-link", "remote", remote, "transport", transport),
		conn:      conn,
		handler:   handler,
		remote:    remote,
		transport: transport,
		started:   time.Now(),
	}
}

// Serve reads and dispatches messages until the connection fails or ctx
// is cancelled. It returns nil on a clean close.
func (l *Link) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	r := bufio.NewReaderSize(countingReader{l.conn, &l.bytesRead}, readBufferSize)
	for {
		msgType, payload, err := ReadMessage(r)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := l.dispatch(msgType, payload); err != nil {
			l.parseErrors.Add(1)
			l.log.Warn("dropping malformed message", "type", fmt.Sprintf("0x%02x", msgType), "error", err)
		}
	}
}

func (l *Link) dispatch(msgType uint64, payload []byte) error {
	if msgType == MsgFrame {
		f, err := ParseFrame(payload)
		if err != nil {
			return err
		}
		l.frames.Add(1)
		l.handler.OnFrame(f.BIS, f.Timing, f.Payload)
		return nil
	}

	l.events.Add(1)
	switch msgType {
	case MsgSourceFound:
		src, err := ParseSourceFound(payload)
		if err != nil {
			return err
		}
		l.handler.OnSourceFound(src)
	case MsgPASynced:
		h, err := ParseHandle(payload)
		if err != nil {
			return err
		}
		l.handler.OnPASynced(h)
	case MsgPASyncLost:
		l.handler.OnPASyncLost(ParseReason(payload))
	case MsgPASyncTransfer:
		h, src, err := ParsePASyncTransfer(payload)
		if err != nil {
			return err
		}
		l.handler.OnPASyncTransfer(src, h)
	case MsgBASE:
		b, err := base.ParseServiceData(payload)
		if err != nil {
			return err
		}
		l.handler.OnBASE(b)
	case MsgSyncable:
		enc, err := ParseSyncable(payload)
		if err != nil {
			return err
		}
		l.handler.OnSyncable(enc)
	case MsgBroadcastCode:
		code, err := ParseBroadcastCode(payload)
		if err != nil {
			return err
		}
		l.handler.OnBroadcastCode(code)
	case MsgSyncRequest:
		req, err := ParseSyncRequest(payload)
		if err != nil {
			return err
		}
		l.handler.OnSyncRequest(req)
	case MsgStreamStarted:
		l.handler.OnStreamStarted()
	case MsgStreamStopped:
		l.handler.OnStreamStopped(ParseReason(payload))
	case MsgError:
		l.handler.OnError(fmt.Errorf("controller: %s", payload))
	default:
		return fmt.Errorf("%w 0x%02x", ErrUnknownMessage, msgType)
	}
	return nil
}

func (l *Link) send(msgType uint64, payload []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	if err := WriteMessage(l.conn, msgType, payload); err != nil {
		return fmt.Errorf("send 0x%02x: %w", msgType, err)
	}
	l.commands.Add(1)
	return nil
}

func (l *Link) StartScan() error { return l.send(CmdStartScan, nil) }
func (l *Link) StopScan() error  { return l.send(CmdStopScan, nil) }

func (l *Link) CreatePASync(src session.Source) error {
	return l.send(CmdCreatePASync, SerializeSourceFound(src))
}

func (l *Link) DeletePASync(h session.SyncHandle) error {
	return l.send(CmdDeletePASync, SerializeHandle(h))
}

func (l *Link) CreateSink(h session.SyncHandle) error {
	return l.send(CmdCreateSink, SerializeHandle(h))
}

func (l *Link) DeleteSink() error { return l.send(CmdDeleteSink, nil) }

func (l *Link) SyncStreams(mask uint32, code *session.BroadcastCode) error {
	return l.send(CmdSyncStreams, SerializeSyncStreams(mask, code))
}

func (l *Link) StopStreams() error { return l.send(CmdStopStreams, nil) }

// Close closes the underlying connection.
func (l *Link) Close() error {
	return l.conn.Close()
}

// Stats returns the link counters.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Remote:        l.remote,
		Transport:     l.transport,
		ConnectedMs:   time.Since(l.started).Milliseconds(),
		Events:        l.events.Load(),
		Frames:        l.frames.Load(),
		Commands:      l.commands.Load(),
		ParseErrors:   l.parseErrors.Load(),
		BytesReceived: l.bytesRead.Load(),
	}
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
