package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtDialTimeout bounds one caller-mode connection attempt.
const srtDialTimeout = 10 * time.Second

// SRTListener accepts controller connections over SRT.
type SRTListener struct {
	log      *slog.Logger
	addr     string
	streamID string
	server   *Server
}

// NewSRTListener creates a listener on addr. A non-empty streamID rejects
// callers that present a different one. If log is nil, slog.Default() is used.
func NewSRTListener(addr, streamID string, server *Server, log *slog.Logger) *SRTListener {
	if log == nil {
		log = slog.Default()
	}
	return &SRTListener{
		log:      log.With("component", "srt-listener"),
		addr:     addr,
		streamID: streamID,
		server:   server,
	}
}

// Start accepts connections until ctx is cancelled.
func (l *SRTListener) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	ln, err := srtgo.Listen(l.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", l.addr, err)
	}
	l.log.Info("listening", "addr", l.addr)

	ln.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if l.streamID != "" && req.StreamID != l.streamID {
			l.log.Warn("rejecting controller", "stream_id", req.StreamID)
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("accept error", "error", err)
			continue
		}
		go l.server.Attach(ctx, conn, conn.RemoteAddr().String(), "srt")
	}
}

// SRTCaller dials out to a controller listening on SRT and redials when
// the link drops.
type SRTCaller struct {
	log      *slog.Logger
	addr     string
	streamID string
	backoff  time.Duration
	server   *Server
}

// NewSRTCaller creates a caller for addr. If log is nil, slog.Default() is used.
func NewSRTCaller(addr, streamID string, backoff time.Duration, server *Server, log *slog.Logger) *SRTCaller {
	if log == nil {
		log = slog.Default()
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &SRTCaller{
		log:      log.With("component", "srt-caller"),
		addr:     addr,
		streamID: streamID,
		backoff:  backoff,
		server:   server,
	}
}

// Start keeps a connection to the controller until ctx is cancelled.
func (c *SRTCaller) Start(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("dial failed", "address", c.addr, "error", err)
		} else {
			c.server.Attach(ctx, conn, c.addr, "srt")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.backoff):
		}
	}
}

func (c *SRTCaller) dial(ctx context.Context) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = c.streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(c.addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		// Close any connection that completes after we gave up.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
