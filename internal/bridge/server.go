package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/broadcastsink/internal/session"
)

// Server holds the active controller link. Transports attach connections
// to it; the state machine uses it as its session.Controller. A newly
// attached controller replaces the previous one.
type Server struct {
	log     *slog.Logger
	handler Handler

	mu     sync.Mutex
	active *Link
}

var _ session.Controller = (*Server)(nil)

// NewServer creates a Server dispatching events to handler. If log is nil,
// slog.Default() is used.
func NewServer(handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:     log.With("component", "bridge"),
		handler: handler,
	}
}

// Attach serves conn as the active controller link and blocks until it
// closes. The handler sees ErrLinkLost when an active link goes away, so
// the session resets instead of waiting on a controller that is gone.
func (s *Server) Attach(ctx context.Context, conn io.ReadWriteCloser, remote, transport string) error {
	link := NewLink(conn, s.handler, remote, transport, s.log)

	s.mu.Lock()
	old := s.active
	s.active = link
	s.mu.Unlock()

	if old != nil {
		s.log.Info("controller replaced", "old", old.remote, "new", remote)
		old.Close()
	}
	s.log.Info("controller connected", "remote", remote, "transport", transport)

	err := link.Serve(ctx)

	s.mu.Lock()
	current := s.active == link
	if current {
		s.active = nil
	}
	s.mu.Unlock()

	link.Close()
	st := link.Stats()
	s.log.Info("controller disconnected", "remote", remote, "error", err,
		"events", st.Events, "frames", st.Frames, "commands", st.Commands, "uptime_ms", st.ConnectedMs)

	if ctx.Err() == nil {
		s.handler.OnError(ErrLinkLost)
	}
	return err
}

// Connected reports whether a controller is attached.
func (s *Server) Connected() bool {
	return s.link() != nil
}

// Stats returns the active link's counters, or nil.
func (s *Server) Stats() *LinkStats {
	l := s.link()
	if l == nil {
		return nil
	}
	st := l.Stats()
	return &st
}

func (s *Server) link() *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) do(fn func(*Link) error) error {
	l := s.link()
	if l == nil {
		return ErrNotConnected
	}
	return fn(l)
}

func (s *Server) StartScan() error { return s.do((*Link).StartScan) }
func (s *Server) StopScan() error  { return s.do((*Link).StopScan) }

func (s *Server) CreatePASync(src session.Source) error {
	return s.do(func(l *Link) error { return l.CreatePASync(src) })
}

func (s *Server) DeletePASync(h session.SyncHandle) error {
	return s.do(func(l *Link) error { return l.DeletePASync(h) })
}

func (s *Server) CreateSink(h session.SyncHandle) error {
	return s.do(func(l *Link) error { return l.CreateSink(h) })
}

func (s *Server) DeleteSink() error { return s.do((*Link).DeleteSink) }

func (s *Server) SyncStreams(mask uint32, code *session.BroadcastCode) error {
	return s.do(func(l *Link) error { return l.SyncStreams(mask, code) })
}

func (s *Server) StopStreams() error { return s.do((*Link).StopStreams) }
