package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on the QUIC transport.
const ALPN = "bsink-bridge/1"

// Application error codes used when closing a QUIC connection.
const (
	quicCodeNoError  quic.ApplicationErrorCode = 0x00
	quicCodeNoStream quic.ApplicationErrorCode = 0x01
)

// QUICListener accepts controller connections over QUIC. Each connection
// carries the bridge on its first bidirectional stream.
type QUICListener struct {
	log    *slog.Logger
	addr   string
	cert   tls.Certificate
	server *Server
}

// NewQUICListener creates a listener on addr presenting cert. If log is
// nil, slog.Default() is used.
func NewQUICListener(addr string, cert tls.Certificate, server *Server, log *slog.Logger) *QUICListener {
	if log == nil {
		log = slog.Default()
	}
	return &QUICListener{
		log:    log.With("component", "quic-listener"),
		addr:   addr,
		cert:   cert,
		server: server,
	}
}

// Start accepts connections until ctx is cancelled.
func (l *QUICListener) Start(ctx context.Context) error {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{l.cert},
		NextProtos:   []string{ALPN},
	}
	ln, err := quic.ListenAddr(l.addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("QUIC listen on %s: %w", l.addr, err)
	}
	defer ln.Close()
	l.log.Info("listening", "addr", l.addr)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("accept error", "error", err)
			continue
		}
		go l.handleConnection(ctx, conn)
	}
}

func (l *QUICListener) handleConnection(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()

	acceptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	stream, err := conn.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		l.log.Warn("no bridge stream opened", "remote", remote, "error", err)
		conn.CloseWithError(quicCodeNoStream, "no stream")
		return
	}

	l.server.Attach(ctx, quicStream{stream}, remote, "quic")
	conn.CloseWithError(quicCodeNoError, "")
}

// quicStream closes both directions so a blocked Read returns.
type quicStream struct {
	quic.Stream
}

func (s quicStream) Close() error {
	s.CancelRead(quic.StreamErrorCode(quicCodeNoError))
	return s.Stream.Close()
}
