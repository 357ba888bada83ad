package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/bridge"
	"github.com/zsiec/broadcastsink/internal/certs"
	"github.com/zsiec/broadcastsink/internal/config"
	"github.com/zsiec/broadcastsink/internal/output"
	"github.com/zsiec/broadcastsink/internal/receiver"
)

var version = "dev"

// callerBackoff is the wait between SRT caller dial attempts.
const callerBackoff = 2 * time.Second

func main() {
	os.Exit(realMain(os.Args[1:]))
}

// realMain returns the process exit code so deferred cleanup, such as
// closing the log file, runs before exit.
func realMain(args []string) int {
	fs := flag.NewFlagSet("bsink", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (yaml, json or toml)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logFile, err := config.ConfigureLogger(cfg.LogLevel, cfg.LogFile, os.Getenv("DEBUG") != "")
	if err != nil {
		slog.Error("failed to configure logger", "error", err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(cfg); err != nil {
		slog.Error("receiver error", "error", err)
		return 1
	}
	return 0
}

// codecChecker reports whether a codec can be decoded.
type codecChecker interface {
	Compatible(id base.CodecID) bool
}

// missingDecoders names the standard coding formats nothing can decode.
func missingDecoders(c codecChecker) []string {
	var missing []string
	for _, f := range []struct {
		name   string
		format uint8
	}{
		{"LC3", base.CodingFormatLC3},
		{"linear PCM", base.CodingFormatLinearPCM},
	} {
		if !c.Compatible(base.CodecID{Format: f.format}) {
			missing = append(missing, f.name)
		}
	}
	return missing
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rx := receiver.New(receiver.Options{
		Session:   cfg.Session,
		PoolSize:  cfg.PoolSize,
		SlotSize:  cfg.SlotSize,
		RingBytes: cfg.RingBytes,
		Jitter:    cfg.JitterMicros,
	}, nil)

	if missing := missingDecoders(rx); len(missing) > 0 {
		slog.Warn("no decoder registered; broadcasts using these codecs will not sync", "codecs", missing)
	}

	device, err := openDevice(cfg)
	if err != nil {
		return err
	}
	clock, err := output.NewClock(rx, device, cfg.OutputSampleRate, cfg.OutputPeriod, nil)
	if err != nil {
		device.Close()
		return err
	}

	transport, err := newTransport(cfg, rx.Bridge())
	if err != nil {
		device.Close()
		return err
	}

	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           rx.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("bsink starting",
		"version", version,
		"transport", cfg.BridgeTransport,
		"bridge", cfg.BridgeAddr,
		"api", cfg.HTTPAddr,
		"output", cfg.OutputMode,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return rx.Run(ctx) })
	g.Go(func() error { return clock.Run(ctx) })
	g.Go(func() error { return transport.Start(ctx) })

	g.Go(func() error {
		slog.Info("status API listening", "addr", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("bsink stopped", "session_resets", rx.Stats().Resets.Load())
	return err
}

func openDevice(cfg *config.Config) (output.Device, error) {
	if cfg.OutputMode == config.OutputWAV {
		slog.Info("recording to WAV", "path", cfg.OutputPath, "sample_rate", cfg.OutputSampleRate)
		return output.NewWAVRecorder(cfg.OutputPath, cfg.OutputSampleRate)
	}
	return &output.Discard{}, nil
}

type starter interface {
	Start(ctx context.Context) error
}

func newTransport(cfg *config.Config, srv *bridge.Server) (starter, error) {
	switch cfg.BridgeTransport {
	case config.TransportSRTCall:
		return bridge.NewSRTCaller(cfg.BridgeAddr, cfg.BridgeStreamID, callerBackoff, srv, nil), nil
	case config.TransportQUIC:
		slog.Info("generating self-signed certificate")
		cert, err := certs.Generate(certs.DefaultValidity, cfg.CertHosts...)
		if err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		return bridge.NewQUICListener(cfg.BridgeAddr, cert.TLSCert, srv, nil), nil
	default:
		return bridge.NewSRTListener(cfg.BridgeAddr, cfg.BridgeStreamID, srv, nil), nil
	}
}
