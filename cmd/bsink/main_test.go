package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/codec"
	"github.com/zsiec/broadcastsink/internal/receiver"
)

func TestMissingDecoders(t *testing.T) {
	t.Parallel()

	rx := receiver.New(receiver.Options{}, nil)
	if got := missingDecoders(rx); !slices.Equal(got, []string{"LC3"}) {
		t.Errorf("default registry: got %v, want [LC3]", got)
	}

	reg := codec.NewRegistry()
	reg.Register(base.CodingFormatLC3, codec.NewPCMDecoder)
	rx = receiver.New(receiver.Options{Registry: reg}, nil)
	if got := missingDecoders(rx); len(got) != 0 {
		t.Errorf("with LC3 registered: got %v", got)
	}
}

func TestRunFailureFlushesLogFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	logPath := filepath.Join(dir, "bsink.log")
	cfgPath := filepath.Join(dir, "bsink.yaml")
	cfg := "log:\n  file: " + logPath + "\n" +
		"output:\n  mode: wav\n  path: " + filepath.Join(dir, "missing", "out.wav") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := realMain([]string{"-config", cfgPath}); code != 1 {
		t.Fatalf("exit code: got %d, want 1", code)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"receiver error"`) {
		t.Errorf("log file missing the failure record:\n%s", data)
	}
}

func TestBadFlagExitCode(t *testing.T) {
	if code := realMain([]string{"-no-such-flag"}); code != 2 {
		t.Errorf("exit code: got %d, want 2", code)
	}
}
