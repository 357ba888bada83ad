package stats

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSnapshot(t *testing.T) {
	t.Parallel()

	r := New()
	r.QueueOverflow.Add(3)
	r.BlocksWritten.Add(10)
	r.RecordTransition("WAIT_CONTROLLER")
	r.RecordTransition("WAIT_CONTROLLER")

	snap := r.Snapshot()
	if snap.QueueOverflow != 3 {
		t.Errorf("QueueOverflow: got %d, want 3", snap.QueueOverflow)
	}
	if snap.BlocksWritten != 10 {
		t.Errorf("BlocksWritten: got %d, want 10", snap.BlocksWritten)
	}
	if snap.Transitions["WAIT_CONTROLLER"] != 2 {
		t.Errorf("transitions: got %v", snap.Transitions)
	}

	// Snapshot maps are copies.
	snap.Transitions["WAIT_CONTROLLER"] = 99
	if r.Transitions()["WAIT_CONTROLLER"] != 2 {
		t.Error("snapshot shares map with Receive")
	}
}

func TestCollector(t *testing.T) {
	t.Parallel()

	r := New()
	r.QueueOverflow.Add(2)
	c := NewCollector(r, func() string { return "WAIT_TEARDOWN" })

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if n := testutil.CollectAndCount(c); n != len(counters)+1 {
		t.Errorf("metric count: got %d, want %d", n, len(counters)+1)
	}

	expected := `
# HELP bsink_queue_overflow_total SDUs dropped because the frame pool was exhausted
# TYPE bsink_queue_overflow_total counter
bsink_queue_overflow_total 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "bsink_queue_overflow_total"); err != nil {
		t.Error(err)
	}
}
