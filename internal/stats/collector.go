package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bsink"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(*Receive) *atomic.Int64
}

func newCounter(name, help string, value func(*Receive) *atomic.Int64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		value: value,
	}
}

var counters = []counterDesc{
	newCounter("frames_received_total", "SDUs delivered by the transport", func(r *Receive) *atomic.Int64 { return &r.FramesReceived }),
	newCounter("queue_overflow_total", "SDUs dropped because the frame pool was exhausted", func(r *Receive) *atomic.Int64 { return &r.QueueOverflow }),
	newCounter("frames_marked_total", "SDUs flagged for concealment on receive", func(r *Receive) *atomic.Int64 { return &r.FramesMarked }),
	newCounter("unknown_stream_total", "SDUs for a BIS with no active stream", func(r *Receive) *atomic.Int64 { return &r.UnknownStream }),
	newCounter("frames_decoded_total", "Channel frames decoded", func(r *Receive) *atomic.Int64 { return &r.FramesDecoded }),
	newCounter("frames_concealed_total", "Channel frames produced by loss concealment", func(r *Receive) *atomic.Int64 { return &r.FramesConcealed }),
	newCounter("decode_errors_total", "Channel frames the codec rejected", func(r *Receive) *atomic.Int64 { return &r.DecodeErrors }),
	newCounter("inactive_drops_total", "SDUs dropped because the stream decoder was disabled", func(r *Receive) *atomic.Int64 { return &r.InactiveDrops }),
	newCounter("stale_frames_total", "Channel frames discarded as older than the current batch", func(r *Receive) *atomic.Int64 { return &r.StaleFrames }),
	newCounter("timestamp_wraps_total", "Timestamp wraparounds detected by reassembly", func(r *Receive) *atomic.Int64 { return &r.Wraparounds }),
	newCounter("blocks_written_total", "Stereo blocks written to the output ring", func(r *Receive) *atomic.Int64 { return &r.BlocksWritten }),
	newCounter("blocks_dropped_total", "Stereo blocks dropped because the output ring was full", func(r *Receive) *atomic.Int64 { return &r.BlocksDropped }),
	newCounter("drain_underruns_total", "Drain calls that had to zero-fill", func(r *Receive) *atomic.Int64 { return &r.DrainUnderruns }),
	newCounter("events_dropped_total", "Transport events dropped because the state machine queue was full", func(r *Receive) *atomic.Int64 { return &r.EventsDropped }),
	newCounter("sync_timeouts_total", "State machine waits that timed out", func(r *Receive) *atomic.Int64 { return &r.Timeouts }),
	newCounter("resets_total", "State machine resets", func(r *Receive) *atomic.Int64 { return &r.Resets }),
	newCounter("sessions_total", "Sync sessions that reached streaming", func(r *Receive) *atomic.Int64 { return &r.Sessions }),
}

var stateDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "state"),
	"Current state machine state (1 for the active state)",
	[]string{"state"}, nil,
)

// Collector exports a Receive as Prometheus metrics.
type Collector struct {
	stats *Receive
	state func() string
}

// NewCollector returns a collector over r. state, if non-nil, reports the
// current state machine state name.
func NewCollector(r *Receive, state func() string) *Collector {
	return &Collector{stats: r, state: state}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range counters {
		ch <- cd.desc
	}
	ch <- stateDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, cd := range counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(c.stats).Load()))
	}
	if c.state != nil {
		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, 1, c.state())
	}
}
