package receiver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/broadcastsink/internal/bridge"
	"github.com/zsiec/broadcastsink/internal/session"
	"github.com/zsiec/broadcastsink/internal/stats"
)

// StreamStatus describes one selected BIS.
type StreamStatus struct {
	BIS        uint8     `json:"bis"`
	Subgroup   int       `json:"subgroup"`
	Channels   int       `json:"channels"`
	Frequency  int       `json:"frequency"`
	Octets     int       `json:"octetsPerFrame"`
	Blocks     int       `json:"blocksPerSdu"`
	Active     bool      `json:"active"`
	SelectedAt time.Time `json:"selectedAt"`
}

// BufferStatus reports buffer occupancy.
type BufferStatus struct {
	PoolCap       int `json:"poolCap"`
	PoolAvailable int `json:"poolAvailable"`
	PoolQueued    int `json:"poolQueued"`
	RingCap       int `json:"ringCap"`
	RingLen       int `json:"ringLen"`
}

// Status is the /api/status document.
type Status struct {
	Session    session.Snapshot  `json:"session"`
	Streams    []StreamStatus    `json:"streams"`
	Buffers    BufferStatus      `json:"buffers"`
	Stats      stats.Snapshot    `json:"stats"`
	Controller *bridge.LinkStats `json:"controller,omitempty"`
}

// Status returns a point-in-time view of the receiver.
func (r *Receiver) Status() Status {
	st := Status{
		Session: r.machine.Snapshot(),
		Streams: []StreamStatus{},
		Buffers: BufferStatus{
			PoolCap:       r.pool.Cap(),
			PoolAvailable: r.pool.Available(),
			PoolQueued:    r.pool.Queued(),
			RingCap:       r.ring.Cap(),
			RingLen:       r.ring.Len(),
		},
		Stats:      r.stats.Snapshot(),
		Controller: r.bridge.Stats(),
	}
	for _, s := range r.streams.List() {
		st.Streams = append(st.Streams, StreamStatus{
			BIS:        s.Index,
			Subgroup:   s.Subgroup,
			Channels:   s.Config.Channels(),
			Frequency:  s.Config.Frequency,
			Octets:     s.Config.OctetsPerFrame,
			Blocks:     s.Config.Blocks(),
			Active:     s.Active(),
			SelectedAt: s.SelectedAt,
		})
	}
	return st
}

// Handler serves the status API and Prometheus metrics.
func (r *Receiver) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		stats.NewCollector(r.stats, func() string { return r.machine.State().String() }),
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", r.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func (r *Receiver) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write JSON response", "error", err)
	}
}
