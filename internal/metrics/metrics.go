package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all relay metrics. Fields are updated lock-free by the
// sessions and read by Prometheus at scrape time.
type Metrics struct {
	// Connection tracking
	SessionsAccepted atomic.Uint64
	SessionsActive   atomic.Int64
	IdleTimeouts     atomic.Uint64

	// Ingestion
	FramesIngested    atomic.Uint64
	BytesIngested     atomic.Uint64
	MalformedCommands atomic.Uint64
	TruncatedFrames   atomic.Uint64

	// Fan-out
	FramesDelivered    atomic.Uint64
	DisplayWriteErrors atomic.Uint64
	DisplayEvictions   atomic.Uint64
	FanoutLatencyUs    atomic.Uint64 // Last broadcast dispatch latency

	// Recording
	RecordingsWritten atomic.Uint64
	RecordingsFailed  atomic.Uint64
	RecordingFrames   atomic.Uint64
	RecordingBytes    atomic.Uint64

	registryCounts atomic.Pointer[func() (int, int)]
	registry       *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

type gaugeDef struct {
	name string
	help string
	fn   func() float64
}

func counter(v *atomic.Uint64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	defs := []gaugeDef{
		{"relay_sessions_accepted_total", "Total connections accepted", counter(&m.SessionsAccepted)},
		{"relay_sessions_active", "Sessions currently running", func() float64 { return float64(m.SessionsActive.Load()) }},
		{"relay_idle_timeouts_total", "Sessions closed by the idle timeout", counter(&m.IdleTimeouts)},
		{"relay_frames_ingested_total", "Frames received from cameras", counter(&m.FramesIngested)},
		{"relay_bytes_ingested_total", "Payload bytes received from cameras", counter(&m.BytesIngested)},
		{"relay_malformed_commands_total", "Command frames skipped as malformed", counter(&m.MalformedCommands)},
		{"relay_truncated_frames_total", "Data frames cut short by a disconnect", counter(&m.TruncatedFrames)},
		{"relay_frames_delivered_total", "Frames written to displays", counter(&m.FramesDelivered)},
		{"relay_display_write_errors_total", "Failed writes to displays", counter(&m.DisplayWriteErrors)},
		{"relay_display_evictions_total", "Displays removed after a failed or stalled delivery", counter(&m.DisplayEvictions)},
		{"relay_fanout_latency_us", "Last broadcast dispatch latency in microseconds", counter(&m.FanoutLatencyUs)},
		{"relay_recordings_written_total", "Recordings finalized", counter(&m.RecordingsWritten)},
		{"relay_recordings_failed_total", "Recordings that could not be written", counter(&m.RecordingsFailed)},
		{"relay_recording_frames_total", "Frames written to recordings", counter(&m.RecordingFrames)},
		{"relay_recording_bytes_total", "Bytes written to recordings", counter(&m.RecordingBytes)},
		{"relay_cameras_active", "Registered camera sessions", func() float64 {
			c, _ := m.counts()
			return float64(c)
		}},
		{"relay_displays_active", "Registered display sessions", func() float64 {
			_, d := m.counts()
			return float64(d)
		}},
	}

	for _, d := range defs {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: d.name, Help: d.help},
			d.fn,
		))
	}
}

// WatchRegistry installs the source for the active camera/display gauges.
func (m *Metrics) WatchRegistry(counts func() (cameras, displays int)) {
	m.registryCounts.Store(&counts)
}

func (m *Metrics) counts() (int, int) {
	if f := m.registryCounts.Load(); f != nil {
		return (*f)()
	}
	return 0, 0
}

// UpdateFanoutLatency records how long one broadcast took to dispatch
func (m *Metrics) UpdateFanoutLatency(d time.Duration) {
	m.FanoutLatencyUs.Store(uint64(d.Microseconds()))
}

// Snapshot returns the current counter values keyed by short name, for the
// health endpoint.
func (m *Metrics) Snapshot() map[string]uint64 {
	cams, disps := m.counts()
	return map[string]uint64{
		"sessions_accepted":    m.SessionsAccepted.Load(),
		"sessions_active":      uint64(max(m.SessionsActive.Load(), 0)),
		"cameras_active":       uint64(cams),
		"displays_active":      uint64(disps),
		"frames_ingested":      m.FramesIngested.Load(),
		"bytes_ingested":       m.BytesIngested.Load(),
		"frames_delivered":     m.FramesDelivered.Load(),
		"display_evictions":    m.DisplayEvictions.Load(),
		"malformed_commands":   m.MalformedCommands.Load(),
		"recordings_written":   m.RecordingsWritten.Load(),
		"recordings_failed":    m.RecordingsFailed.Load(),
		"recording_frames":     m.RecordingFrames.Load(),
		"recording_bytes":      m.RecordingBytes.Load(),
		"display_write_errors": m.DisplayWriteErrors.Load(),
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
