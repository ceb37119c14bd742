package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds every collector the engine reports to
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	EventsTotal      *prometheus.CounterVec
	RecordsEmitted   prometheus.Counter
	DecodeFailures   *prometheus.CounterVec
	ChannelsClosed   prometheus.Counter
	GateWait         prometheus.Histogram
	CaptureBuffered  prometheus.Counter
	CaptureForwards  *prometheus.CounterVec
	ForwardDuration  prometheus.Histogram
	BroadcastDropped prometheus.Counter
	SinkFailures     prometheus.Counter
}

// New creates collectors on a private registry.
// A private registry keeps several engines in one process (tests) from colliding.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqcorr_events_total",
				Help: "Phase events received by outcome",
			},
			[]string{"phase", "outcome"},
		),
		RecordsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqcorr_records_emitted_total",
			Help: "Completed records pushed to the sink",
		}),
		DecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqcorr_body_decode_failures_total",
				Help: "Request bodies that could not be decoded",
			},
			[]string{"path"},
		),
		ChannelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqcorr_channels_closed_total",
			Help: "Channel close notifications processed",
		}),
		GateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reqcorr_gate_wait_seconds",
			Help:    "Time a handler waited for the exclusive gate",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		CaptureBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqcorr_capture_bodies_buffered_total",
			Help: "Auto-capture bodies stored in the buffer",
		}),
		CaptureForwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqcorr_capture_forwards_total",
				Help: "Auto-capture forward attempts by result",
			},
			[]string{"result"},
		),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reqcorr_capture_forward_duration_seconds",
			Help:    "Duration of notarization forward attempts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqcorr_broadcast_dropped_total",
			Help: "Messages dropped because a subscriber was too slow",
		}),
		SinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqcorr_sink_failures_total",
			Help: "Completed records the application state refused",
		}),
	}

	m.registry.MustRegister(
		m.EventsTotal,
		m.RecordsEmitted,
		m.DecodeFailures,
		m.ChannelsClosed,
		m.GateWait,
		m.CaptureBuffered,
		m.CaptureForwards,
		m.ForwardDuration,
		m.BroadcastDropped,
		m.SinkFailures,
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Gauges registers live gauges computed on scrape
func (m *Metrics) Gauges(channels, entries, buffered, gateQueue func() float64) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reqcorr_channels",
			Help: "Channels with a live cache",
		}, channels),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reqcorr_cache_entries",
			Help: "In-flight records across all channel caches",
		}, entries),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reqcorr_capture_buffer_entries",
			Help: "Entries in the auto-capture buffer",
		}, buffered),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reqcorr_gate_queue",
			Help: "Handlers queued on or holding the gate",
		}, gateQueue),
	)
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error gathering metrics: %v", err), http.StatusInternalServerError)
		return
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# HELP reqcorr_uptime_seconds Time since the engine started\n")
	fmt.Fprintf(&buf, "# TYPE reqcorr_uptime_seconds gauge\n")
	fmt.Fprintf(&buf, "reqcorr_uptime_seconds %.0f\n\n", time.Since(m.started).Seconds())

	encoder := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			http.Error(w, fmt.Sprintf("Error encoding metrics: %v", err), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", string(format))
	w.Write(buf.Bytes())
}
