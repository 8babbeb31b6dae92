// Package metrics holds the prometheus collectors of the sync server. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notesync"

type Metrics struct {
	registry *prometheus.Registry

	rooms             prometheus.Gauge
	connections       prometheus.Gauge
	updates           *prometheus.CounterVec
	snapshotWrites    *prometheus.CounterVec
	snapshotDuration  prometheus.Histogram
	publishFailures   prometheus.Counter
	echoDropped       prometheus.Counter
	hydrationFailures prometheus.Counter
	framesRejected    *prometheus.CounterVec
	authRejected      *prometheus.CounterVec
	fanoutTransportUp prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(registry)
	return &Metrics{
		registry: registry,
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms",
			Help: "Live rooms held by this process.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open sync connections.",
		}),
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "updates_total",
			Help: "Deltas merged into rooms, by origin (local or foreign).",
		}, []string{"origin"}),
		snapshotWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_writes_total",
			Help: "Snapshot writes by result.",
		}, []string{"result"}),
		snapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "snapshot_write_seconds",
			Help:    "Snapshot write latency.",
			Buckets: prometheus.DefBuckets,
		}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_publish_failures_total",
			Help: "Fan-out envelopes dropped or rejected by the transport.",
		}),
		echoDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_echo_dropped_total",
			Help: "Received fan-out envelopes that originated in this process.",
		}),
		hydrationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "hydration_failures_total",
			Help: "Rooms that started empty because their snapshot could not be loaded.",
		}),
		framesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_rejected_total",
			Help: "Inbound frames that closed their connection, by reason.",
		}, []string{"reason"}),
		authRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_rejected_total",
			Help: "Connection attempts refused before upgrade, by status.",
		}, []string{"status"}),
		fanoutTransportUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fanout_transport_up",
			Help: "1 while the fan-out transport accepts publishes.",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Update(foreign bool) {
	if m == nil {
		return
	}
	origin := "local"
	if foreign {
		origin = "foreign"
	}
	m.updates.WithLabelValues(origin).Inc()
}

func (m *Metrics) SnapshotWritten(err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.snapshotWrites.WithLabelValues(result).Inc()
	m.snapshotDuration.Observe(took.Seconds())
}

func (m *Metrics) PublishFailed() {
	if m != nil {
		m.publishFailures.Inc()
	}
}

func (m *Metrics) EchoDropped() {
	if m != nil {
		m.echoDropped.Inc()
	}
}

func (m *Metrics) HydrationFailed() {
	if m != nil {
		m.hydrationFailures.Inc()
	}
}

func (m *Metrics) FrameRejected(reason string) {
	if m != nil {
		m.framesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AuthRejected(status int) {
	if m == nil {
		return
	}
	label := "other"
	switch status {
	case http.StatusUnauthorized:
		label = "401"
	case http.StatusForbidden:
		label = "403"
	}
	m.authRejected.WithLabelValues(label).Inc()
}

func (m *Metrics) TransportUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.fanoutTransportUp.Set(1)
	} else {
		m.fanoutTransportUp.Set(0)
	}
}
