// Package metrics exposes the daemon's Prometheus instrumentation. A single
// Recorder is wired through the session runtime, launcher, and server; a nil
// Recorder disables collection so tests and the IPC-only paths pay nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the daemon's metric collectors.
type Recorder struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	messagesTotal   *prometheus.CounterVec
	consumersActive prometheus.Gauge
	adapterErrors   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	procRestarts    prometheus.Counter
}

// New builds a Recorder backed by its own registry, pre-registered with the
// standard Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_sessions_active",
			Help: "Sessions currently live in the repository.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_sessions_total",
			Help: "Sessions created since daemon start.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_messages_total",
			Help: "Unified messages recorded, by message type.",
		}, []string{"type"}),
		consumersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_consumers_active",
			Help: "Consumer connections currently attached across all sessions.",
		}),
		adapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_adapter_errors_total",
			Help: "Backend errors surfaced to sessions, by adapter and error kind.",
		}, []string{"adapter", "kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_queue_depth",
			Help: "User messages waiting in outbound queues across all sessions.",
		}),
		procRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_proc_restarts_total",
			Help: "Backend relaunches triggered by the reconnect policy.",
		}),
	}
	reg.MustRegister(
		r.sessionsActive,
		r.sessionsTotal,
		r.messagesTotal,
		r.consumersActive,
		r.adapterErrors,
		r.queueDepth,
		r.procRestarts,
	)
	return r
}

// Handler serves the registry in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SessionStarted notes a new live session.
func (r *Recorder) SessionStarted() {
	if r == nil {
		return
	}
	r.sessionsTotal.Inc()
	r.sessionsActive.Inc()
}

// SessionEnded notes a session leaving the repository.
func (r *Recorder) SessionEnded() {
	if r == nil {
		return
	}
	r.sessionsActive.Dec()
}

// MessageRecorded counts one unified message appended to a session history.
func (r *Recorder) MessageRecorded(msgType string) {
	if r == nil {
		return
	}
	r.messagesTotal.WithLabelValues(msgType).Inc()
}

// ConsumerAttached counts a consumer connection.
func (r *Recorder) ConsumerAttached() {
	if r == nil {
		return
	}
	r.consumersActive.Inc()
}

// ConsumerDetached counts a consumer disconnect.
func (r *Recorder) ConsumerDetached() {
	if r == nil {
		return
	}
	r.consumersActive.Dec()
}

// AdapterError counts a classified backend failure.
func (r *Recorder) AdapterError(adapter, kind string) {
	if r == nil {
		return
	}
	r.adapterErrors.WithLabelValues(adapter, kind).Inc()
}

// QueueDepth adjusts the aggregate outbound queue gauge.
func (r *Recorder) QueueDepth(delta int) {
	if r == nil {
		return
	}
	r.queueDepth.Add(float64(delta))
}

// ProcRestarted counts one CLI relaunch.
func (r *Recorder) ProcRestarted() {
	if r == nil {
		return
	}
	r.procRestarts.Inc()
}
