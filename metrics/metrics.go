// Package metrics holds the Prometheus collectors exported by the language server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "pyls"

// Outcome labels for request metrics.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
	OutcomeNotFound  = "not_found"
)

// Metrics owns a private registry so several servers can coexist in one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	bytes           *prometheus.CounterVec
	frames          *prometheus.CounterVec
	sessionState    prometheus.Gauge
	settingsUpdates *prometheus.CounterVec
	commands        *prometheus.CounterVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Inbound JSON-RPC messages by method, kind and outcome",
		}, []string{"method", "kind", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Handler duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"method"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "in_flight",
			Help:      "Handlers currently running",
		}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Framed bytes by direction",
		}, []string{"direction"}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames by direction and result",
		}, []string{"direction", "result"}),
		sessionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current lifecycle state (0=uninitialized .. 4=exited)",
		}),
		settingsUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "settings",
			Name:      "updates_total",
			Help:      "Settings updates by result",
		}, []string{"result"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "workspace/executeCommand executions by command and result",
		}, []string{"command", "result"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a finished inbound message.
func (m *Metrics) ObserveRequest(method, kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(method, kind, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// CountRequest records a message that never reached a handler.
func (m *Metrics) CountRequest(method, kind, outcome string) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(method, kind, outcome).Inc()
}

// HandlerStarted increments the in-flight gauge.
func (m *Metrics) HandlerStarted() {
	if m == nil {
		return
	}

	m.inFlight.Inc()
}

// HandlerDone decrements the in-flight gauge.
func (m *Metrics) HandlerDone() {
	if m == nil {
		return
	}

	m.inFlight.Dec()
}

// Frame records a transport frame.
func (m *Metrics) Frame(direction, result string, size int64) {
	if m == nil {
		return
	}

	m.frames.WithLabelValues(direction, result).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(size))
}

// SetSessionState records the numeric lifecycle state.
func (m *Metrics) SetSessionState(state int) {
	if m == nil {
		return
	}

	m.sessionState.Set(float64(state))
}

// SettingsUpdate records a settings update attempt.
func (m *Metrics) SettingsUpdate(result string) {
	if m == nil {
		return
	}

	m.settingsUpdates.WithLabelValues(result).Inc()
}

// CommandExecuted records a workspace/executeCommand outcome.
func (m *Metrics) CommandExecuted(command, result string) {
	if m == nil {
		return
	}

	m.commands.WithLabelValues(command, result).Inc()
}
