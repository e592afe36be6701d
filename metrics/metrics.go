// Package metrics holds the Prometheus metrics of a repair node. Every node
// owns its registry so several nodes can share a process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomePanic    = "panic"
	OutcomeRejected = "rejected"
)

// Metrics holds all Prometheus metrics for the repair layer.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal      *prometheus.CounterVec   // antientropy_repair_messages_total{type,outcome}
	HandleDuration     *prometheus.HistogramVec // antientropy_repair_handle_duration_seconds{type}
	ProtocolMismatches prometheus.Counter       // antientropy_repair_protocol_mismatches_total

	ParentSessions prometheus.Gauge     // antientropy_repair_parent_sessions
	StageQueued    *prometheus.GaugeVec // antientropy_repair_stage_queued{stage}

	ValidationsSubmitted prometheus.Counter     // antientropy_repair_validations_submitted_total
	ValidationsCompleted *prometheus.CounterVec // antientropy_repair_validations_completed_total{outcome}

	StreamedRows    *prometheus.CounterVec // antientropy_stream_rows_total{direction}
	AntiCompactions *prometheus.CounterVec // antientropy_anticompactions_total{outcome}

	RepairsTotal *prometheus.CounterVec // antientropy_repairs_total{outcome}
}

// New creates the metrics on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "antientropy_repair_messages_total",
			Help: "Repair messages handled by type and outcome",
		}, []string{"type", "outcome"}),

		HandleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "antientropy_repair_handle_duration_seconds",
			Help:    "Time spent handling a repair message",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),

		ProtocolMismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "antientropy_repair_protocol_mismatches_total",
			Help: "Inbound messages whose payload did not match their declared type",
		}),

		ParentSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "antientropy_repair_parent_sessions",
			Help: "Parent repair sessions currently registered",
		}),

		StageQueued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "antientropy_repair_stage_queued",
			Help: "Messages waiting in a stage queue",
		}, []string{"stage"}),

		ValidationsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "antientropy_repair_validations_submitted_total",
			Help: "Validation scans submitted to the storage engine",
		}),

		ValidationsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "antientropy_repair_validations_completed_total",
			Help: "Validation scans finished by outcome",
		}, []string{"outcome"}),

		StreamedRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "antientropy_stream_rows_total",
			Help: "Rows transferred by repair streaming",
		}, []string{"direction"}),

		AntiCompactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "antientropy_anticompactions_total",
			Help: "Anti-compaction requests by outcome",
		}, []string{"outcome"}),

		RepairsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "antientropy_repairs_total",
			Help: "Coordinated repairs by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMessage(msgType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType, outcome).Inc()
	m.HandleDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

func (m *Metrics) ProtocolMismatch() {
	if m == nil {
		return
	}
	m.ProtocolMismatches.Inc()
}

func (m *Metrics) SetParentSessions(n int) {
	if m == nil {
		return
	}
	m.ParentSessions.Set(float64(n))
}

func (m *Metrics) StageQueueChanged(stage string, delta float64) {
	if m == nil {
		return
	}
	m.StageQueued.WithLabelValues(stage).Add(delta)
}

func (m *Metrics) ValidationSubmitted() {
	if m == nil {
		return
	}
	m.ValidationsSubmitted.Inc()
}

func (m *Metrics) ValidationCompleted(outcome string) {
	if m == nil {
		return
	}
	m.ValidationsCompleted.WithLabelValues(outcome).Inc()
}

// RowsStreamed counts rows sent ("out") or received ("in").
func (m *Metrics) RowsStreamed(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.StreamedRows.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) AntiCompaction(outcome string) {
	if m == nil {
		return
	}
	m.AntiCompactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RepairFinished(outcome string) {
	if m == nil {
		return
	}
	m.RepairsTotal.WithLabelValues(outcome).Inc()
}
