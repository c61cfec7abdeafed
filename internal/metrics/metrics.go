// Package metrics exposes Prometheus metrics for the consolidation control plane.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/limiquantix/consolidator/internal/domain"
)

// Metrics is a collection of the control plane's Prometheus metrics. All
// methods are safe to call on a nil receiver.
type Metrics struct {
	// Migration requests received, by reason.
	Requests *prometheus.CounterVec
	// Decision cycles of the global manager, by outcome.
	Plans *prometheus.CounterVec
	// Migration entries reaching a terminal state, by status.
	Migrations *prometheus.CounterVec
	// Alerts raised, by kind.
	Alerts *prometheus.CounterVec
	// Power transitions attempted, by target state and result.
	PowerTransitions *prometheus.CounterVec
	// Samples offered to the utilization store, by result.
	Samples *prometheus.CounterVec
	// How long a decision cycle takes.
	DecisionDuration prometheus.Histogram
	// How long a migration entry takes from submission to terminal state.
	MigrationDuration prometheus.Histogram
	// Hosts by power state.
	Hosts *prometheus.GaugeVec
	// Current cluster state generation.
	Generation prometheus.Gauge
}

// New creates the metrics and registers them with registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consolidator_migration_requests_total",
			Help: "Number of migration requests received from local managers",
		}, []string{"reason"}),
		Plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consolidator_plans_total",
			Help: "Number of decision cycles by outcome",
		}, []string{"outcome"}),
		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consolidator_migrations_total",
			Help: "Number of migration entries by terminal status",
		}, []string{"status"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consolidator_alerts_total",
			Help: "Number of alerts raised by kind",
		}, []string{"kind"}),
		PowerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consolidator_power_transitions_total",
			Help: "Number of host power transitions by target state and result",
		}, []string{"state", "result"}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consolidator_samples_total",
			Help: "Number of utilization samples offered to the store by result",
		}, []string{"result"}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "consolidator_decision_duration_seconds",
			Help:    "Duration of a global manager decision cycle",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		}),
		MigrationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "consolidator_migration_duration_seconds",
			Help:    "Duration of a migration entry from submission to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		Hosts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consolidator_hosts",
			Help: "Number of hosts by power state",
		}, []string{"power_state"}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consolidator_cluster_generation",
			Help: "Current cluster state generation",
		}),
	}
	registry.MustRegister(
		m.Requests,
		m.Plans,
		m.Migrations,
		m.Alerts,
		m.PowerTransitions,
		m.Samples,
		m.DecisionDuration,
		m.MigrationDuration,
		m.Hosts,
		m.Generation,
	)
	return m
}

// ObserveRequest counts a migration request.
func (m *Metrics) ObserveRequest(reason domain.RequestReason) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(string(reason)).Inc()
}

// ObservePlan counts a decision cycle and records its duration.
func (m *Metrics) ObservePlan(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Plans.WithLabelValues(outcome).Inc()
	m.DecisionDuration.Observe(took.Seconds())
}

// ObserveMigration counts a terminal migration entry.
func (m *Metrics) ObserveMigration(status domain.EntryStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.Migrations.WithLabelValues(string(status)).Inc()
	m.MigrationDuration.Observe(took.Seconds())
}

// ObserveAlert counts an alert.
func (m *Metrics) ObserveAlert(kind domain.AlertKind) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(string(kind)).Inc()
}

// ObservePower counts a power transition.
func (m *Metrics) ObservePower(state domain.PowerState, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PowerTransitions.WithLabelValues(string(state), result).Inc()
}

// ObserveSample counts an ingested or dropped sample.
func (m *Metrics) ObserveSample(err error) {
	if m == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = "dropped"
	}
	m.Samples.WithLabelValues(result).Inc()
}

// ObserveState updates the host and generation gauges from a snapshot.
func (m *Metrics) ObserveState(state *domain.ClusterState) {
	if m == nil || state == nil {
		return
	}
	counts := map[domain.PowerState]int{
		domain.PowerStateActive:     0,
		domain.PowerStateSleeping:   0,
		domain.PowerStateWaking:     0,
		domain.PowerStateSuspending: 0,
	}
	for _, h := range state.Hosts {
		counts[h.PowerState]++
	}
	for ps, n := range counts {
		m.Hosts.WithLabelValues(string(ps)).Set(float64(n))
	}
	m.Generation.Set(float64(state.Generation))
}
