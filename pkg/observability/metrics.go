package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics emitted by the engine
type Metrics struct {
	// Reconciliation metrics
	ReconciliationRunsTotal *prometheus.CounterVec
	ReconciliationDuration  prometheus.Histogram
	OrphanedUsersDetected   prometheus.Counter
	MissingUsersCreated     prometheus.Counter
	RoleMismatchesFixed     prometheus.Counter
	ReconciliationRowErrors prometheus.Counter

	// Compensation metrics
	CompensationsCreated   *prometheus.CounterVec
	CompensationsRetried   prometheus.Counter
	CompensationsResolved  prometheus.Counter
	CompensationsAbandoned prometheus.Counter
	CompensationsPending   prometheus.Gauge

	// Saga and handler metrics
	SagaRunsTotal      *prometheus.CounterVec
	RegistrationsTotal *prometheus.CounterVec
	ClaimLookupsTotal  *prometheus.CounterVec

	// Provider gateway metrics
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ReconciliationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_runs_total",
				Help: "Total number of reconciliation runs by outcome",
			},
			[]string{"status"},
		),
		ReconciliationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconciler_run_duration_seconds",
				Help:    "Reconciliation run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		OrphanedUsersDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_orphaned_users_detected_total",
				Help: "Local users deactivated because their provider identity was gone",
			},
		),
		MissingUsersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_missing_users_created_total",
				Help: "Local users created for provider-only identities",
			},
		),
		RoleMismatchesFixed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_role_mismatches_fixed_total",
				Help: "Role mismatches corrected by pushing local roles to the provider",
			},
		),
		ReconciliationRowErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_row_errors_total",
				Help: "Row-level errors isolated during reconciliation runs",
			},
		),

		CompensationsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_compensations_created_total",
				Help: "Compensation log entries created by operation",
			},
			[]string{"operation"},
		),
		CompensationsRetried: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_compensations_retried_total",
				Help: "Compensation retry attempts made by reconciliation runs",
			},
		),
		CompensationsResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_compensations_resolved_total",
				Help: "Compensation log entries resolved",
			},
		),
		CompensationsAbandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_compensations_abandoned_total",
				Help: "Compensation log entries abandoned after the retry cap",
			},
		),
		CompensationsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reconciler_compensations_pending",
				Help: "Compensation log entries currently pending or retrying",
			},
		),

		SagaRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_saga_runs_total",
				Help: "Role sync saga executions by push outcome",
			},
			[]string{"outcome"},
		),
		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_registrations_total",
				Help: "Identity-confirmed events handled by outcome",
			},
			[]string{"outcome"},
		),
		ClaimLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_claim_lookups_total",
				Help: "Token claim enrichments by source (live, cached, error)",
			},
			[]string{"source"},
		),

		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_provider_calls_total",
				Help: "Identity provider calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciler_provider_call_duration_seconds",
				Help:    "Identity provider call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.ReconciliationRunsTotal,
		m.ReconciliationDuration,
		m.OrphanedUsersDetected,
		m.MissingUsersCreated,
		m.RoleMismatchesFixed,
		m.ReconciliationRowErrors,
		m.CompensationsCreated,
		m.CompensationsRetried,
		m.CompensationsResolved,
		m.CompensationsAbandoned,
		m.CompensationsPending,
		m.SagaRunsTotal,
		m.RegistrationsTotal,
		m.ClaimLookupsTotal,
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
	)

	return m
}

// Handler returns the HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
