// Package metrics exposes the control plane's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the governance gateway.
type Metrics struct {
	// Policy metrics
	ProposalsTotal *prometheus.CounterVec
	RiskScore      *prometheus.HistogramVec

	// Ledger metrics
	LedgerAppends   *prometheus.CounterVec
	LedgerConflicts prometheus.Counter
	ChainVerifies   *prometheus.CounterVec

	// Sandbox metrics
	SandboxRuns     *prometheus.CounterVec
	SandboxDuration prometheus.Histogram

	// Approval metrics
	Approvals   *prometheus.CounterVec
	Escalations prometheus.Gauge
}

// New creates and registers all metrics against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProposalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_proposals_total",
				Help: "Total proposals evaluated, by policy decision",
			},
			[]string{"decision"}, // APPROVED, DENIED, ESCALATED
		),

		RiskScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gavel_risk_score",
				Help:    "Risk score distribution of evaluated proposals",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"decision"},
		),

		LedgerAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_ledger_appends_total",
				Help: "Total events appended to the audit ledger, by action type",
			},
			[]string{"action_type"},
		),

		LedgerConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gavel_ledger_conflicts_total",
				Help: "Serialization conflicts hit while appending to the ledger",
			},
		),

		ChainVerifies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_chain_verifies_total",
				Help: "Hash chain verification runs, by outcome",
			},
			[]string{"outcome"}, // valid, broken, error
		),

		SandboxRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_sandbox_runs_total",
				Help: "Sandbox executions, by outcome",
			},
			[]string{"outcome"}, // ok, nonzero, timeout, oom, unavailable
		),

		SandboxDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gavel_sandbox_duration_seconds",
				Help:    "Wall-clock duration of sandbox executions",
				Buckets: prometheus.DefBuckets,
			},
		),

		Approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_approvals_total",
				Help: "Approval lifecycle transitions",
			},
			[]string{"event"}, // granted, denied, consumed, auto_denied
		),

		Escalations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gavel_escalations_pending",
				Help: "Escalations currently awaiting human review",
			},
		),
	}
}
