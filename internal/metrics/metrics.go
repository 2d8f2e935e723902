package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Workflow metrics
var (
	// TransitionsTotal counts applied state transitions.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpilot_transitions_total",
			Help: "Applied ticket state transitions",
		},
		[]string{"from", "to", "trigger"},
	)

	// TriggersRejectedTotal counts triggers refused by the state machine or a guard.
	TriggersRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpilot_triggers_rejected_total",
			Help: "Triggers rejected with a typed error",
		},
		[]string{"trigger", "kind"},
	)

	// DuplicateTriggersTotal counts redelivered triggers dropped by dedupe key.
	DuplicateTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpilot_duplicate_triggers_total",
			Help: "Triggers ignored because their dedupe key was already processed",
		},
		[]string{"trigger"},
	)
)

// Checkpoint metrics
var (
	// CheckpointOps counts suspend/resume/complete/fail/release calls by result.
	CheckpointOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpilot_checkpoint_operations_total",
			Help: "Checkpoint store operations",
		},
		[]string{"op", "result"},
	)

	// StepDuration observes collaborator step latency.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketpilot_step_duration_seconds",
			Help:    "Pipeline step execution time",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"agent", "result"},
	)
)

// Approval metrics
var (
	// ReviewDecisionsTotal counts plan review decisions.
	ReviewDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpilot_plan_review_decisions_total",
			Help: "Plan review decisions recorded",
		},
		[]string{"decision"},
	)

	// DraftDecisionsTotal counts ticket update draft decisions.
	DraftDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketpilot_ticket_update_decisions_total",
			Help: "Ticket update draft decisions recorded",
		},
		[]string{"decision"},
	)
)

// ErrorsLogged counts ledger entries by severity.
var ErrorsLogged = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ticketpilot_errors_logged_total",
		Help: "Error ledger entries",
	},
	[]string{"severity", "source"},
)

// Result turns an error into a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
