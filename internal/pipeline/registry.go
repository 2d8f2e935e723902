package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/metrics"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/statemachine"
)

// Reader gives steps read access to artifacts of earlier phases.
type Reader interface {
	Questions(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.ClarifyingQuestion, error)
	ActivePlan(ctx context.Context, tenantID string, ticketID uuid.UUID) (*models.ImplementationPlan, error)
	ReviewFeedback(ctx context.Context, tenantID string, ticketID uuid.UUID) (string, error)
	LatestTicketUpdate(ctx context.Context, tenantID string, ticketID uuid.UUID) (*models.TicketUpdate, error)
}

// Writer persists step artifacts. It is called inside the transaction that applies the step's completion trigger.
type Writer interface {
	ReplaceQuestions(ctx context.Context, tenantID string, ticketID uuid.UUID, questions []models.ClarifyingQuestion) error
	SavePlan(ctx context.Context, plan *models.ImplementationPlan) error
	SaveTicketUpdate(ctx context.Context, tenantID string, ticketID uuid.UUID, content approval.DraftContent) (*models.TicketUpdate, error)
}

// Input is what a step runs on.
type Input struct {
	Ticket     *models.Ticket
	Checkpoint *models.Checkpoint
	State      RunState
	Reader     Reader
}

// Result is a finished step.
type Result struct {
	Trigger     statemachine.Trigger
	State       RunState
	PullRequest *PullRequest
	// Persist, when set, stores the step's artifacts atomically with the transition.
	Persist func(ctx context.Context, w Writer) error
}

// Step is one automated pipeline step.
type Step interface {
	Agent() models.AgentType
	Run(ctx context.Context, in Input) (Result, error)
}

// Completion is a step result with its state re-encoded for the next checkpoint.
type Completion struct {
	Trigger     statemachine.Trigger
	Snapshot    models.Snapshot
	PullRequest *PullRequest
	Persist     func(ctx context.Context, w Writer) error
}

// Registry maps agent types to steps.
type Registry struct {
	steps map[models.AgentType]Step
}

func NewRegistry(steps ...Step) *Registry {
	r := &Registry{steps: make(map[models.AgentType]Step, len(steps))}
	for _, s := range steps {
		r.steps[s.Agent()] = s
	}
	return r
}

// DefaultRegistry wires the standard steps to c.
func DefaultRegistry(c Collaborators) *Registry {
	return NewRegistry(
		&AnalysisStep{Engine: c.Analysis, Questions: c.Questions},
		&PlanningStep{Engine: c.Plans},
		&ImplementationStep{Engine: c.Implementation},
		&TicketUpdateStep{Engine: c.TicketUpdates},
		&TicketSyncStep{Tickets: c.Tickets},
		&PullRequestStep{SourceControl: c.SourceControl},
	)
}

// Lookup returns the step for agent.
func (r *Registry) Lookup(agent models.AgentType) (Step, bool) {
	s, ok := r.steps[agent]
	return s, ok
}

// Run executes the step the checkpoint resumes into.
// Untyped failures are treated as retryable collaborator errors.
func (r *Registry) Run(ctx context.Context, ticket *models.Ticket, cp *models.Checkpoint, reader Reader) (*Completion, error) {
	step, ok := r.Lookup(cp.NextAgentType)
	if !ok {
		return nil, apperr.Fatal(nil, "no step registered for %s", cp.NextAgentType)
	}
	state, err := DecodeState(cp.Snapshot())
	if err != nil {
		return nil, apperr.Fatal(err, "checkpoint %s has an unreadable state", cp.ID)
	}

	start := time.Now()
	res, err := step.Run(ctx, Input{Ticket: ticket, Checkpoint: cp, State: state, Reader: reader})
	metrics.StepDuration.WithLabelValues(string(cp.NextAgentType), metrics.Result(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return nil, apperr.External(err, true, "%s failed", cp.NextAgentType)
		}
		return nil, err
	}

	snap, err := EncodeState(res.State)
	if err != nil {
		return nil, err
	}
	return &Completion{Trigger: res.Trigger, Snapshot: snap, PullRequest: res.PullRequest, Persist: res.Persist}, nil
}
