package pipeline

import (
	"context"
	"strings"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/statemachine"
)

// AnalysisStep analyzes the codebase and asks clarifying questions.
type AnalysisStep struct {
	Engine    AnalysisEngine
	Questions QuestionEngine
}

func (s *AnalysisStep) Agent() models.AgentType { return models.AgentAnalysis }

func (s *AnalysisStep) Run(ctx context.Context, in Input) (Result, error) {
	analysis, err := s.Engine.Analyze(ctx, in.Ticket)
	if err != nil {
		return Result{}, err
	}
	questions, err := s.Questions.GenerateQuestions(ctx, in.Ticket, analysis)
	if err != nil {
		return Result{}, err
	}

	rows := make([]models.ClarifyingQuestion, 0, len(questions))
	for _, q := range questions {
		if strings.TrimSpace(q.Text) == "" {
			continue
		}
		rows = append(rows, models.ClarifyingQuestion{Text: q.Text, IsMandatory: q.IsMandatory})
	}

	state := in.State
	state.Analysis = &analysis
	ticket := in.Ticket
	return Result{
		Trigger: statemachine.Trigger{Kind: statemachine.TriggerAnalysisComplete, HasQuestions: len(rows) > 0},
		State:   state,
		Persist: func(ctx context.Context, w Writer) error {
			return w.ReplaceQuestions(ctx, ticket.TenantID, ticket.ID, rows)
		},
	}, nil
}

// PlanningStep produces a plan. With an active plan it refines it using reviewer feedback,
// otherwise it plans from scratch.
type PlanningStep struct {
	Engine PlanEngine
}

func (s *PlanningStep) Agent() models.AgentType { return models.AgentPlanning }

func (s *PlanningStep) Run(ctx context.Context, in Input) (Result, error) {
	t := in.Ticket
	current, err := in.Reader.ActivePlan(ctx, t.TenantID, t.ID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return Result{}, err
	}

	var artifact PlanArtifact
	var feedback string
	if current != nil {
		if feedback, err = in.Reader.ReviewFeedback(ctx, t.TenantID, t.ID); err != nil {
			return Result{}, err
		}
		artifact, err = s.Engine.RegeneratePlan(ctx, t, PlanArtifact{Content: current.Content}, feedback)
	} else {
		var brief Brief
		if brief, err = s.brief(ctx, in); err != nil {
			return Result{}, err
		}
		artifact, err = s.Engine.GeneratePlan(ctx, t, brief)
	}
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(artifact.Content) == "" {
		return Result{}, apperr.Fatal(nil, "plan engine returned an empty plan")
	}

	plan := &models.ImplementationPlan{TenantID: t.TenantID, TicketID: t.ID, Content: artifact.Content, Feedback: feedback}
	return Result{
		Trigger: statemachine.Trigger{Kind: statemachine.TriggerPlanGenerated},
		State:   in.State,
		Persist: func(ctx context.Context, w Writer) error { return w.SavePlan(ctx, plan) },
	}, nil
}

func (s *PlanningStep) brief(ctx context.Context, in Input) (Brief, error) {
	questions, err := in.Reader.Questions(ctx, in.Ticket.TenantID, in.Ticket.ID)
	if err != nil {
		return Brief{}, err
	}
	b := Brief{Analysis: in.State.Analysis}
	for _, q := range questions {
		if q.IsAnswered() {
			b.Answers = append(b.Answers, AnsweredQuestion{Question: q.Text, Answer: q.Answer})
		}
	}
	return b, nil
}

// ImplementationStep generates the code change for the active plan.
type ImplementationStep struct {
	Engine ImplementationEngine
}

func (s *ImplementationStep) Agent() models.AgentType { return models.AgentImplementation }

func (s *ImplementationStep) Run(ctx context.Context, in Input) (Result, error) {
	plan, err := in.Reader.ActivePlan(ctx, in.Ticket.TenantID, in.Ticket.ID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return Result{}, apperr.Fatal(err, "ticket %s has no approved plan to implement", in.Ticket.ID)
		}
		return Result{}, err
	}
	impl, err := s.Engine.Implement(ctx, in.Ticket, PlanArtifact{Content: plan.Content})
	if err != nil {
		return Result{}, err
	}
	state := in.State
	state.Implementation = &impl
	state.PullRequest = nil
	return Result{Trigger: statemachine.Trigger{Kind: statemachine.TriggerCodeGenerated}, State: state}, nil
}

// TicketUpdateStep drafts refined ticket text for human review.
type TicketUpdateStep struct {
	Engine TicketUpdateEngine
}

func (s *TicketUpdateStep) Agent() models.AgentType { return models.AgentTicketUpdate }

func (s *TicketUpdateStep) Run(ctx context.Context, in Input) (Result, error) {
	t := in.Ticket
	req := TicketUpdateRequest{Implementation: in.State.Implementation}
	if plan, err := in.Reader.ActivePlan(ctx, t.TenantID, t.ID); err == nil {
		req.Plan = plan.Content
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return Result{}, err
	}
	latest, err := in.Reader.LatestTicketUpdate(ctx, t.TenantID, t.ID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return Result{}, err
	}
	if latest != nil {
		req.Previous = &approval.DraftContent{
			Title:              latest.Title,
			Description:        latest.Description,
			SuccessCriteria:    latest.SuccessCriteria,
			AcceptanceCriteria: latest.AcceptanceCriteria,
		}
		req.Feedback = latest.RegenerationFeedback
	}

	content, err := s.Engine.DraftUpdate(ctx, t, req)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Trigger: statemachine.Trigger{Kind: statemachine.TriggerTicketUpdateGenerated},
		State:   in.State,
		Persist: func(ctx context.Context, w Writer) error {
			_, err := w.SaveTicketUpdate(ctx, t.TenantID, t.ID, content)
			return err
		},
	}, nil
}

// TicketSyncStep posts the approved ticket update to the external ticket system.
type TicketSyncStep struct {
	Tickets ExternalTicketClient
}

func (s *TicketSyncStep) Agent() models.AgentType { return models.AgentTicketSync }

func (s *TicketSyncStep) Run(ctx context.Context, in Input) (Result, error) {
	latest, err := in.Reader.LatestTicketUpdate(ctx, in.Ticket.TenantID, in.Ticket.ID)
	if err != nil {
		return Result{}, err
	}
	if !latest.IsApproved {
		return Result{}, apperr.Fatal(nil, "ticket update v%d is not approved", latest.Version)
	}
	if err := s.Tickets.PostUpdate(ctx, in.Ticket, latest); err != nil {
		return Result{}, err
	}
	return Result{Trigger: statemachine.Trigger{Kind: statemachine.TriggerTicketSynced}, State: in.State}, nil
}

// PullRequestStep opens the pull request for the generated change.
type PullRequestStep struct {
	SourceControl SourceControlClient
}

func (s *PullRequestStep) Agent() models.AgentType { return models.AgentPullRequest }

func (s *PullRequestStep) Run(ctx context.Context, in Input) (Result, error) {
	if in.State.Implementation == nil {
		return Result{}, apperr.Fatal(nil, "no implementation to open a pull request for")
	}
	pr, err := s.SourceControl.CreatePullRequest(ctx, in.Ticket, *in.State.Implementation)
	if err != nil {
		return Result{}, err
	}
	state := in.State
	state.PullRequest = &pr
	return Result{
		Trigger:     statemachine.Trigger{Kind: statemachine.TriggerImplementationComplete},
		State:       state,
		PullRequest: &pr,
	}, nil
}
