package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/checkpoint"
	"github.com/example/ticketpilot/backend/internal/errorledger"
	"github.com/example/ticketpilot/backend/internal/metrics"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/notify"
	"github.com/example/ticketpilot/backend/internal/pipeline"
	"github.com/example/ticketpilot/backend/internal/statemachine"
)

const actorSystem = "system"

// maxChain bounds how many follow-up triggers one trigger may cascade into.
const maxChain = 4

// TriggerInput is one trigger delivered to a ticket.
type TriggerInput struct {
	TenantID string
	TicketID uuid.UUID
	Trigger  statemachine.Trigger
	Actor    string
	// DedupeKey makes redelivery of the same trigger a no-op.
	DedupeKey string
	// CheckpointID, when set, must be the ticket's active checkpoint.
	CheckpointID uuid.UUID
	// Snapshot replaces the state carried into the next checkpoint.
	Snapshot    *models.Snapshot
	PullRequest *pipeline.PullRequest
	Persist     func(ctx context.Context, w pipeline.Writer) error
	// Err is the failure behind an error trigger.
	Err      error
	Message  string
	Metadata map[string]any

	source  string
	prepare func(ctx context.Context, sc *scope, t *models.Ticket, trig *statemachine.Trigger) (noop bool, err error)
}

// TransitionResult reports what a trigger did.
type TransitionResult struct {
	Ticket *models.Ticket       `json:"ticket"`
	From   models.WorkflowState `json:"from"`
	To     models.WorkflowState `json:"to"`
	// Changed is false when the trigger was accepted without moving the ticket.
	Changed bool `json:"changed"`
	// Duplicate is set when the dedupe key was already processed.
	Duplicate bool `json:"duplicate"`
	// NoOp is set when the trigger had already taken effect.
	NoOp bool `json:"noop"`
	// Checkpoint is the checkpoint the ticket is now suspended at, if any.
	Checkpoint *models.Checkpoint `json:"checkpoint,omitempty"`
}

// applied is one transition written inside a trigger's transaction.
type applied struct {
	outcome   statemachine.Outcome
	suspended *models.Checkpoint
	carry     models.Snapshot
}

// HandleTrigger applies a trigger to a ticket. Triggers for one ticket are serialized;
// the transition, its checkpoint changes and its events commit atomically.
func (s *WorkflowService) HandleTrigger(ctx context.Context, in TriggerInput) (*TransitionResult, error) {
	var res *TransitionResult
	err := s.withTicketLock(ctx, in.TenantID, in.TicketID, func() error {
		var err error
		res, err = s.handleLocked(ctx, in)
		return err
	})
	return res, err
}

func (s *WorkflowService) handleLocked(ctx context.Context, in TriggerInput) (*TransitionResult, error) {
	if in.Actor == "" {
		in.Actor = actorSystem
	}
	res := &TransitionResult{}
	var sc *scope
	var chain []applied

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sc = s.newScope(tx)
		if in.DedupeKey != "" {
			fresh, err := sc.receipts.Record(ctx, &models.TriggerReceipt{
				DedupeKey: in.DedupeKey,
				TenantID:  in.TenantID,
				TicketID:  in.TicketID,
				Trigger:   string(in.Trigger.Kind),
			})
			if err != nil {
				return err
			}
			if !fresh {
				metrics.DuplicateTriggersTotal.WithLabelValues(string(in.Trigger.Kind)).Inc()
				res.Duplicate = true
				return nil
			}
		}

		ticket, err := sc.tickets.FindByID(ctx, in.TenantID, in.TicketID)
		if err != nil {
			return err
		}
		res.Ticket = ticket
		res.From = ticket.CurrentState

		trig := in.Trigger
		if in.prepare != nil {
			noop, err := in.prepare(ctx, sc, ticket, &trig)
			if err != nil {
				s.rejected(trig.Kind, err)
				return err
			}
			if noop {
				res.NoOp = true
				return nil
			}
		}

		graph := s.graphOf(ticket)
		cur := in
		for i := 0; ; i++ {
			if i == maxChain {
				return apperr.Fatal(nil, "trigger %s cascaded more than %d times", in.Trigger.Kind, maxChain)
			}
			a, err := s.apply(ctx, sc, ticket, graph, cur, trig)
			if err != nil {
				if i == 0 {
					s.rejected(trig.Kind, err)
				}
				return err
			}
			chain = append(chain, a)
			if a.outcome.FollowUp == nil {
				break
			}
			trig = *a.outcome.FollowUp
			carry := a.carry
			cur = TriggerInput{
				TenantID: in.TenantID,
				TicketID: in.TicketID,
				Actor:    actorSystem,
				Snapshot: &carry,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		s.log.Info("duplicate trigger ignored",
			zap.String("ticket_id", in.TicketID.String()),
			zap.String("trigger", string(in.Trigger.Kind)),
			zap.String("dedupe_key", in.DedupeKey))
		return res, nil
	}

	res.To = res.Ticket.CurrentState
	res.Changed = res.From != res.To
	if n := len(chain); n > 0 {
		res.Checkpoint = chain[n-1].suspended
	}
	s.afterCommit(ctx, res.Ticket, sc, chain)
	return res, nil
}

func (s *WorkflowService) rejected(kind statemachine.Kind, err error) {
	metrics.TriggersRejectedTotal.WithLabelValues(string(kind), string(apperr.KindOf(err))).Inc()
}

func (s *WorkflowService) graphOf(t *models.Ticket) statemachine.Graph {
	if g, ok := statemachine.LookupGraph(t.GraphID); ok {
		return g
	}
	return statemachine.GraphFor(t.Source)
}

// apply evaluates one trigger and writes its consequences through sc.
func (s *WorkflowService) apply(ctx context.Context, sc *scope, ticket *models.Ticket, graph statemachine.Graph, in TriggerInput, trig statemachine.Trigger) (applied, error) {
	out, err := statemachine.Transition(ticket.CurrentState, graph, trig)
	if err != nil {
		return applied{}, err
	}
	a := applied{outcome: out}

	active, err := sc.checkpoints.Active(ctx, ticket.TenantID, ticket.ID, graph.ID)
	if err != nil {
		return applied{}, err
	}
	if in.CheckpointID != uuid.Nil && (active == nil || active.ID != in.CheckpointID) {
		return applied{}, apperr.Conflict("checkpoint %s is no longer active for ticket %s", in.CheckpointID, ticket.ID)
	}
	switch {
	case in.Snapshot != nil:
		a.carry = *in.Snapshot
	case active != nil:
		a.carry = active.Snapshot()
	}

	switch {
	case out.InvalidateCheckpoints:
		if _, err := sc.checkpoints.Invalidate(ctx, ticket.TenantID, ticket.ID, fmt.Sprintf("ticket %s by %s", strings.ToLower(string(out.To)), trig.Kind)); err != nil {
			return applied{}, err
		}
	case out.CloseActive && active != nil:
		if err := s.closeCheckpoint(ctx, sc, active); err != nil {
			return applied{}, err
		}
	}

	if in.Persist != nil {
		if err := in.Persist(ctx, sc); err != nil {
			return applied{}, err
		}
	}
	if err := s.applyEffects(ctx, sc, ticket, in, trig, out); err != nil {
		return applied{}, err
	}

	if out.Changed() || out.CloseActive || out.Suspend != nil {
		ticket.CurrentState = out.To
		if ticket.GraphID == "" {
			ticket.GraphID = graph.ID
		}
		if err := sc.tickets.UpdateState(ctx, ticket, ticket.StateVersion); err != nil {
			return applied{}, err
		}
	}

	if out.Suspend != nil {
		cp, err := sc.checkpoints.Suspend(ctx, checkpoint.SuspendRequest{
			TenantID:      ticket.TenantID,
			TicketID:      ticket.ID,
			GraphID:       graph.ID,
			AgentName:     out.Suspend.AgentName,
			NextAgentType: out.Suspend.NextAgentType,
			TicketState:   out.To,
			State:         a.carry,
		})
		if err != nil {
			return applied{}, err
		}
		a.suspended = cp
	}

	if err := sc.emit(ctx, transitionEvent(ticket, in, trig, out, a.suspended)); err != nil {
		return applied{}, err
	}
	if out.Changed() {
		metrics.TransitionsTotal.WithLabelValues(string(out.From), string(out.To), string(trig.Kind)).Inc()
	}
	return a, nil
}

// closeCheckpoint completes the active checkpoint, resuming it first when it is still pending.
func (s *WorkflowService) closeCheckpoint(ctx context.Context, sc *scope, cp *models.Checkpoint) error {
	if cp.Status == models.CheckpointPending {
		res, err := sc.checkpoints.Resume(ctx, cp.TenantID, cp.ID, nil)
		if err != nil {
			return err
		}
		if !res.Resumed {
			return apperr.Conflict("checkpoint %s was resumed concurrently", cp.ID)
		}
	}
	return sc.checkpoints.Complete(ctx, cp.TenantID, cp.ID)
}

func (s *WorkflowService) applyEffects(ctx context.Context, sc *scope, ticket *models.Ticket, in TriggerInput, trig statemachine.Trigger, out statemachine.Outcome) error {
	base := notify.Notification{TenantID: ticket.TenantID, TicketID: ticket.ID, Recipients: recipients(ticket.CreatedBy)}

	if out.Has(statemachine.EffectResetReviews) {
		if _, err := sc.gate.ResetReviewsForNewPlan(ctx, ticket.TenantID, ticket.ID); err != nil {
			return err
		}
	}
	if out.Has(statemachine.EffectAssignReviewers) {
		rows, err := s.assignDefaultReviewers(ctx, sc, ticket)
		if err != nil {
			return err
		}
		if out.Has(statemachine.EffectNotifyReviewers) {
			n := base
			n.Kind = notify.KindReviewerAssigned
			n.Recipients = reviewerIDs(rows)
			n.Message = fmt.Sprintf("plan for %q is ready for review", ticket.Title)
			sc.notify(n)
		}
	}
	if out.Has(statemachine.EffectInvalidateOtherReviews) {
		if _, err := sc.gate.InvalidateOtherReviews(ctx, ticket.TenantID, ticket.ID, in.Actor); err != nil {
			return err
		}
	}
	if out.Has(statemachine.EffectDiscardPlan) {
		if _, err := sc.plans.DiscardActive(ctx, ticket.TenantID, ticket.ID); err != nil {
			return err
		}
	}
	if out.Has(statemachine.EffectRecordPullRequest) {
		if in.PullRequest == nil || in.PullRequest.URL == "" {
			return apperr.Validation("%s requires the opened pull request", trig.Kind)
		}
		ticket.PullRequestURL = in.PullRequest.URL
		ticket.PullRequestNumber = in.PullRequest.Number
		err := sc.emit(ctx, &models.WorkflowEvent{
			TenantID: ticket.TenantID,
			TicketID: ticket.ID,
			Type:     models.EventPRCreated,
			Actor:    in.Actor,
			Message:  fmt.Sprintf("pull request #%d opened", in.PullRequest.Number),
			Metadata: datatypes.JSONMap{"url": in.PullRequest.URL, "number": in.PullRequest.Number},
		})
		if err != nil {
			return err
		}
		if out.Has(statemachine.EffectNotifyPullRequest) {
			n := base
			n.Kind = notify.KindPullRequestOpened
			n.Message = fmt.Sprintf("pull request opened: %s", in.PullRequest.URL)
			n.Metadata = map[string]string{"url": in.PullRequest.URL}
			sc.notify(n)
		}
	}
	if out.Has(statemachine.EffectLogError) {
		if err := s.logFailure(ctx, sc, ticket, in, trig); err != nil {
			return err
		}
	}
	if out.Has(statemachine.EffectNotifyQuestions) {
		if err := s.announceQuestions(ctx, sc, ticket, in.Actor); err != nil {
			return err
		}
		n := base
		n.Kind = notify.KindQuestionsAsked
		n.Message = fmt.Sprintf("clarifying questions are waiting on %q", ticket.Title)
		sc.notify(n)
	}
	if out.Has(statemachine.EffectNotifyPlanApproved) {
		n := base
		n.Kind = notify.KindPlanApproved
		n.Message = fmt.Sprintf("plan for %q approved", ticket.Title)
		sc.notify(n)
	}
	if out.Has(statemachine.EffectNotifyPlanRejected) {
		n := base
		n.Kind = notify.KindPlanRejected
		n.Message = fmt.Sprintf("plan for %q rejected by %s", ticket.Title, in.Actor)
		if trig.Reason != "" {
			n.Metadata = map[string]string{"reason": trig.Reason}
		}
		sc.notify(n)
	}
	if out.Has(statemachine.EffectNotifyTicketUpdateReady) {
		n := base
		n.Kind = notify.KindTicketUpdateReady
		n.Message = fmt.Sprintf("ticket update for %q is ready for review", ticket.Title)
		sc.notify(n)
	}
	if out.Has(statemachine.EffectNotifyFailed) {
		n := base
		n.Kind = notify.KindTicketFailed
		n.Message = fmt.Sprintf("pipeline for %q failed", ticket.Title)
		if in.Err != nil {
			n.Metadata = map[string]string{"error": in.Err.Error()}
		}
		sc.notify(n)
	}
	return nil
}

// assignDefaultReviewers assigns the directory's reviewers. When the directory marks nobody
// as required, the first RequiredApprovalCount reviewers become required.
func (s *WorkflowService) assignDefaultReviewers(ctx context.Context, sc *scope, ticket *models.Ticket) ([]models.PlanReview, error) {
	existing, err := sc.gate.ListReviews(ctx, ticket.TenantID, ticket.ID)
	if err != nil {
		return nil, err
	}
	var picked []approval.Reviewer
	if s.reviewers != nil {
		if picked, err = s.reviewers.SelectReviewers(ctx, ticket); err != nil {
			return nil, apperr.External(err, true, "select reviewers for ticket %s", ticket.ID)
		}
	}
	if len(picked) == 0 {
		if len(existing) == 0 {
			return nil, apperr.Validation("no reviewers available for ticket %s", ticket.ID)
		}
		return existing, nil
	}
	anyRequired := false
	for _, r := range picked {
		anyRequired = anyRequired || r.IsRequired
	}
	if !anyRequired {
		for i := range picked {
			picked[i].IsRequired = i < ticket.RequiredApprovalCount
		}
	}
	return sc.gate.AssignReviewers(ctx, ticket.TenantID, ticket.ID, actorSystem, picked)
}

func (s *WorkflowService) logFailure(ctx context.Context, sc *scope, ticket *models.Ticket, in TriggerInput, trig statemachine.Trigger) error {
	cause := in.Err
	if cause == nil {
		reason := trig.Reason
		if reason == "" {
			reason = "pipeline failed"
		}
		cause = errors.New(reason)
	}
	entry := errorledger.Entry{
		TenantID:   ticket.TenantID,
		Severity:   models.SeverityError,
		Source:     in.source,
		Err:        cause,
		EntityType: models.EntityTicket,
		EntityID:   ticket.ID.String(),
		TicketID:   ticket.ID,
		Context:    map[string]any{"state": string(ticket.CurrentState)},
	}
	if entry.Source == "" {
		entry.Source = "orchestrator"
	}
	if in.CheckpointID != uuid.Nil {
		entry.EntityType = models.EntityCheckpoint
		entry.EntityID = in.CheckpointID.String()
	}
	row, err := sc.ledger.LogError(ctx, entry)
	if err != nil {
		return err
	}
	return sc.emit(ctx, &models.WorkflowEvent{
		TenantID:  ticket.TenantID,
		TicketID:  ticket.ID,
		Type:      models.EventError,
		FromState: ticket.CurrentState,
		Actor:     in.Actor,
		Message:   cause.Error(),
		Metadata:  datatypes.JSONMap{"errorId": row.ID.String(), "source": entry.Source},
	})
}

func (s *WorkflowService) announceQuestions(ctx context.Context, sc *scope, ticket *models.Ticket, actor string) error {
	qs, err := sc.questions.ListByTicket(ctx, ticket.TenantID, ticket.ID)
	if err != nil {
		return err
	}
	for _, q := range qs {
		err := sc.emit(ctx, &models.WorkflowEvent{
			TenantID: ticket.TenantID,
			TicketID: ticket.ID,
			Type:     models.EventQuestionAsked,
			Actor:    actor,
			Message:  q.Text,
			Metadata: datatypes.JSONMap{"questionId": q.ID.String(), "mandatory": q.IsMandatory},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func transitionEvent(ticket *models.Ticket, in TriggerInput, trig statemachine.Trigger, out statemachine.Outcome, cp *models.Checkpoint) *models.WorkflowEvent {
	meta := datatypes.JSONMap{}
	for k, v := range in.Metadata {
		meta[k] = v
	}
	if cp != nil {
		meta["checkpointId"] = cp.ID.String()
		meta["nextAgent"] = string(cp.NextAgentType)
	}
	if in.DedupeKey != "" {
		meta["dedupeKey"] = in.DedupeKey
	}
	if trig.Reason != "" {
		meta["reason"] = trig.Reason
	}
	e := &models.WorkflowEvent{
		TenantID:  ticket.TenantID,
		TicketID:  ticket.ID,
		Type:      models.EventStateTransition,
		FromState: out.From,
		ToState:   out.To,
		Trigger:   string(trig.Kind),
		Actor:     in.Actor,
		Message:   in.Message,
		Metadata:  meta,
	}
	if !out.Changed() {
		e.Type = models.EventInfo
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("%s: %s -> %s", trig.Kind, out.From, out.To)
	}
	return e
}

// afterCommit publishes events, sends notifications, syncs the external ticket and hands
// automated checkpoints to the dispatcher. Failures here never roll back the transition.
func (s *WorkflowService) afterCommit(ctx context.Context, ticket *models.Ticket, sc *scope, chain []applied) {
	s.publishEvents(ctx, sc.emitted)
	for _, n := range sc.notes {
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.log.Warn("notification failed", zap.String("kind", string(n.Kind)), zap.Error(err))
		}
	}
	for _, a := range chain {
		if a.outcome.Has(statemachine.EffectSyncExternalStatus) {
			s.syncExternal(ctx, ticket, a.outcome.To)
		}
	}
	if n := len(chain); n > 0 {
		if cp := chain[n-1].suspended; cp != nil && cp.NextAgentType.IsAutomated() {
			s.dispatch(ctx, cp)
		}
	}
}

func (s *WorkflowService) syncExternal(ctx context.Context, ticket *models.Ticket, state models.WorkflowState) {
	if s.external == nil || ticket.Source != models.SourceExternal {
		return
	}
	var status pipeline.ExternalStatus
	switch state {
	case models.StatePRCreated:
		status = pipeline.ExternalInReview
	case models.StateCompleted:
		status = pipeline.ExternalDone
	case models.StateFailed:
		status = pipeline.ExternalFailed
	case models.StateCancelled:
		status = pipeline.ExternalCanceled
	default:
		return
	}
	if err := s.external.Transition(ctx, ticket, status); err != nil {
		_, lerr := s.ledger.LogError(ctx, errorledger.Entry{
			TenantID:   ticket.TenantID,
			Severity:   models.SeverityWarning,
			Source:     "ticket_sync",
			Err:        err,
			EntityType: models.EntityTicket,
			EntityID:   ticket.ID.String(),
			TicketID:   ticket.ID,
			Context:    map[string]any{"status": string(status)},
		})
		if lerr != nil {
			s.log.Error("record external sync failure", zap.Error(lerr))
		}
	}
}

func (s *WorkflowService) dispatch(ctx context.Context, cp *models.Checkpoint) {
	if s.dispatcher == nil {
		return
	}
	job := StepJob{TenantID: cp.TenantID, TicketID: cp.TicketID, CheckpointID: cp.ID, Agent: cp.NextAgentType}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		// the reaper re-dispatches pending checkpoints
		s.log.Warn("dispatch step failed",
			zap.String("checkpoint_id", cp.ID.String()),
			zap.String("agent", string(cp.NextAgentType)),
			zap.Error(err))
	}
}

func recipients(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func reviewerIDs(rows []models.PlanReview) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ReviewerID)
	}
	return out
}
