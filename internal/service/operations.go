package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/notify"
	"github.com/example/ticketpilot/backend/internal/statemachine"
)

// TriggerWorkflow starts the pipeline of a Triggered ticket.
func (s *WorkflowService) TriggerWorkflow(ctx context.Context, tenantID string, ticketID uuid.UUID, actor string) (*TransitionResult, error) {
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: ticketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerStart},
		Actor:    actor,
	})
}

// SubmitAnswers records answers to clarifying questions. Planning starts once every mandatory
// question has an answer; until then the submission is refused and nothing is stored.
func (s *WorkflowService) SubmitAnswers(ctx context.Context, tenantID string, ticketID uuid.UUID, answeredBy string, answers map[uuid.UUID]string) (*TransitionResult, error) {
	if len(answers) == 0 {
		return nil, apperr.Validation("no answers submitted")
	}
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: ticketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerAnswersSubmitted},
		Actor:    answeredBy,
		prepare: func(ctx context.Context, sc *scope, t *models.Ticket, trig *statemachine.Trigger) (bool, error) {
			if t.CurrentState != models.StateAwaitingAnswers {
				return false, apperr.Validation("ticket is %s, not awaiting answers", t.CurrentState)
			}
			qs, err := sc.questions.ListByTicket(ctx, tenantID, ticketID)
			if err != nil {
				return false, err
			}
			known := make(map[uuid.UUID]bool, len(qs))
			for _, q := range qs {
				known[q.ID] = true
			}
			for id := range answers {
				if !known[id] {
					return false, apperr.NotFound("question %s not found on ticket %s", id, ticketID)
				}
			}

			now := time.Now().UTC()
			for i := range qs {
				q := &qs[i]
				answer, ok := answers[q.ID]
				if !ok {
					continue
				}
				answer = strings.TrimSpace(answer)
				if answer == "" {
					return false, apperr.Validation("answer to question %d is blank", q.Position)
				}
				q.Answer, q.AnsweredBy, q.AnsweredAt = answer, answeredBy, &now
				if err := sc.questions.SaveAnswer(ctx, q); err != nil {
					return false, err
				}
				err := sc.emit(ctx, &models.WorkflowEvent{
					TenantID: tenantID,
					TicketID: ticketID,
					Type:     models.EventAnswerGiven,
					Actor:    answeredBy,
					Message:  q.Text,
					Metadata: datatypes.JSONMap{"questionId": q.ID.String(), "answer": answer},
				})
				if err != nil {
					return false, err
				}
			}
			for _, q := range qs {
				if q.IsMandatory && !q.IsAnswered() {
					trig.UnansweredMandatory++
				}
			}
			return false, nil
		},
	})
}

// ApprovePlan records a reviewer's approval and advances the ticket once the approval quorum holds.
// Approving twice is a no-op.
func (s *WorkflowService) ApprovePlan(ctx context.Context, tenantID string, ticketID uuid.UUID, reviewerID, note string) (*TransitionResult, error) {
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: ticketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerReviewDecision, Verdict: statemachine.VerdictApprove},
		Actor:    reviewerID,
		Message:  note,
		prepare: func(ctx context.Context, sc *scope, t *models.Ticket, trig *statemachine.Trigger) (bool, error) {
			row, err := sc.gate.Review(ctx, tenantID, ticketID, reviewerID)
			if err != nil {
				return false, err
			}
			if row.Status == models.ReviewApproved {
				return true, nil
			}
			if t.CurrentState != models.StatePlanUnderReview {
				return false, apperr.Validation("ticket is %s; plans can only be approved under review", t.CurrentState)
			}
			if _, err := sc.gate.RecordApproval(ctx, tenantID, ticketID, reviewerID, note); err != nil {
				return false, err
			}
			trig.QuorumMet, err = sc.gate.HasSufficientApprovals(ctx, tenantID, ticketID)
			return false, err
		},
	})
}

// RejectPlan records a rejection. A refine rejection revises the current plan with the feedback;
// regenerate discards it and resets the other reviewers' decisions.
func (s *WorkflowService) RejectPlan(ctx context.Context, tenantID string, ticketID uuid.UUID, reviewerID, reason string, regenerate bool) (*TransitionResult, error) {
	verdict := statemachine.VerdictRefine
	if regenerate {
		verdict = statemachine.VerdictRegenerate
	}
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: ticketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerReviewDecision, Verdict: verdict, Reason: reason},
		Actor:    reviewerID,
		prepare: func(ctx context.Context, sc *scope, t *models.Ticket, _ *statemachine.Trigger) (bool, error) {
			if _, err := sc.gate.Review(ctx, tenantID, ticketID, reviewerID); err != nil {
				return false, err
			}
			if t.CurrentState != models.StatePlanUnderReview {
				return false, apperr.Validation("ticket is %s; plans can only be rejected under review", t.CurrentState)
			}
			_, err := sc.gate.RecordRejection(ctx, tenantID, ticketID, reviewerID, reason, regenerate)
			return false, err
		},
	})
}

// ApproveTicketUpdate approves a ticket update draft, which starts the sync to the ticket system.
func (s *WorkflowService) ApproveTicketUpdate(ctx context.Context, tenantID string, updateID uuid.UUID, approvedBy string) (*TransitionResult, error) {
	u, err := s.gate.GetUpdate(ctx, tenantID, updateID)
	if err != nil {
		return nil, err
	}
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: u.TicketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerTicketUpdateApproved},
		Actor:    approvedBy,
		Metadata: map[string]any{"ticketUpdateId": updateID.String()},
		prepare: func(ctx context.Context, sc *scope, t *models.Ticket, _ *statemachine.Trigger) (bool, error) {
			current, err := sc.gate.GetUpdate(ctx, tenantID, updateID)
			if err != nil {
				return false, err
			}
			if current.IsApproved {
				return true, nil
			}
			if t.CurrentState != models.StateTicketUpdateUnderReview {
				return false, apperr.Validation("ticket is %s; no ticket update is under review", t.CurrentState)
			}
			_, err = sc.gate.ApproveDraft(ctx, tenantID, updateID, approvedBy)
			return false, err
		},
	})
}

// RejectTicketUpdate rejects a draft. With regenerate a new version is drafted from the feedback;
// without it the ticket waits for ProceedWithoutTicketUpdate.
func (s *WorkflowService) RejectTicketUpdate(ctx context.Context, tenantID string, updateID uuid.UUID, rejectedBy, reason string, regenerate bool) (*TransitionResult, error) {
	u, err := s.gate.GetUpdate(ctx, tenantID, updateID)
	if err != nil {
		return nil, err
	}
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: u.TicketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerTicketUpdateRejected, Regenerate: regenerate, Reason: reason},
		Actor:    rejectedBy,
		Metadata: map[string]any{"ticketUpdateId": updateID.String()},
		prepare: func(ctx context.Context, sc *scope, t *models.Ticket, _ *statemachine.Trigger) (bool, error) {
			if t.CurrentState != models.StateTicketUpdateUnderReview {
				return false, apperr.Validation("ticket is %s; no ticket update is under review", t.CurrentState)
			}
			_, _, err := sc.gate.RejectDraft(ctx, tenantID, updateID, reason, regenerate)
			return false, err
		},
	})
}

// ProceedWithoutTicketUpdate opens the pull request without syncing a rejected ticket update.
func (s *WorkflowService) ProceedWithoutTicketUpdate(ctx context.Context, tenantID string, ticketID uuid.UUID, actor string) (*TransitionResult, error) {
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: ticketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerProceedWithoutUpdate},
		Actor:    actor,
	})
}

// Cancel stops a ticket from any non-terminal state and invalidates its open checkpoints.
func (s *WorkflowService) Cancel(ctx context.Context, tenantID string, ticketID uuid.UUID, actor, reason string) (*TransitionResult, error) {
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: ticketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerCancel, Reason: reason},
		Actor:    actor,
	})
}

// ExternalTrigger is a trigger delivered by a webhook or the message broker.
type ExternalTrigger struct {
	TenantID  string            `json:"tenantId"`
	TicketID  uuid.UUID         `json:"ticketId"`
	Kind      statemachine.Kind `json:"kind"`
	DedupeKey string            `json:"dedupeKey"`
	Actor     string            `json:"actor"`
	Reason    string            `json:"reason,omitempty"`
}

// HandleExternalTrigger applies a pull request or ticket system event. Redelivered events
// with a known dedupe key are ignored.
func (s *WorkflowService) HandleExternalTrigger(ctx context.Context, et ExternalTrigger) (*TransitionResult, error) {
	switch et.Kind {
	case statemachine.TriggerReviewStarted, statemachine.TriggerReviewCompleted, statemachine.TriggerCancel:
	default:
		return nil, apperr.Validation("trigger %q cannot be delivered externally", et.Kind)
	}
	if et.DedupeKey == "" {
		return nil, apperr.Validation("external triggers require a dedupe key")
	}
	if et.Actor == "" {
		et.Actor = "webhook"
	}
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID:  et.TenantID,
		TicketID:  et.TicketID,
		Trigger:   statemachine.Trigger{Kind: et.Kind, Reason: et.Reason},
		Actor:     et.Actor,
		DedupeKey: et.DedupeKey,
	})
}

// AssignReviewers adds plan reviewers by hand, or changes whether an assigned reviewer is
// required, and notifies them. Assignments only change while the plan is under review; quorum
// is re-evaluated afterwards so an assignment that satisfies it approves the plan.
func (s *WorkflowService) AssignReviewers(ctx context.Context, tenantID string, ticketID uuid.UUID, assignedBy string, reviewers []approval.Reviewer) ([]models.PlanReview, error) {
	if len(reviewers) == 0 {
		return nil, apperr.Validation("no reviewers given")
	}
	var rows []models.PlanReview
	_, err := s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: ticketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerReviewDecision, Verdict: statemachine.VerdictApprove},
		Actor:    assignedBy,
		Message:  "quorum reached after reviewer assignment",
		prepare: func(ctx context.Context, sc *scope, t *models.Ticket, trig *statemachine.Trigger) (bool, error) {
			if t.CurrentState != models.StatePlanUnderReview {
				return false, apperr.Validation("reviewers can only change while the plan is under review, ticket is %s", t.CurrentState)
			}
			var err error
			if rows, err = sc.gate.AssignReviewers(ctx, tenantID, ticketID, assignedBy, reviewers); err != nil {
				return false, err
			}
			ids := make([]string, 0, len(reviewers))
			for _, r := range reviewers {
				ids = append(ids, r.ID)
			}
			sc.notify(notify.Notification{
				TenantID:   tenantID,
				TicketID:   ticketID,
				Kind:       notify.KindReviewerAssigned,
				Recipients: ids,
				Message:    fmt.Sprintf("%s asked you to review the plan for %q", assignedBy, t.Title),
			})
			err = sc.emit(ctx, &models.WorkflowEvent{
				TenantID:  tenantID,
				TicketID:  ticketID,
				Type:      models.EventInfo,
				FromState: t.CurrentState,
				ToState:   t.CurrentState,
				Actor:     assignedBy,
				Message:   "reviewers assigned: " + strings.Join(ids, ", "),
			})
			if err != nil {
				return false, err
			}
			return s.quorumPending(ctx, sc, tenantID, ticketID, trig)
		},
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// RemoveReviewer drops a reviewer assignment while the plan is under review. Quorum is
// re-evaluated, so removing the last pending required reviewer can approve the plan.
func (s *WorkflowService) RemoveReviewer(ctx context.Context, tenantID string, ticketID uuid.UUID, reviewerID, actor string) (*TransitionResult, error) {
	return s.HandleTrigger(ctx, TriggerInput{
		TenantID: tenantID,
		TicketID: ticketID,
		Trigger:  statemachine.Trigger{Kind: statemachine.TriggerReviewDecision, Verdict: statemachine.VerdictApprove},
		Actor:    actor,
		Message:  fmt.Sprintf("quorum reached after removing reviewer %s", reviewerID),
		prepare: func(ctx context.Context, sc *scope, t *models.Ticket, trig *statemachine.Trigger) (bool, error) {
			if t.CurrentState != models.StatePlanUnderReview {
				return false, apperr.Validation("reviewers can only change while the plan is under review, ticket is %s", t.CurrentState)
			}
			if err := sc.gate.RemoveReviewer(ctx, tenantID, ticketID, reviewerID); err != nil {
				return false, err
			}
			err := sc.emit(ctx, &models.WorkflowEvent{
				TenantID:  tenantID,
				TicketID:  ticketID,
				Type:      models.EventInfo,
				FromState: t.CurrentState,
				ToState:   t.CurrentState,
				Actor:     actor,
				Message:   "reviewer removed: " + reviewerID,
			})
			if err != nil {
				return false, err
			}
			return s.quorumPending(ctx, sc, tenantID, ticketID, trig)
		},
	})
}

// quorumPending reports whether the plan still lacks approvals. Once quorum holds it marks
// trig so the review decision approves the plan.
func (s *WorkflowService) quorumPending(ctx context.Context, sc *scope, tenantID string, ticketID uuid.UUID, trig *statemachine.Trigger) (bool, error) {
	met, err := sc.gate.HasSufficientApprovals(ctx, tenantID, ticketID)
	if err != nil || !met {
		return true, err
	}
	trig.QuorumMet = true
	return false, nil
}

// ListReviews returns the plan review assignments of a ticket.
func (s *WorkflowService) ListReviews(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.PlanReview, error) {
	if _, err := s.tickets.FindByID(ctx, tenantID, ticketID); err != nil {
		return nil, err
	}
	return s.gate.ListReviews(ctx, tenantID, ticketID)
}

// ListTicketUpdates returns every ticket update version.
func (s *WorkflowService) ListTicketUpdates(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.TicketUpdate, error) {
	if _, err := s.tickets.FindByID(ctx, tenantID, ticketID); err != nil {
		return nil, err
	}
	return s.gate.ListUpdates(ctx, tenantID, ticketID)
}

// AddComment posts a review comment; mentioned users are notified.
func (s *WorkflowService) AddComment(ctx context.Context, c *models.ReviewComment) error {
	if _, err := s.tickets.FindByID(ctx, c.TenantID, c.TicketID); err != nil {
		return err
	}
	return s.gate.AddComment(ctx, c)
}

// ListComments returns a ticket's review discussion.
func (s *WorkflowService) ListComments(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.ReviewComment, error) {
	if _, err := s.tickets.FindByID(ctx, tenantID, ticketID); err != nil {
		return nil, err
	}
	return s.gate.ListComments(ctx, tenantID, ticketID)
}

// AllowedTriggers lists what the ticket accepts in its current state.
func (s *WorkflowService) AllowedTriggers(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]statemachine.Kind, error) {
	t, err := s.tickets.FindByID(ctx, tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	return statemachine.AllowedTriggers(t.CurrentState, s.graphOf(t)), nil
}
