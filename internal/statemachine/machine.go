// Package statemachine is the authoritative ticket life-cycle: states, triggers and legal
// transitions. It is pure; applying an Outcome is the orchestrator's job.
package statemachine

import (
	"sort"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/models"
)

// Effect is a side effect the orchestrator must apply together with a transition.
type Effect string

const (
	EffectAssignReviewers        Effect = "assign_reviewers"
	EffectResetReviews           Effect = "reset_reviews"
	EffectInvalidateOtherReviews Effect = "invalidate_other_reviews"
	EffectDiscardPlan            Effect = "discard_plan"
	EffectRecordPullRequest      Effect = "record_pull_request"
	EffectSyncExternalStatus     Effect = "sync_external_status"
	EffectLogError               Effect = "log_error"

	EffectNotifyQuestions         Effect = "notify_questions"
	EffectNotifyReviewers         Effect = "notify_reviewers"
	EffectNotifyPlanApproved      Effect = "notify_plan_approved"
	EffectNotifyPlanRejected      Effect = "notify_plan_rejected"
	EffectNotifyTicketUpdateReady Effect = "notify_ticket_update_ready"
	EffectNotifyPullRequest       Effect = "notify_pull_request"
	EffectNotifyFailed            Effect = "notify_failed"
)

// Suspension is the checkpoint to write after a transition.
type Suspension struct {
	AgentName     models.AgentType
	NextAgentType models.AgentType
}

// Outcome describes an accepted trigger.
type Outcome struct {
	From    models.WorkflowState
	To      models.WorkflowState
	Trigger Kind

	// CloseActive completes the ticket's active checkpoint.
	CloseActive bool
	// InvalidateCheckpoints fails every open checkpoint of the ticket.
	InvalidateCheckpoints bool
	// Suspend is the next checkpoint, if the pipeline pauses again.
	Suspend *Suspension

	Effects  []Effect
	FollowUp *Trigger
}

// Changed reports whether the ticket state moves.
func (o Outcome) Changed() bool { return o.From != o.To }

// Has reports whether the outcome carries effect e.
func (o Outcome) Has(e Effect) bool {
	for _, x := range o.Effects {
		if x == e {
			return true
		}
	}
	return false
}

type rule func(g Graph, t Trigger) (Outcome, error)

type key struct {
	state models.WorkflowState
	kind  Kind
}

func suspend(from, next models.AgentType) *Suspension {
	return &Suspension{AgentName: from, NextAgentType: next}
}

func step(to models.WorkflowState, s *Suspension, effects ...Effect) rule {
	return func(Graph, Trigger) (Outcome, error) {
		return Outcome{To: to, CloseActive: true, Suspend: s, Effects: effects}, nil
	}
}

// ticketUpdates wraps rules that only exist in graphs with a ticket update phase.
func ticketUpdates(r rule) rule {
	return func(g Graph, t Trigger) (Outcome, error) {
		if !g.TicketUpdates {
			return Outcome{}, apperr.Validation("graph %s has no ticket update phase", g.ID)
		}
		return r(g, t)
	}
}

var table = map[key]rule{
	{models.StateTriggered, TriggerStart}: step(models.StateAnalyzing,
		suspend(models.AgentOrchestrator, models.AgentAnalysis)),

	{models.StateAnalyzing, TriggerAnalysisComplete}: func(_ Graph, t Trigger) (Outcome, error) {
		if t.HasQuestions {
			return Outcome{
				To:          models.StateAwaitingAnswers,
				CloseActive: true,
				Suspend:     suspend(models.AgentAnalysis, models.AgentHumanInput),
				Effects:     []Effect{EffectNotifyQuestions},
			}, nil
		}
		return Outcome{
			To:          models.StatePlanning,
			CloseActive: true,
			Suspend:     suspend(models.AgentAnalysis, models.AgentPlanning),
		}, nil
	},

	{models.StateAwaitingAnswers, TriggerAnswersSubmitted}: func(_ Graph, t Trigger) (Outcome, error) {
		if t.UnansweredMandatory > 0 {
			return Outcome{}, apperr.Validation("%d mandatory question(s) still unanswered", t.UnansweredMandatory)
		}
		return Outcome{
			To:          models.StatePlanning,
			CloseActive: true,
			Suspend:     suspend(models.AgentHumanInput, models.AgentPlanning),
		}, nil
	},

	{models.StatePlanning, TriggerPlanGenerated}: step(models.StatePlanUnderReview,
		suspend(models.AgentPlanning, models.AgentPlanReview),
		EffectAssignReviewers, EffectResetReviews, EffectNotifyReviewers),

	{models.StatePlanUnderReview, TriggerReviewDecision}: func(_ Graph, t Trigger) (Outcome, error) {
		switch t.Verdict {
		case VerdictApprove:
			if !t.QuorumMet {
				return Outcome{To: models.StatePlanUnderReview}, nil
			}
			return Outcome{
				To:          models.StatePlanApproved,
				CloseActive: true,
				Effects:     []Effect{EffectNotifyPlanApproved},
				FollowUp:    &Trigger{Kind: TriggerBeginImplementation},
			}, nil
		case VerdictRefine:
			return Outcome{
				To:          models.StatePlanRejected,
				CloseActive: true,
				Effects:     []Effect{EffectNotifyPlanRejected},
				FollowUp:    &Trigger{Kind: TriggerReplan, Reason: t.Reason},
			}, nil
		case VerdictRegenerate:
			return Outcome{
				To:          models.StatePlanRejected,
				CloseActive: true,
				Effects:     []Effect{EffectInvalidateOtherReviews, EffectDiscardPlan, EffectNotifyPlanRejected},
				FollowUp:    &Trigger{Kind: TriggerReplan, Reason: t.Reason},
			}, nil
		}
		return Outcome{}, apperr.Validation("unknown review verdict %q", t.Verdict)
	},

	{models.StatePlanApproved, TriggerBeginImplementation}: step(models.StateImplementing,
		suspend(models.AgentPlanReview, models.AgentImplementation)),

	{models.StatePlanRejected, TriggerReplan}: step(models.StatePlanning,
		suspend(models.AgentPlanReview, models.AgentPlanning)),

	{models.StateImplementing, TriggerCodeGenerated}: func(g Graph, _ Trigger) (Outcome, error) {
		return Outcome{
			To:          models.StateImplementing,
			CloseActive: true,
			Suspend:     suspend(models.AgentImplementation, g.afterCodeGenerated()),
		}, nil
	},

	{models.StateImplementing, TriggerTicketUpdateGenerated}: ticketUpdates(step(models.StateTicketUpdateUnderReview,
		suspend(models.AgentTicketUpdate, models.AgentTicketUpdateReview),
		EffectNotifyTicketUpdateReady)),

	{models.StateTicketUpdateUnderReview, TriggerTicketUpdateApproved}: ticketUpdates(step(models.StateTicketUpdateApproved,
		suspend(models.AgentTicketUpdateReview, models.AgentTicketSync))),

	{models.StateTicketUpdateUnderReview, TriggerTicketUpdateRejected}: ticketUpdates(func(_ Graph, t Trigger) (Outcome, error) {
		if t.Regenerate {
			return Outcome{
				To:          models.StateImplementing,
				CloseActive: true,
				Suspend:     suspend(models.AgentTicketUpdateReview, models.AgentTicketUpdate),
			}, nil
		}
		return Outcome{
			To:          models.StateTicketUpdateRejected,
			CloseActive: true,
			Suspend:     suspend(models.AgentTicketUpdateReview, models.AgentHumanInput),
		}, nil
	}),

	{models.StateTicketUpdateRejected, TriggerProceedWithoutUpdate}: ticketUpdates(step(models.StateTicketUpdateRejected,
		suspend(models.AgentHumanInput, models.AgentPullRequest))),

	{models.StateTicketUpdateApproved, TriggerTicketSynced}: ticketUpdates(step(models.StateTicketUpdateApproved,
		suspend(models.AgentTicketSync, models.AgentPullRequest))),

	{models.StateImplementing, TriggerImplementationComplete}:         prCreated,
	{models.StateTicketUpdateApproved, TriggerImplementationComplete}: prCreated,
	{models.StateTicketUpdateRejected, TriggerImplementationComplete}: prCreated,

	{models.StatePRCreated, TriggerReviewStarted}: func(Graph, Trigger) (Outcome, error) {
		return Outcome{To: models.StateInReview}, nil
	},
	{models.StatePRCreated, TriggerReviewCompleted}: completed,
	{models.StateInReview, TriggerReviewCompleted}:  completed,
}

func completed(g Graph, _ Trigger) (Outcome, error) {
	out := Outcome{To: models.StateCompleted, CloseActive: true}
	if g.TicketUpdates {
		out.Effects = []Effect{EffectSyncExternalStatus}
	}
	return out, nil
}

func prCreated(g Graph, _ Trigger) (Outcome, error) {
	effects := []Effect{EffectRecordPullRequest, EffectNotifyPullRequest}
	if g.TicketUpdates {
		effects = append(effects, EffectSyncExternalStatus)
	}
	return Outcome{
		To:          models.StatePRCreated,
		CloseActive: true,
		Suspend:     suspend(models.AgentPullRequest, models.AgentExternalReview),
		Effects:     effects,
	}, nil
}

// Transition evaluates trigger t against a ticket in state running graph g.
// Triggers on terminal tickets and triggers the current state does not accept are validation errors.
func Transition(state models.WorkflowState, g Graph, t Trigger) (Outcome, error) {
	if state.IsTerminal() {
		return Outcome{}, apperr.Validation("ticket is %s; no further triggers are accepted", state)
	}

	var out Outcome
	switch t.Kind {
	case TriggerError:
		out = Outcome{
			To:                    models.StateFailed,
			InvalidateCheckpoints: true,
			Effects:               []Effect{EffectLogError, EffectNotifyFailed},
		}
		if g.TicketUpdates {
			out.Effects = append(out.Effects, EffectSyncExternalStatus)
		}
	case TriggerCancel:
		out = Outcome{To: models.StateCancelled, InvalidateCheckpoints: true}
		if g.TicketUpdates {
			out.Effects = []Effect{EffectSyncExternalStatus}
		}
	default:
		r, ok := table[key{state, t.Kind}]
		if !ok {
			return Outcome{}, apperr.Validation("trigger %s is not valid in state %s", t.Kind, state)
		}
		var err error
		if out, err = r(g, t); err != nil {
			return Outcome{}, err
		}
	}
	out.From = state
	out.Trigger = t.Kind
	return out, nil
}

// AllowedTriggers lists the trigger kinds state accepts, sorted.
func AllowedTriggers(state models.WorkflowState, g Graph) []Kind {
	if state.IsTerminal() {
		return nil
	}
	out := []Kind{TriggerError, TriggerCancel}
	for k, r := range table {
		if k.state != state {
			continue
		}
		// evaluate with permissive guard inputs; only graph-level rejections matter here
		if _, err := r(g, Trigger{Kind: k.kind, Verdict: VerdictApprove}); err != nil {
			continue
		}
		out = append(out, k.kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
