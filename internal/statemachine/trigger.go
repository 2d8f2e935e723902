package statemachine

// Kind names a trigger.
type Kind string

const (
	TriggerStart                  Kind = "start"
	TriggerAnalysisComplete       Kind = "analysis_complete"
	TriggerAnswersSubmitted       Kind = "answers_submitted"
	TriggerPlanGenerated          Kind = "plan_generated"
	TriggerReviewDecision         Kind = "review_decision"
	TriggerBeginImplementation    Kind = "begin_implementation"
	TriggerReplan                 Kind = "replan"
	TriggerCodeGenerated          Kind = "code_generated"
	TriggerTicketUpdateGenerated  Kind = "ticket_update_generated"
	TriggerTicketUpdateApproved   Kind = "ticket_update_approved"
	TriggerTicketUpdateRejected   Kind = "ticket_update_rejected"
	TriggerProceedWithoutUpdate   Kind = "proceed_without_update"
	TriggerTicketSynced           Kind = "ticket_synced"
	TriggerImplementationComplete Kind = "implementation_complete"
	TriggerReviewStarted          Kind = "review_started"
	TriggerReviewCompleted        Kind = "review_completed"
	TriggerError                  Kind = "error"
	TriggerCancel                 Kind = "cancel"
)

// Verdict is a plan reviewer's decision.
type Verdict string

const (
	VerdictApprove    Verdict = "approve"
	VerdictRefine     Verdict = "reject_refine"
	VerdictRegenerate Verdict = "reject_regenerate"
)

// Trigger is an event fed into the state machine together with the guard inputs it needs.
type Trigger struct {
	Kind Kind `json:"kind"`

	// review_decision
	Verdict   Verdict `json:"verdict,omitempty"`
	QuorumMet bool    `json:"quorumMet,omitempty"`

	// analysis_complete
	HasQuestions bool `json:"hasQuestions,omitempty"`

	// answers_submitted
	UnansweredMandatory int `json:"unansweredMandatory,omitempty"`

	// ticket_update_rejected
	Regenerate bool `json:"regenerate,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// IsHuman reports whether the trigger originates from a person rather than the pipeline.
func (k Kind) IsHuman() bool {
	switch k {
	case TriggerStart, TriggerAnswersSubmitted, TriggerReviewDecision, TriggerTicketUpdateApproved,
		TriggerTicketUpdateRejected, TriggerProceedWithoutUpdate, TriggerCancel:
		return true
	}
	return false
}
