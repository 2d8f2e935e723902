package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/models"
)

var (
	full   = GraphFor(models.SourceExternal)
	direct = GraphFor(models.SourceDirect)
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name     string
		state    models.WorkflowState
		graph    Graph
		trigger  Trigger
		to       models.WorkflowState
		next     models.AgentType
		followUp Kind
		effects  []Effect
	}{
		{"start", models.StateTriggered, full, Trigger{Kind: TriggerStart}, models.StateAnalyzing, models.AgentAnalysis, "", nil},
		{"analysis with questions", models.StateAnalyzing, full, Trigger{Kind: TriggerAnalysisComplete, HasQuestions: true}, models.StateAwaitingAnswers, models.AgentHumanInput, "", []Effect{EffectNotifyQuestions}},
		{"analysis without questions", models.StateAnalyzing, full, Trigger{Kind: TriggerAnalysisComplete}, models.StatePlanning, models.AgentPlanning, "", nil},
		{"answers", models.StateAwaitingAnswers, full, Trigger{Kind: TriggerAnswersSubmitted}, models.StatePlanning, models.AgentPlanning, "", nil},
		{"plan generated", models.StatePlanning, full, Trigger{Kind: TriggerPlanGenerated}, models.StatePlanUnderReview, models.AgentPlanReview, "", []Effect{EffectAssignReviewers, EffectResetReviews}},
		{"approve with quorum", models.StatePlanUnderReview, full, Trigger{Kind: TriggerReviewDecision, Verdict: VerdictApprove, QuorumMet: true}, models.StatePlanApproved, "", TriggerBeginImplementation, nil},
		{"approve without quorum", models.StatePlanUnderReview, full, Trigger{Kind: TriggerReviewDecision, Verdict: VerdictApprove}, models.StatePlanUnderReview, "", "", nil},
		{"reject refine", models.StatePlanUnderReview, full, Trigger{Kind: TriggerReviewDecision, Verdict: VerdictRefine}, models.StatePlanRejected, "", TriggerReplan, nil},
		{"reject regenerate", models.StatePlanUnderReview, full, Trigger{Kind: TriggerReviewDecision, Verdict: VerdictRegenerate}, models.StatePlanRejected, "", TriggerReplan, []Effect{EffectInvalidateOtherReviews, EffectDiscardPlan}},
		{"begin implementation", models.StatePlanApproved, full, Trigger{Kind: TriggerBeginImplementation}, models.StateImplementing, models.AgentImplementation, "", nil},
		{"replan", models.StatePlanRejected, full, Trigger{Kind: TriggerReplan}, models.StatePlanning, models.AgentPlanning, "", nil},
		{"code generated full", models.StateImplementing, full, Trigger{Kind: TriggerCodeGenerated}, models.StateImplementing, models.AgentTicketUpdate, "", nil},
		{"code generated direct", models.StateImplementing, direct, Trigger{Kind: TriggerCodeGenerated}, models.StateImplementing, models.AgentPullRequest, "", nil},
		{"ticket update generated", models.StateImplementing, full, Trigger{Kind: TriggerTicketUpdateGenerated}, models.StateTicketUpdateUnderReview, models.AgentTicketUpdateReview, "", nil},
		{"ticket update approved", models.StateTicketUpdateUnderReview, full, Trigger{Kind: TriggerTicketUpdateApproved}, models.StateTicketUpdateApproved, models.AgentTicketSync, "", nil},
		{"ticket update regenerate", models.StateTicketUpdateUnderReview, full, Trigger{Kind: TriggerTicketUpdateRejected, Regenerate: true}, models.StateImplementing, models.AgentTicketUpdate, "", nil},
		{"ticket update rejected", models.StateTicketUpdateUnderReview, full, Trigger{Kind: TriggerTicketUpdateRejected}, models.StateTicketUpdateRejected, models.AgentHumanInput, "", nil},
		{"proceed without update", models.StateTicketUpdateRejected, full, Trigger{Kind: TriggerProceedWithoutUpdate}, models.StateTicketUpdateRejected, models.AgentPullRequest, "", nil},
		{"ticket synced", models.StateTicketUpdateApproved, full, Trigger{Kind: TriggerTicketSynced}, models.StateTicketUpdateApproved, models.AgentPullRequest, "", nil},
		{"pr from sync", models.StateTicketUpdateApproved, full, Trigger{Kind: TriggerImplementationComplete}, models.StatePRCreated, models.AgentExternalReview, "", []Effect{EffectRecordPullRequest, EffectSyncExternalStatus}},
		{"pr direct", models.StateImplementing, direct, Trigger{Kind: TriggerImplementationComplete}, models.StatePRCreated, models.AgentExternalReview, "", []Effect{EffectRecordPullRequest}},
		{"review started", models.StatePRCreated, full, Trigger{Kind: TriggerReviewStarted}, models.StateInReview, "", "", nil},
		{"review completed", models.StateInReview, full, Trigger{Kind: TriggerReviewCompleted}, models.StateCompleted, "", "", nil},
		{"review completed early", models.StatePRCreated, full, Trigger{Kind: TriggerReviewCompleted}, models.StateCompleted, "", "", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Transition(tc.state, tc.graph, tc.trigger)
			require.NoError(t, err)
			assert.Equal(t, tc.state, out.From)
			assert.Equal(t, tc.to, out.To)
			if tc.next == "" {
				assert.Nil(t, out.Suspend)
			} else {
				require.NotNil(t, out.Suspend)
				assert.Equal(t, tc.next, out.Suspend.NextAgentType)
			}
			if tc.followUp == "" {
				assert.Nil(t, out.FollowUp)
			} else {
				require.NotNil(t, out.FollowUp)
				assert.Equal(t, tc.followUp, out.FollowUp.Kind)
			}
			for _, e := range tc.effects {
				assert.True(t, out.Has(e), "missing effect %s", e)
			}
		})
	}
}

func TestApproveWithoutQuorumLeavesCheckpointAlone(t *testing.T) {
	out, err := Transition(models.StatePlanUnderReview, full, Trigger{Kind: TriggerReviewDecision, Verdict: VerdictApprove})
	require.NoError(t, err)
	assert.False(t, out.Changed())
	assert.False(t, out.CloseActive)
	assert.Nil(t, out.Suspend)
}

func TestMandatoryQuestionsGuard(t *testing.T) {
	_, err := Transition(models.StateAwaitingAnswers, full, Trigger{Kind: TriggerAnswersSubmitted, UnansweredMandatory: 2})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestInvalidTriggers(t *testing.T) {
	cases := []struct {
		state   models.WorkflowState
		graph   Graph
		trigger Trigger
	}{
		{models.StateTriggered, full, Trigger{Kind: TriggerReviewDecision, Verdict: VerdictApprove}},
		{models.StatePlanApproved, full, Trigger{Kind: TriggerReviewDecision, Verdict: VerdictApprove, QuorumMet: true}},
		{models.StatePlanUnderReview, full, Trigger{Kind: TriggerReviewDecision, Verdict: "maybe"}},
		{models.StateImplementing, direct, Trigger{Kind: TriggerTicketUpdateGenerated}},
		{models.StateAnalyzing, full, Trigger{Kind: TriggerStart}},
		{models.StateInReview, full, Trigger{Kind: TriggerReviewStarted}},
	}
	for _, tc := range cases {
		_, err := Transition(tc.state, tc.graph, tc.trigger)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "%s + %s", tc.state, tc.trigger.Kind)
	}
}

func TestErrorAndCancelFromAnyActiveState(t *testing.T) {
	active := []models.WorkflowState{
		models.StateTriggered, models.StateAnalyzing, models.StateAwaitingAnswers, models.StatePlanning,
		models.StatePlanUnderReview, models.StatePlanApproved, models.StatePlanRejected, models.StateImplementing,
		models.StateTicketUpdateUnderReview, models.StateTicketUpdateApproved, models.StateTicketUpdateRejected,
		models.StatePRCreated, models.StateInReview,
	}
	for _, s := range active {
		out, err := Transition(s, full, Trigger{Kind: TriggerError, Reason: "boom"})
		require.NoError(t, err)
		assert.Equal(t, models.StateFailed, out.To)
		assert.True(t, out.InvalidateCheckpoints)
		assert.True(t, out.Has(EffectLogError))

		out, err = Transition(s, full, Trigger{Kind: TriggerCancel})
		require.NoError(t, err)
		assert.Equal(t, models.StateCancelled, out.To)
		assert.True(t, out.InvalidateCheckpoints)
		assert.Nil(t, out.Suspend)
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, s := range []models.WorkflowState{models.StateCompleted, models.StateFailed, models.StateCancelled} {
		for _, k := range []Kind{TriggerStart, TriggerCancel, TriggerError, TriggerReviewCompleted} {
			_, err := Transition(s, full, Trigger{Kind: k})
			assert.True(t, apperr.Is(err, apperr.KindValidation), "%s + %s", s, k)
		}
		assert.Empty(t, AllowedTriggers(s, full))
	}
}

func TestAllowedTriggers(t *testing.T) {
	assert.Equal(t, []Kind{TriggerCancel, TriggerError, TriggerStart}, AllowedTriggers(models.StateTriggered, full))
	assert.Equal(t,
		[]Kind{TriggerCancel, TriggerCodeGenerated, TriggerError, TriggerImplementationComplete},
		AllowedTriggers(models.StateImplementing, direct))
	assert.Contains(t, AllowedTriggers(models.StateImplementing, full), TriggerTicketUpdateGenerated)
}

func TestGraphs(t *testing.T) {
	g, ok := LookupGraph(GraphFull)
	require.True(t, ok)
	assert.True(t, g.TicketUpdates)
	assert.Equal(t, GraphDirect, GraphFor(models.SourceDirect).ID)
	_, ok = LookupGraph("nope")
	assert.False(t, ok)
}
