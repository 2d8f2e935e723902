package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/errorledger"
	"github.com/example/ticketpilot/backend/internal/lock"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/notify"
	"github.com/example/ticketpilot/backend/internal/pipeline"
	"github.com/example/ticketpilot/backend/internal/statemachine"
	"github.com/example/ticketpilot/backend/internal/testutil"
)

const tenant = "acme"

type engines struct {
	mu         sync.Mutex
	questions  []pipeline.Question
	analyzeErr error
	feedback   string
	reviewers  []approval.Reviewer
	posted     []*models.TicketUpdate
	statuses   []pipeline.ExternalStatus
}

func (e *engines) Analyze(context.Context, *models.Ticket) (pipeline.Analysis, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return pipeline.Analysis{RelevantFiles: []string{"billing/invoice.go"}}, e.analyzeErr
}

func (e *engines) GenerateQuestions(context.Context, *models.Ticket, pipeline.Analysis) ([]pipeline.Question, error) {
	return e.questions, nil
}

func (e *engines) GeneratePlan(context.Context, *models.Ticket, pipeline.Brief) (pipeline.PlanArtifact, error) {
	return pipeline.PlanArtifact{Content: "plan"}, nil
}

func (e *engines) RegeneratePlan(_ context.Context, _ *models.Ticket, current pipeline.PlanArtifact, feedback string) (pipeline.PlanArtifact, error) {
	e.feedback = feedback
	return pipeline.PlanArtifact{Content: current.Content + " (refined)"}, nil
}

func (e *engines) Implement(context.Context, *models.Ticket, pipeline.PlanArtifact) (pipeline.Implementation, error) {
	return pipeline.Implementation{ModifiedFiles: []string{"billing/invoice.go"}, Diff: "+round half up"}, nil
}

func (e *engines) DraftUpdate(_ context.Context, _ *models.Ticket, req pipeline.TicketUpdateRequest) (approval.DraftContent, error) {
	return approval.DraftContent{Title: "Refined: " + req.Feedback, Description: req.Plan}, nil
}

func (e *engines) PostUpdate(_ context.Context, _ *models.Ticket, u *models.TicketUpdate) error {
	e.posted = append(e.posted, u)
	return nil
}

func (e *engines) Transition(_ context.Context, _ *models.Ticket, s pipeline.ExternalStatus) error {
	e.statuses = append(e.statuses, s)
	return nil
}

func (e *engines) CreatePullRequest(context.Context, *models.Ticket, pipeline.Implementation) (pipeline.PullRequest, error) {
	return pipeline.PullRequest{URL: "https://scm.example/acme/billing/pull/42", Number: 42}, nil
}

func (e *engines) SelectReviewers(context.Context, *models.Ticket) ([]approval.Reviewer, error) {
	return append([]approval.Reviewer(nil), e.reviewers...), nil
}

func (e *engines) setAnalyzeErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.analyzeErr = err
}

type queue struct {
	mu   sync.Mutex
	jobs []StepJob
}

func (q *queue) Dispatch(_ context.Context, job StepJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *queue) pop() (StepJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return StepJob{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type notes struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *notes) Notify(_ context.Context, x notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, x)
	return nil
}

func (n *notes) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Kind
	for _, x := range n.sent {
		out = append(out, x.Kind)
	}
	return out
}

type harness struct {
	svc   *WorkflowService
	eng    *engines
	queue  *queue
	notes  *notes
	locker *switchLocker
}

// switchLocker delegates to a local locker until told to fail.
type switchLocker struct {
	mu    sync.Mutex
	err   error
	local *lock.LocalLocker
}

func (l *switchLocker) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *switchLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.local.Lock(ctx, key)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	eng := &engines{reviewers: []approval.Reviewer{{ID: "A", IsRequired: true}, {ID: "B"}}}
	h := &harness{eng: eng, queue: &queue{}, notes: &notes{}, locker: &switchLocker{local: lock.NewLocalLocker()}}
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	h.svc = NewWorkflowService(testutil.OpenDB(t), Deps{
		Registry: pipeline.DefaultRegistry(pipeline.Collaborators{
			Analysis: eng, Questions: eng, Plans: eng, Implementation: eng,
			TicketUpdates: eng, Tickets: eng, SourceControl: eng,
		}),
		Locker:     h.locker,
		Reviewers:  eng,
		Tickets:    eng,
		Dispatcher: h.queue,
		Notifier:   h.notes,
	}, opts...)
	return h
}

// drain runs queued steps until the queue is empty, re-queueing steps that asked for a retry.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		job, ok := h.queue.pop()
		if !ok {
			return
		}
		out, err := h.svc.RunStep(context.Background(), job)
		if out == StepRetrying {
			require.Error(t, err)
			_ = h.queue.Dispatch(context.Background(), job)
			continue
		}
		require.NoError(t, err)
	}
	t.Fatal("step queue did not drain")
}

func (h *harness) newTicket(t *testing.T, source models.TicketSource) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{TenantID: tenant, Title: "Fix invoice rounding", Source: source, CreatedBy: "carol"}
	if source == models.SourceExternal {
		ticket.ExternalKey = "BILL-7"
	}
	require.NoError(t, h.svc.CreateTicket(context.Background(), ticket))
	return ticket
}

func (h *harness) state(t *testing.T, id uuid.UUID) models.WorkflowState {
	t.Helper()
	ticket, err := h.svc.GetTicket(context.Background(), tenant, id)
	require.NoError(t, err)
	return ticket.CurrentState
}

// underReview drives a new ticket to PlanUnderReview.
func (h *harness) underReview(t *testing.T, source models.TicketSource) *models.Ticket {
	t.Helper()
	ticket := h.newTicket(t, source)
	_, err := h.svc.TriggerWorkflow(context.Background(), tenant, ticket.ID, "carol")
	require.NoError(t, err)
	h.drain(t)
	require.Equal(t, models.StatePlanUnderReview, h.state(t, ticket.ID))
	return ticket
}

func countEvents(t *testing.T, h *harness, id uuid.UUID, match func(models.WorkflowEvent) bool) int {
	t.Helper()
	events, err := h.svc.GetEvents(context.Background(), tenant, id)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if match(e) {
			n++
		}
	}
	return n
}

func errorFilter(ticketID uuid.UUID, severity models.Severity, resolved *bool) errorledger.Filter {
	return errorledger.Filter{TicketID: ticketID, Severity: severity, Resolved: resolved}
}

func TestDirectTicketRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceDirect)

	reviews, err := h.svc.ListReviews(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 2)

	res, err := h.svc.ApprovePlan(ctx, tenant, ticket.ID, "A", "ship it")
	require.NoError(t, err)
	assert.Equal(t, models.StateImplementing, res.To)
	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, models.AgentImplementation, res.Checkpoint.NextAgentType)

	h.drain(t)
	got, err := h.svc.GetTicket(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePRCreated, got.CurrentState)
	assert.Equal(t, 42, got.PullRequestNumber)
	assert.Empty(t, h.eng.posted, "direct tickets skip the ticket update phase")
	assert.Empty(t, h.eng.statuses, "direct tickets have no external status")

	res, err = h.svc.HandleExternalTrigger(ctx, ExternalTrigger{
		TenantID: tenant, TicketID: ticket.ID, Kind: statemachine.TriggerReviewCompleted, DedupeKey: "gh-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, res.To)

	cps, err := h.svc.ListCheckpoints(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	for _, cp := range cps {
		assert.Equal(t, models.CheckpointCompleted, cp.Status, "checkpoint %s", cp.NextAgentType)
	}
	assert.Equal(t, 1, countEvents(t, h, ticket.ID, func(e models.WorkflowEvent) bool { return e.Type == models.EventPRCreated }))
	assert.Contains(t, h.notes.kinds(), notify.KindReviewerAssigned)
	assert.Contains(t, h.notes.kinds(), notify.KindPullRequestOpened)
}

func TestOptionalApprovalWaitsForRequiredReviewer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceDirect)

	res, err := h.svc.ApprovePlan(ctx, tenant, ticket.ID, "B", "")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, models.StatePlanUnderReview, res.To)

	res, err = h.svc.ApprovePlan(ctx, tenant, ticket.ID, "B", "")
	require.NoError(t, err)
	assert.True(t, res.NoOp, "second approval by the same reviewer is a no-op")

	res, err = h.svc.ApprovePlan(ctx, tenant, ticket.ID, "A", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateImplementing, res.To)

	res, err = h.svc.ApprovePlan(ctx, tenant, ticket.ID, "A", "")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, models.StateImplementing, h.state(t, ticket.ID))

	_, err = h.svc.ApprovePlan(ctx, tenant, ticket.ID, "mallory", "")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestConcurrentApprovalsTransitionOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.eng.reviewers = []approval.Reviewer{{ID: "A", IsRequired: true}, {ID: "B"}, {ID: "C"}, {ID: "D"}}
	ticket := h.underReview(t, models.SourceDirect)

	var wg sync.WaitGroup
	for _, id := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(reviewer string) {
			defer wg.Done()
			_, _ = h.svc.ApprovePlan(ctx, tenant, ticket.ID, reviewer, "")
		}(id)
	}
	wg.Wait()

	assert.Equal(t, models.StateImplementing, h.state(t, ticket.ID))
	approvals := countEvents(t, h, ticket.ID, func(e models.WorkflowEvent) bool {
		return e.Type == models.EventStateTransition && e.ToState == models.StatePlanApproved
	})
	assert.Equal(t, 1, approvals)
	assert.Equal(t, 1, h.queue.len(), "exactly one implementation step dispatched")
}

func TestRemovingPendingRequiredReviewerReachesQuorum(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceDirect)

	_, err := h.svc.ApprovePlan(ctx, tenant, ticket.ID, "B", "")
	require.NoError(t, err)

	res, err := h.svc.RemoveReviewer(ctx, tenant, ticket.ID, "A", "lead")
	require.NoError(t, err)
	assert.Equal(t, models.StateImplementing, res.To)

	_, err = h.svc.RemoveReviewer(ctx, tenant, ticket.ID, "A", "lead")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestReviewerChangesKeepQuorumMonotonic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceDirect)

	_, err := h.svc.ApprovePlan(ctx, tenant, ticket.ID, "B", "")
	require.NoError(t, err)

	rows, err := h.svc.AssignReviewers(ctx, tenant, ticket.ID, "lead", []approval.Reviewer{{ID: "C", IsRequired: true}})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, models.StatePlanUnderReview, h.state(t, ticket.ID))

	_, err = h.svc.AssignReviewers(ctx, tenant, ticket.ID, "lead", []approval.Reviewer{{ID: "A"}, {ID: "C"}})
	require.NoError(t, err)
	assert.Equal(t, models.StateImplementing, h.state(t, ticket.ID), "dropping the last required flags reaches quorum")
	assert.Equal(t, 1, h.queue.len(), "implementation step dispatched")

	_, err = h.svc.AssignReviewers(ctx, tenant, ticket.ID, "lead", []approval.Reviewer{{ID: "D", IsRequired: true}})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "an approved plan takes no new reviewers")
	_, err = h.svc.RemoveReviewer(ctx, tenant, ticket.ID, "B", "lead")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	reviews, err := h.svc.ListReviews(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	assert.Len(t, reviews, 3)
}

func TestRefineRejectionReplansWithFeedback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceDirect)

	_, err := h.svc.ApprovePlan(ctx, tenant, ticket.ID, "B", "")
	require.NoError(t, err)
	res, err := h.svc.RejectPlan(ctx, tenant, ticket.ID, "A", "cover negative totals", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatePlanning, res.To)

	h.drain(t)
	assert.Equal(t, models.StatePlanUnderReview, h.state(t, ticket.ID))
	assert.Equal(t, "A: cover negative totals", h.eng.feedback)

	plans, err := h.svc.ListPlans(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "plan (refined)", plans[0].Content)
	assert.Equal(t, models.PlanSuperseded, plans[1].Status)

	reviews, err := h.svc.ListReviews(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	for _, r := range reviews {
		assert.Equal(t, models.ReviewPending, r.Status, "decisions reset for the new plan")
	}
}

func TestRegenerateRejectionDiscardsPlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceDirect)

	_, err := h.svc.RejectPlan(ctx, tenant, ticket.ID, "A", "wrong approach", true)
	require.NoError(t, err)
	h.drain(t)

	plans, err := h.svc.ListPlans(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "plan", plans[0].Content, "a discarded plan is generated from scratch")
	assert.Equal(t, models.PlanDiscarded, plans[1].Status)
	assert.Empty(t, h.eng.feedback)
}

func TestQuestionsBlockPlanningUntilMandatoryAnswered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.eng.questions = []pipeline.Question{{Text: "Which currency?", IsMandatory: true}, {Text: "Any deadline?"}}
	ticket := h.newTicket(t, models.SourceDirect)

	_, err := h.svc.TriggerWorkflow(ctx, tenant, ticket.ID, "carol")
	require.NoError(t, err)
	h.drain(t)
	require.Equal(t, models.StateAwaitingAnswers, h.state(t, ticket.ID))
	assert.Equal(t, 2, countEvents(t, h, ticket.ID, func(e models.WorkflowEvent) bool { return e.Type == models.EventQuestionAsked }))

	qs, err := h.svc.ListQuestions(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	require.Len(t, qs, 2)

	_, err = h.svc.SubmitAnswers(ctx, tenant, ticket.ID, "carol", map[uuid.UUID]string{qs[1].ID: "Friday"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	qs, err = h.svc.ListQuestions(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	assert.False(t, qs[1].IsAnswered(), "refused submissions store nothing")

	_, err = h.svc.SubmitAnswers(ctx, tenant, ticket.ID, "carol", map[uuid.UUID]string{uuid.New(): "?"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	res, err := h.svc.SubmitAnswers(ctx, tenant, ticket.ID, "carol", map[uuid.UUID]string{qs[0].ID: "EUR", qs[1].ID: "Friday"})
	require.NoError(t, err)
	assert.Equal(t, models.StatePlanning, res.To)
	assert.Equal(t, 2, countEvents(t, h, ticket.ID, func(e models.WorkflowEvent) bool { return e.Type == models.EventAnswerGiven }))
	assert.Contains(t, h.notes.kinds(), notify.KindQuestionsAsked)
}

func TestTicketUpdateRegenerationAndSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceExternal)

	_, err := h.svc.ApprovePlan(ctx, tenant, ticket.ID, "A", "")
	require.NoError(t, err)
	h.drain(t)
	require.Equal(t, models.StateTicketUpdateUnderReview, h.state(t, ticket.ID))

	updates, err := h.svc.ListTicketUpdates(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	v1 := updates[0]

	res, err := h.svc.RejectTicketUpdate(ctx, tenant, v1.ID, "carol", "too vague", true)
	require.NoError(t, err)
	assert.Equal(t, models.StateImplementing, res.To)
	h.drain(t)
	require.Equal(t, models.StateTicketUpdateUnderReview, h.state(t, ticket.ID))

	updates, err = h.svc.ListTicketUpdates(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.False(t, updates[0].IsDraft)
	assert.Equal(t, "too vague", updates[0].RejectionReason)
	v2 := updates[1]
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "Refined: too vague", v2.Title)
	assert.True(t, v2.Generated)

	_, err = h.svc.ApproveTicketUpdate(ctx, tenant, v1.ID, "carol")
	assert.Error(t, err, "a superseded version cannot be approved")

	res, err = h.svc.ApproveTicketUpdate(ctx, tenant, v2.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.StateTicketUpdateApproved, res.To)
	h.drain(t)

	assert.Equal(t, models.StatePRCreated, h.state(t, ticket.ID))
	require.Len(t, h.eng.posted, 1)
	assert.Equal(t, v2.ID, h.eng.posted[0].ID)
	assert.Equal(t, []pipeline.ExternalStatus{pipeline.ExternalInReview}, h.eng.statuses)

	res, err = h.svc.ApproveTicketUpdate(ctx, tenant, v2.ID, "carol")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
}

func TestProceedWithoutTicketUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceExternal)
	_, err := h.svc.ApprovePlan(ctx, tenant, ticket.ID, "A", "")
	require.NoError(t, err)
	h.drain(t)

	updates, err := h.svc.ListTicketUpdates(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	res, err := h.svc.RejectTicketUpdate(ctx, tenant, updates[0].ID, "carol", "not needed", false)
	require.NoError(t, err)
	assert.Equal(t, models.StateTicketUpdateRejected, res.To)
	assert.Zero(t, h.queue.len(), "rejection without regeneration waits for a person")

	_, err = h.svc.ProceedWithoutTicketUpdate(ctx, tenant, ticket.ID, "carol")
	require.NoError(t, err)
	h.drain(t)
	assert.Equal(t, models.StatePRCreated, h.state(t, ticket.ID))
	assert.Empty(t, h.eng.posted)
}

func TestDirectGraphRefusesTicketUpdateTriggers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceDirect)
	_, err := h.svc.ProceedWithoutTicketUpdate(ctx, tenant, ticket.ID, "carol")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCancelInvalidatesPendingCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.newTicket(t, models.SourceExternal)

	res, err := h.svc.TriggerWorkflow(ctx, tenant, ticket.ID, "carol")
	require.NoError(t, err)
	pending := res.Checkpoint
	require.NotNil(t, pending)

	res, err = h.svc.Cancel(ctx, tenant, ticket.ID, "carol", "duplicate ticket")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, res.To)
	assert.Equal(t, []pipeline.ExternalStatus{pipeline.ExternalCanceled}, h.eng.statuses)

	out, err := h.svc.RunStep(ctx, StepJob{TenantID: tenant, TicketID: ticket.ID, CheckpointID: pending.ID})
	require.NoError(t, err)
	assert.Equal(t, StepSkipped, out, "a stale resume cannot revive a cancelled ticket")
	assert.Equal(t, models.StateCancelled, h.state(t, ticket.ID))

	cp, err := h.svc.Checkpoints().Get(ctx, tenant, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointFailed, cp.Status)
}

func TestTerminalTicketRejectsTriggers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceDirect)
	_, err := h.svc.Cancel(ctx, tenant, ticket.ID, "carol", "")
	require.NoError(t, err)

	before := countEvents(t, h, ticket.ID, func(models.WorkflowEvent) bool { return true })
	_, err = h.svc.RejectPlan(ctx, tenant, ticket.ID, "A", "late", false)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = h.svc.Cancel(ctx, tenant, ticket.ID, "carol", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = h.svc.TriggerWorkflow(ctx, tenant, ticket.ID, "carol")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	assert.Equal(t, before, countEvents(t, h, ticket.ID, func(models.WorkflowEvent) bool { return true }))
	allowed, err := h.svc.AllowedTriggers(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	assert.Empty(t, allowed)
}

func TestRedeliveredWebhookIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.underReview(t, models.SourceDirect)
	_, err := h.svc.ApprovePlan(ctx, tenant, ticket.ID, "A", "")
	require.NoError(t, err)
	h.drain(t)

	started := ExternalTrigger{TenantID: tenant, TicketID: ticket.ID, Kind: statemachine.TriggerReviewStarted, DedupeKey: "delivery-1"}
	res, err := h.svc.HandleExternalTrigger(ctx, started)
	require.NoError(t, err)
	assert.Equal(t, models.StateInReview, res.To)

	res, err = h.svc.HandleExternalTrigger(ctx, started)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, countEvents(t, h, ticket.ID, func(e models.WorkflowEvent) bool {
		return e.Trigger == string(statemachine.TriggerReviewStarted)
	}))

	_, err = h.svc.HandleExternalTrigger(ctx, ExternalTrigger{TenantID: tenant, TicketID: ticket.ID, Kind: statemachine.TriggerStart, DedupeKey: "x"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = h.svc.HandleExternalTrigger(ctx, ExternalTrigger{TenantID: tenant, TicketID: ticket.ID, Kind: statemachine.TriggerReviewCompleted})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "dedupe key is required")
}

func TestRetryableFailureRetriesThenWaitsForOperator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithMaxAttempts(2))
	h.eng.setAnalyzeErr(apperr.External(nil, true, "analysis service unavailable"))
	ticket := h.newTicket(t, models.SourceDirect)

	_, err := h.svc.TriggerWorkflow(ctx, tenant, ticket.ID, "carol")
	require.NoError(t, err)
	h.drain(t)
	assert.Equal(t, models.StateAnalyzing, h.state(t, ticket.ID), "retry exhaustion does not fail the ticket")

	open := false
	errs, err := h.svc.Ledger().List(ctx, tenant, errorFilter(ticket.ID, models.SeverityError, &open))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	warnings, err := h.svc.Ledger().List(ctx, tenant, errorFilter(ticket.ID, models.SeverityWarning, nil))
	require.NoError(t, err)
	assert.Len(t, warnings, 1)

	h.eng.setAnalyzeErr(nil)
	res, err := h.svc.RetryFailedOperation(ctx, tenant, errs[0].ID, "ops")
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, models.AgentAnalysis, res.Checkpoint.NextAgentType)
	assert.True(t, res.Error.IsResolved)

	h.drain(t)
	assert.Equal(t, models.StatePlanUnderReview, h.state(t, ticket.ID))

	entry, err := h.svc.Ledger().Get(ctx, tenant, errs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.RetryCount)
	_, err = h.svc.RetryFailedOperation(ctx, tenant, errs[0].ID, "ops")
	assert.True(t, apperr.Is(err, apperr.KindValidation), "resolved entries cannot be retried")
}

func TestNonRetryableFailureFailsTicket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.eng.setAnalyzeErr(apperr.External(nil, false, "repository not found"))
	ticket := h.newTicket(t, models.SourceExternal)

	_, err := h.svc.TriggerWorkflow(ctx, tenant, ticket.ID, "carol")
	require.NoError(t, err)
	h.drain(t)
	assert.Equal(t, models.StateFailed, h.state(t, ticket.ID))
	assert.Equal(t, []pipeline.ExternalStatus{pipeline.ExternalFailed}, h.eng.statuses)
	assert.Contains(t, h.notes.kinds(), notify.KindTicketFailed)

	errs, err := h.svc.Ledger().List(ctx, tenant, errorFilter(ticket.ID, "", nil))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, models.EntityCheckpoint, errs[0].EntityType)
	assert.False(t, errs[0].Retryable)

	_, err = h.svc.RetryFailedOperation(ctx, tenant, errs[0].ID, "ops")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDeleteTicketRequiresNoOpenCheckpoints(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.newTicket(t, models.SourceDirect)
	_, err := h.svc.TriggerWorkflow(ctx, tenant, ticket.ID, "carol")
	require.NoError(t, err)

	err = h.svc.DeleteTicket(ctx, tenant, ticket.ID)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = h.svc.Cancel(ctx, tenant, ticket.ID, "carol", "")
	require.NoError(t, err)
	require.NoError(t, h.svc.DeleteTicket(ctx, tenant, ticket.ID))
	_, err = h.svc.GetTicket(ctx, tenant, ticket.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCreateTicketValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithDefaultApprovals(2))

	err := h.svc.CreateTicket(ctx, &models.Ticket{TenantID: tenant})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	err = h.svc.CreateTicket(ctx, &models.Ticket{TenantID: tenant, Title: "x", Source: models.SourceExternal})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "external tickets need a key")

	ticket := h.newTicket(t, models.SourceExternal)
	assert.Equal(t, 2, ticket.RequiredApprovalCount)
	assert.Equal(t, statemachine.GraphFull, ticket.GraphID)
	assert.Equal(t, models.StateTriggered, ticket.CurrentState)
}

func TestDirectoryWithoutRequiredFlagsUsesApprovalCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithDefaultApprovals(2))
	h.eng.reviewers = []approval.Reviewer{{ID: "A"}, {ID: "B"}, {ID: "C"}}
	ticket := h.underReview(t, models.SourceDirect)

	reviews, err := h.svc.ListReviews(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	required := map[string]bool{}
	for _, r := range reviews {
		required[r.ReviewerID] = r.IsRequired
	}
	assert.Equal(t, map[string]bool{"A": true, "B": true, "C": false}, required)

	res, err := h.svc.ApprovePlan(ctx, tenant, ticket.ID, "A", "")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	res, err = h.svc.ApprovePlan(ctx, tenant, ticket.ID, "B", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateImplementing, res.To)
}

func TestCommentsNotifyMentions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.newTicket(t, models.SourceDirect)

	c := &models.ReviewComment{TenantID: tenant, TicketID: ticket.ID, AuthorID: "carol", Body: "@dave can you check rounding?"}
	require.NoError(t, h.svc.AddComment(ctx, c))
	assert.Equal(t, []string{"dave"}, []string(c.Mentions))
	assert.Contains(t, h.notes.kinds(), notify.KindMention)

	err := h.svc.AddComment(ctx, &models.ReviewComment{TenantID: tenant, TicketID: uuid.New(), AuthorID: "carol", Body: "hi"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRecoveryHooksRedispatchAndReleaseSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.newTicket(t, models.SourceDirect)
	_, err := h.svc.TriggerWorkflow(ctx, tenant, ticket.ID, "carol")
	require.NoError(t, err)

	_, ok := h.queue.pop()
	require.True(t, ok, "analysis step dispatched")

	stale, err := h.svc.StaleCheckpoints(ctx, models.CheckpointPending, models.AutomatedAgents(), time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.NoError(t, h.svc.RequeueStep(ctx, stale[0]))
	assert.Equal(t, 1, h.queue.len())

	_, err = h.svc.Checkpoints().Resume(ctx, tenant, stale[0].ID, nil)
	require.NoError(t, err)
	stuck, err := h.svc.StaleCheckpoints(ctx, models.CheckpointResumed, models.AutomatedAgents(), time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.NoError(t, h.svc.ReleaseStuckStep(ctx, stuck[0], "worker lost"))

	h.drain(t)
	assert.Equal(t, models.StatePlanUnderReview, h.state(t, ticket.ID))

	none, err := h.svc.StaleCheckpoints(ctx, models.CheckpointPending, models.AutomatedAgents(), time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	waiting, err := h.svc.StaleCheckpoints(ctx, models.CheckpointPending, models.WaitingAgents(), time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	err = h.svc.RequeueStep(ctx, waiting[0])
	assert.True(t, apperr.Is(err, apperr.KindValidation), "human waits are never dispatched")
}

func TestLockFailuresAreRetriedNotDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.newTicket(t, models.SourceDirect)
	_, err := h.svc.TriggerWorkflow(ctx, tenant, ticket.ID, "carol")
	require.NoError(t, err)
	job, ok := h.queue.pop()
	require.True(t, ok)

	h.locker.fail(errors.New("dial tcp 10.0.0.7:6379: connection refused"))
	out, err := h.svc.RunStep(ctx, job)
	assert.Equal(t, StepRetrying, out, "a step that could not start stays on the queue")
	assert.True(t, apperr.Is(err, apperr.KindExternal))
	assert.True(t, apperr.IsRetryable(err))

	_, err = h.svc.Cancel(ctx, tenant, ticket.ID, "carol", "")
	assert.True(t, apperr.Is(err, apperr.KindExternal), "an unreachable lock is not a conflict")
	h.locker.fail(nil)

	release, err := h.locker.Lock(ctx, lockKey(tenant, ticket.ID))
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err = h.svc.Cancel(short, tenant, ticket.ID, "carol", "")
	cancel()
	assert.True(t, apperr.Is(err, apperr.KindConflict), "a held lock is a conflict")
	release()

	out, err = h.svc.RunStep(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, out)
	assert.NotEqual(t, models.StateAnalyzing, h.state(t, ticket.ID), "the retried step moved the ticket on")
}
