package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/checkpoint"
	"github.com/example/ticketpilot/backend/internal/errorledger"
	"github.com/example/ticketpilot/backend/internal/eventlog"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/notify"
	"github.com/example/ticketpilot/backend/internal/pipeline"
	"github.com/example/ticketpilot/backend/internal/repository"
)

// scope bundles the stores bound to one database handle, usually a transaction.
// Events and notifications collected here are published only after the transaction commits.
type scope struct {
	tickets     *repository.TicketRepository
	questions   *repository.QuestionRepository
	plans       *repository.PlanRepository
	receipts    *repository.ReceiptRepository
	checkpoints *checkpoint.Store
	gate        *approval.Gate
	events      *eventlog.Log
	ledger      *errorledger.Ledger

	emitted []models.WorkflowEvent
	notes   []notify.Notification
}

var (
	_ pipeline.Reader = (*scope)(nil)
	_ pipeline.Writer = (*scope)(nil)
)

func (s *WorkflowService) newScope(tx *gorm.DB) *scope {
	return &scope{
		tickets:     repository.NewTicketRepository(tx),
		questions:   repository.NewQuestionRepository(tx),
		plans:       repository.NewPlanRepository(tx),
		receipts:    repository.NewReceiptRepository(tx),
		checkpoints: s.checkpoints.WithTx(tx),
		gate:        s.gate.WithTx(tx),
		events:      s.events.WithTx(tx),
		ledger:      s.ledger.WithTx(tx),
	}
}

func (sc *scope) emit(ctx context.Context, e *models.WorkflowEvent) error {
	if err := sc.events.Append(ctx, e); err != nil {
		return err
	}
	sc.emitted = append(sc.emitted, *e)
	return nil
}

func (sc *scope) notify(n notify.Notification) {
	if len(n.Recipients) == 0 {
		return
	}
	sc.notes = append(sc.notes, n)
}

func (sc *scope) Questions(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.ClarifyingQuestion, error) {
	return sc.questions.ListByTicket(ctx, tenantID, ticketID)
}

func (sc *scope) ActivePlan(ctx context.Context, tenantID string, ticketID uuid.UUID) (*models.ImplementationPlan, error) {
	return sc.plans.Active(ctx, tenantID, ticketID)
}

// ReviewFeedback joins the notes of every rejecting reviewer.
func (sc *scope) ReviewFeedback(ctx context.Context, tenantID string, ticketID uuid.UUID) (string, error) {
	rows, err := sc.gate.ListReviews(ctx, tenantID, ticketID)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, r := range rows {
		if r.Status.IsRejection() && strings.TrimSpace(r.DecisionNote) != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", r.ReviewerID, r.DecisionNote))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (sc *scope) LatestTicketUpdate(ctx context.Context, tenantID string, ticketID uuid.UUID) (*models.TicketUpdate, error) {
	return sc.gate.LatestUpdate(ctx, tenantID, ticketID)
}

func (sc *scope) ReplaceQuestions(ctx context.Context, tenantID string, ticketID uuid.UUID, questions []models.ClarifyingQuestion) error {
	return sc.questions.Replace(ctx, tenantID, ticketID, questions)
}

func (sc *scope) SavePlan(ctx context.Context, plan *models.ImplementationPlan) error {
	return sc.plans.Create(ctx, plan)
}

// SaveTicketUpdate fills the open draft seeded by a regenerate rejection, or starts a new version.
func (sc *scope) SaveTicketUpdate(ctx context.Context, tenantID string, ticketID uuid.UUID, content approval.DraftContent) (*models.TicketUpdate, error) {
	draft, err := sc.gate.CurrentDraft(ctx, tenantID, ticketID)
	switch {
	case err == nil:
		return sc.gate.FillDraft(ctx, tenantID, draft.ID, content, true)
	case apperr.Is(err, apperr.KindNotFound):
	default:
		return nil, err
	}
	u := &models.TicketUpdate{
		TenantID:           tenantID,
		TicketID:           ticketID,
		Title:              content.Title,
		Description:        content.Description,
		SuccessCriteria:    content.SuccessCriteria,
		AcceptanceCriteria: content.AcceptanceCriteria,
		Generated:          true,
	}
	if err := sc.gate.CreateDraft(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
