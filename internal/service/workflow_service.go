// Package service drives tickets through the pipeline. It turns triggers from people, webhooks
// and finished steps into state transitions, and applies each transition atomically with its
// checkpoint and event log writes.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/checkpoint"
	"github.com/example/ticketpilot/backend/internal/errorledger"
	"github.com/example/ticketpilot/backend/internal/eventlog"
	"github.com/example/ticketpilot/backend/internal/lock"
	"github.com/example/ticketpilot/backend/internal/logger"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/mq"
	"github.com/example/ticketpilot/backend/internal/notify"
	"github.com/example/ticketpilot/backend/internal/pipeline"
	"github.com/example/ticketpilot/backend/internal/repository"
	"github.com/example/ticketpilot/backend/internal/statemachine"
)

// StepJob asks a worker to run the automated step behind a pending checkpoint.
type StepJob struct {
	TenantID     string           `json:"tenantId"`
	TicketID     uuid.UUID        `json:"ticketId"`
	CheckpointID uuid.UUID        `json:"checkpointId"`
	Agent        models.AgentType `json:"agent"`
}

// Dispatcher hands step jobs to workers. Delivery may repeat; RunStep tolerates duplicates.
type Dispatcher interface {
	Dispatch(ctx context.Context, job StepJob) error
}

// Deps are the collaborators of a WorkflowService. Nil optional fields get no-op defaults.
type Deps struct {
	Locker     lock.Locker
	Registry   *pipeline.Registry
	Reviewers  pipeline.ReviewerDirectory
	Tickets    pipeline.ExternalTicketClient
	Dispatcher Dispatcher
	Publisher  mq.Publisher
	Notifier   notify.Notifier
}

// WorkflowService is the orchestrator and the application-facing API of the pipeline.
type WorkflowService struct {
	db          *gorm.DB
	tickets     *repository.TicketRepository
	questions   *repository.QuestionRepository
	plans       *repository.PlanRepository
	receipts    *repository.ReceiptRepository
	checkpoints *checkpoint.Store
	gate        *approval.Gate
	events      *eventlog.Log
	ledger      *errorledger.Ledger

	locker     lock.Locker
	registry   *pipeline.Registry
	reviewers  pipeline.ReviewerDirectory
	external   pipeline.ExternalTicketClient
	dispatcher Dispatcher
	publisher  mq.Publisher
	notifier   notify.Notifier

	defaultApprovals int
	maxAttempts      int
	log              *zap.Logger
}

// Option customizes a WorkflowService.
type Option func(*WorkflowService)

// WithLogger overrides the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *WorkflowService) { s.log = l }
}

// WithDefaultApprovals sets RequiredApprovalCount for tickets created without one.
func WithDefaultApprovals(n int) Option {
	return func(s *WorkflowService) { s.defaultApprovals = n }
}

// WithMaxAttempts bounds how often a step is retried after retryable failures.
func WithMaxAttempts(n int) Option {
	return func(s *WorkflowService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewWorkflowService builds a service with dependencies.
func NewWorkflowService(db *gorm.DB, deps Deps, opts ...Option) *WorkflowService {
	s := &WorkflowService{
		db:               db,
		tickets:          repository.NewTicketRepository(db),
		questions:        repository.NewQuestionRepository(db),
		plans:            repository.NewPlanRepository(db),
		receipts:         repository.NewReceiptRepository(db),
		checkpoints:      checkpoint.New(db),
		events:           eventlog.New(db),
		ledger:           errorledger.New(db),
		locker:           deps.Locker,
		registry:         deps.Registry,
		reviewers:        deps.Reviewers,
		external:         deps.Tickets,
		dispatcher:       deps.Dispatcher,
		publisher:        deps.Publisher,
		notifier:         deps.Notifier,
		defaultApprovals: 1,
		maxAttempts:      5,
		log:              logger.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.locker == nil {
		s.locker = lock.NewLocalLocker()
	}
	if s.registry == nil {
		s.registry = pipeline.NewRegistry()
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	s.gate = approval.New(db, approval.WithNotifier(s.notifier), approval.WithLogger(s.log))
	return s
}

// Gate exposes the approval gate for read endpoints.
func (s *WorkflowService) Gate() *approval.Gate { return s.gate }

// Ledger exposes the error ledger for operator endpoints.
func (s *WorkflowService) Ledger() *errorledger.Ledger { return s.ledger }

// Checkpoints exposes the checkpoint store for the recovery reaper.
func (s *WorkflowService) Checkpoints() *checkpoint.Store { return s.checkpoints }

func lockKey(tenantID string, ticketID uuid.UUID) string {
	return fmt.Sprintf("ticket:%s:%s", tenantID, ticketID)
}

func (s *WorkflowService) withTicketLock(ctx context.Context, tenantID string, ticketID uuid.UUID, fn func() error) error {
	release, err := s.locker.Lock(ctx, lockKey(tenantID, ticketID))
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return apperr.Conflict("ticket %s is busy: %v", ticketID, err)
		}
		return apperr.External(err, true, "lock ticket %s", ticketID)
	}
	defer release()
	return fn()
}

// CreateTicket persists a new ticket in Triggered state.
func (s *WorkflowService) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	if ticket.TenantID == "" {
		return apperr.Validation("tenant is required")
	}
	if ticket.Title == "" {
		return apperr.Validation("title is required")
	}
	if ticket.RequiredApprovalCount < 0 {
		return apperr.Validation("required approval count cannot be negative")
	}
	if ticket.RequiredApprovalCount == 0 {
		ticket.RequiredApprovalCount = s.defaultApprovals
	}
	if ticket.Source == "" {
		ticket.Source = models.SourceDirect
	}
	if ticket.Source == models.SourceExternal && ticket.ExternalKey == "" {
		return apperr.Validation("externally synced tickets need an external key")
	}
	ticket.CurrentState = models.StateTriggered
	ticket.StateVersion = 0
	ticket.GraphID = statemachine.GraphFor(ticket.Source).ID

	var evt *models.WorkflowEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repository.NewTicketRepository(tx).Create(ctx, ticket); err != nil {
			return err
		}
		evt = &models.WorkflowEvent{
			TenantID: ticket.TenantID,
			TicketID: ticket.ID,
			Type:     models.EventInfo,
			ToState:  ticket.CurrentState,
			Actor:    ticket.CreatedBy,
			Message:  "ticket created",
		}
		return s.events.WithTx(tx).Append(ctx, evt)
	})
	if err != nil {
		return err
	}
	s.publishEvents(ctx, []models.WorkflowEvent{*evt})
	return nil
}

// GetTicket returns a ticket of the tenant.
func (s *WorkflowService) GetTicket(ctx context.Context, tenantID string, id uuid.UUID) (*models.Ticket, error) {
	return s.tickets.FindByID(ctx, tenantID, id)
}

// ListTickets returns the tenant's most recent tickets.
func (s *WorkflowService) ListTickets(ctx context.Context, tenantID string, limit int) ([]models.Ticket, error) {
	return s.tickets.List(ctx, tenantID, limit)
}

// DeleteTicket removes a ticket that has no in-flight checkpoints.
func (s *WorkflowService) DeleteTicket(ctx context.Context, tenantID string, id uuid.UUID) error {
	return s.withTicketLock(ctx, tenantID, id, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := repository.NewTicketRepository(tx).FindByID(ctx, tenantID, id); err != nil {
				return err
			}
			open, err := s.checkpoints.WithTx(tx).CountOpen(ctx, tenantID, id)
			if err != nil {
				return err
			}
			if open > 0 {
				return apperr.Conflict("ticket %s has %d in-flight checkpoint(s); cancel it first", id, open)
			}
			return repository.NewTicketRepository(tx).Delete(ctx, tenantID, id)
		})
	})
}

// GetEvents returns the ticket's audit trail in append order.
func (s *WorkflowService) GetEvents(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.WorkflowEvent, error) {
	if _, err := s.tickets.FindByID(ctx, tenantID, ticketID); err != nil {
		return nil, err
	}
	return s.events.List(ctx, tenantID, ticketID)
}

// ListQuestions returns the ticket's clarifying questions.
func (s *WorkflowService) ListQuestions(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.ClarifyingQuestion, error) {
	return s.questions.ListByTicket(ctx, tenantID, ticketID)
}

// ListPlans returns every plan version of a ticket.
func (s *WorkflowService) ListPlans(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.ImplementationPlan, error) {
	return s.plans.List(ctx, tenantID, ticketID)
}

// ListCheckpoints returns the ticket's checkpoint history.
func (s *WorkflowService) ListCheckpoints(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.Checkpoint, error) {
	return s.checkpoints.ListForTicket(ctx, tenantID, ticketID)
}

func (s *WorkflowService) publishEvents(ctx context.Context, events []models.WorkflowEvent) {
	if s.publisher == nil {
		return
	}
	for _, e := range events {
		payload := map[string]any{
			"id":         e.ID,
			"tenantId":   e.TenantID,
			"ticketId":   e.TicketID.String(),
			"type":       e.Type,
			"fromState":  e.FromState,
			"toState":    e.ToState,
			"trigger":    e.Trigger,
			"actor":      e.Actor,
			"message":    e.Message,
			"metadata":   e.Metadata,
			"occurredAt": e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := s.publisher.Publish(ctx, "workflow."+string(e.Type), payload); err != nil {
			s.log.Warn("publish workflow event failed", zap.Uint64("event_id", e.ID), zap.Error(err))
		}
	}
}
