package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/checkpoint"
	"github.com/example/ticketpilot/backend/internal/models"
)

// RetryResult describes a replayed checkpoint.
type RetryResult struct {
	Error      *models.ErrorLog   `json:"error"`
	Checkpoint *models.Checkpoint `json:"checkpoint"`
	// Replayed is false when the checkpoint was still pending and was only dispatched again.
	Replayed bool `json:"replayed"`
}

// RetryFailedOperation re-drives the ticket behind a ledger entry. The checkpoint the entry points
// at (or the ticket's last failed checkpoint) is replayed as a new pending checkpoint with the same
// state and next step. The entry is resolved and its retry counter increased.
func (s *WorkflowService) RetryFailedOperation(ctx context.Context, tenantID string, errorID uuid.UUID, actor string) (*RetryResult, error) {
	entry, err := s.ledger.Get(ctx, tenantID, errorID)
	if err != nil {
		return nil, err
	}
	if entry.IsResolved {
		return nil, apperr.Validation("error %s is already resolved", errorID)
	}
	if entry.TicketID == nil {
		return nil, apperr.Validation("error %s is not linked to a ticket", errorID)
	}
	if actor == "" {
		actor = actorSystem
	}
	ticketID := *entry.TicketID

	res := &RetryResult{}
	var sc *scope
	err = s.withTicketLock(ctx, tenantID, ticketID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sc = s.newScope(tx)
			ticket, err := sc.tickets.FindByID(ctx, tenantID, ticketID)
			if err != nil {
				return err
			}
			if ticket.CurrentState.IsTerminal() {
				return apperr.Validation("ticket %s is %s and cannot be retried", ticketID, ticket.CurrentState)
			}
			cp, err := s.retryTarget(ctx, sc, entry)
			if err != nil {
				return err
			}

			switch cp.Status {
			case models.CheckpointResumed:
				return apperr.Conflict("checkpoint %s is running", cp.ID)
			case models.CheckpointCompleted:
				return apperr.Validation("checkpoint %s already completed", cp.ID)
			case models.CheckpointPending:
				if !cp.NextAgentType.IsAutomated() {
					return apperr.Validation("checkpoint %s waits for %s, not for a retry", cp.ID, cp.NextAgentType)
				}
				res.Checkpoint = cp
			case models.CheckpointFailed:
				if cp.TicketState != ticket.CurrentState {
					return apperr.Validation("ticket %s moved on from %s since checkpoint %s failed", ticketID, cp.TicketState, cp.ID)
				}
				replay, err := sc.checkpoints.Suspend(ctx, checkpoint.SuspendRequest{
					TenantID:      cp.TenantID,
					TicketID:      cp.TicketID,
					GraphID:       cp.GraphID,
					AgentName:     cp.AgentName,
					NextAgentType: cp.NextAgentType,
					TicketState:   cp.TicketState,
					State:         cp.Snapshot(),
				})
				if err != nil {
					return err
				}
				res.Checkpoint = replay
				res.Replayed = true
			}

			if err := sc.ledger.MarkRetried(ctx, tenantID, errorID); err != nil {
				return err
			}
			if res.Error, err = sc.ledger.Resolve(ctx, tenantID, errorID, actor, "retried"); err != nil {
				return err
			}
			return sc.emit(ctx, &models.WorkflowEvent{
				TenantID:  tenantID,
				TicketID:  ticketID,
				Type:      models.EventInfo,
				FromState: ticket.CurrentState,
				ToState:   ticket.CurrentState,
				Actor:     actor,
				Message:   fmt.Sprintf("retrying %s", res.Checkpoint.NextAgentType),
				Metadata:  datatypes.JSONMap{"errorId": errorID.String(), "checkpointId": res.Checkpoint.ID.String()},
			})
		})
	})
	if err != nil {
		return nil, err
	}
	s.publishEvents(ctx, sc.emitted)
	if res.Checkpoint.NextAgentType.IsAutomated() {
		s.dispatch(ctx, res.Checkpoint)
	}
	return res, nil
}

func (s *WorkflowService) retryTarget(ctx context.Context, sc *scope, entry *models.ErrorLog) (*models.Checkpoint, error) {
	if entry.EntityType == models.EntityCheckpoint {
		id, err := uuid.Parse(entry.EntityID)
		if err != nil {
			return nil, apperr.Validation("error %s references malformed checkpoint %q", entry.ID, entry.EntityID)
		}
		cp, err := sc.checkpoints.Get(ctx, entry.TenantID, id)
		if err != nil {
			return nil, err
		}
		if cp.Status != models.CheckpointFailed {
			return cp, nil
		}
		// a later replay may already be in flight
		latest, err := sc.checkpoints.Latest(ctx, entry.TenantID, cp.TicketID)
		if err != nil {
			return nil, err
		}
		if latest.ID != cp.ID && latest.IsOpen() {
			return latest, nil
		}
		return cp, nil
	}
	return sc.checkpoints.Latest(ctx, entry.TenantID, *entry.TicketID, models.CheckpointFailed)
}
