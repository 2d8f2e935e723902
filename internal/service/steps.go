package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/errorledger"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/statemachine"
)

// StepOutcome reports what RunStep did with a job.
type StepOutcome string

const (
	StepCompleted StepOutcome = "completed"
	StepSkipped   StepOutcome = "skipped"
	StepRetrying  StepOutcome = "retrying"
	StepFailed    StepOutcome = "failed"
)

// RunStep executes the automated step behind a pending checkpoint. The checkpoint is resumed
// under the ticket lock, the collaborator runs without holding it, and the completion trigger is
// applied only if the checkpoint is still the ticket's active one. Redelivered jobs are skipped.
func (s *WorkflowService) RunStep(ctx context.Context, job StepJob) (StepOutcome, error) {
	log := s.log.With(
		zap.String("tenant_id", job.TenantID),
		zap.String("ticket_id", job.TicketID.String()),
		zap.String("checkpoint_id", job.CheckpointID.String()),
	)

	var ticket *models.Ticket
	var cp *models.Checkpoint
	err := s.withTicketLock(ctx, job.TenantID, job.TicketID, func() error {
		current, err := s.checkpoints.Get(ctx, job.TenantID, job.CheckpointID)
		if err != nil {
			return err
		}
		if !current.NextAgentType.IsAutomated() {
			return apperr.Validation("checkpoint %s waits for %s and cannot be run", current.ID, current.NextAgentType)
		}
		res, err := s.checkpoints.Resume(ctx, job.TenantID, job.CheckpointID, nil)
		if err != nil {
			return err
		}
		if !res.Resumed {
			return nil
		}
		cp = res.Checkpoint
		ticket, err = s.tickets.FindByID(ctx, job.TenantID, job.TicketID)
		return err
	})
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) || apperr.Is(err, apperr.KindValidation) {
			return StepFailed, err
		}
		log.Warn("step could not start, will retry", zap.Error(err))
		return StepRetrying, err
	}
	if cp == nil {
		log.Info("step already taken, skipping")
		return StepSkipped, nil
	}

	log = log.With(zap.String("agent", string(cp.NextAgentType)), zap.Int("attempt", cp.Attempts))
	log.Info("running step")

	completion, runErr := s.registry.Run(ctx, ticket, cp, s.newScope(s.db))
	if runErr == nil {
		_, err := s.HandleTrigger(ctx, TriggerInput{
			TenantID:     job.TenantID,
			TicketID:     job.TicketID,
			Trigger:      completion.Trigger,
			Actor:        string(cp.NextAgentType),
			CheckpointID: cp.ID,
			Snapshot:     &completion.Snapshot,
			PullRequest:  completion.PullRequest,
			Persist:      completion.Persist,
		})
		switch {
		case err == nil:
			log.Info("step completed", zap.String("trigger", string(completion.Trigger.Kind)))
			return StepCompleted, nil
		case apperr.Is(err, apperr.KindConflict) && !s.stillResumed(ctx, cp):
			log.Info("step result discarded, checkpoint no longer active", zap.Error(err))
			return StepSkipped, nil
		case apperr.Is(err, apperr.KindConflict):
			err = apperr.External(err, true, "apply %s result", cp.NextAgentType)
		case apperr.Is(err, apperr.KindValidation) && s.isTerminal(ctx, job):
			log.Info("step result discarded, ticket already finished", zap.Error(err))
			return StepSkipped, nil
		}
		// the completion itself was refused; treat it like a step failure
		runErr = err
	}
	return s.stepFailed(ctx, log, cp, runErr)
}

// stillResumed reports whether cp is still held by this attempt.
func (s *WorkflowService) stillResumed(ctx context.Context, cp *models.Checkpoint) bool {
	current, err := s.checkpoints.Get(ctx, cp.TenantID, cp.ID)
	if err != nil {
		return !apperr.Is(err, apperr.KindNotFound)
	}
	return current.Status == models.CheckpointResumed && current.Attempts == cp.Attempts
}

func (s *WorkflowService) isTerminal(ctx context.Context, job StepJob) bool {
	t, err := s.tickets.FindByID(ctx, job.TenantID, job.TicketID)
	return err == nil && t.CurrentState.IsTerminal()
}

// stepFailed decides what a failed step does to its checkpoint. Retryable failures release it
// for another attempt until attempts run out; then the checkpoint is parked as failed and the
// ticket waits for RetryFailedOperation. Any other failure fails the ticket.
func (s *WorkflowService) stepFailed(ctx context.Context, log *zap.Logger, cp *models.Checkpoint, cause error) (StepOutcome, error) {
	if !apperr.IsRetryable(cause) {
		log.Error("step failed", zap.Error(cause))
		_, err := s.HandleTrigger(ctx, TriggerInput{
			TenantID:     cp.TenantID,
			TicketID:     cp.TicketID,
			Trigger:      statemachine.Trigger{Kind: statemachine.TriggerError, Reason: cause.Error()},
			Actor:        string(cp.NextAgentType),
			CheckpointID: cp.ID,
			Err:          cause,
			Message:      fmt.Sprintf("%s failed", cp.NextAgentType),
			source:       string(cp.NextAgentType),
		})
		if err != nil && !apperr.Is(err, apperr.KindConflict) && !apperr.Is(err, apperr.KindValidation) {
			return StepFailed, err
		}
		return StepFailed, nil
	}

	exhausted := cp.Attempts >= s.maxAttempts
	severity := models.SeverityWarning
	if exhausted {
		severity = models.SeverityError
	}
	var row *models.ErrorLog
	var sc *scope
	err := s.withTicketLock(ctx, cp.TenantID, cp.TicketID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sc = s.newScope(tx)
			var err error
			row, err = sc.ledger.LogError(ctx, errorledger.Entry{
				TenantID:   cp.TenantID,
				Severity:   severity,
				Source:     string(cp.NextAgentType),
				Err:        cause,
				EntityType: models.EntityCheckpoint,
				EntityID:   cp.ID.String(),
				TicketID:   cp.TicketID,
				Context:    map[string]any{"attempt": cp.Attempts, "maxAttempts": s.maxAttempts},
			})
			if err != nil {
				return err
			}
			if !exhausted {
				return sc.checkpoints.Release(ctx, cp.TenantID, cp.ID, cause.Error())
			}
			if err := sc.checkpoints.Fail(ctx, cp.TenantID, cp.ID, cause.Error()); err != nil {
				return err
			}
			return sc.emit(ctx, &models.WorkflowEvent{
				TenantID:  cp.TenantID,
				TicketID:  cp.TicketID,
				Type:      models.EventWarning,
				FromState: cp.TicketState,
				Actor:     string(cp.NextAgentType),
				Message:   fmt.Sprintf("%s gave up after %d attempt(s); retry error %s to resume", cp.NextAgentType, cp.Attempts, row.ID),
				Metadata:  datatypes.JSONMap{"errorId": row.ID.String(), "checkpointId": cp.ID.String()},
			})
		})
	})
	if err != nil {
		return StepFailed, err
	}
	s.publishEvents(ctx, sc.emitted)
	if exhausted {
		log.Error("step retries exhausted", zap.String("error_id", row.ID.String()), zap.Error(cause))
		return StepFailed, nil
	}
	log.Warn("step failed, will retry", zap.Error(cause))
	return StepRetrying, cause
}

// StaleCheckpoints lists checkpoints of every tenant left in status since before cutoff and
// waiting on one of agents.
func (s *WorkflowService) StaleCheckpoints(ctx context.Context, status models.CheckpointStatus, agents []models.AgentType, cutoff time.Time, limit int) ([]models.Checkpoint, error) {
	return s.checkpoints.ListStale(ctx, status, agents, cutoff, limit)
}

// RequeueStep hands a pending automated checkpoint to the dispatcher again.
func (s *WorkflowService) RequeueStep(ctx context.Context, cp models.Checkpoint) error {
	if cp.Status != models.CheckpointPending || !cp.NextAgentType.IsAutomated() {
		return apperr.Validation("checkpoint %s is not a pending automated step", cp.ID)
	}
	if s.dispatcher == nil {
		return apperr.Validation("no step dispatcher configured")
	}
	return s.dispatcher.Dispatch(ctx, StepJob{TenantID: cp.TenantID, TicketID: cp.TicketID, CheckpointID: cp.ID, Agent: cp.NextAgentType})
}

// ReleaseStuckStep returns a checkpoint whose worker stopped reporting back to pending.
func (s *WorkflowService) ReleaseStuckStep(ctx context.Context, cp models.Checkpoint, reason string) error {
	return s.withTicketLock(ctx, cp.TenantID, cp.TicketID, func() error {
		return s.checkpoints.Release(ctx, cp.TenantID, cp.ID, reason)
	})
}
