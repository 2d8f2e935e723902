// Package checkpoint persists suspended pipeline steps and implements the suspend/resume protocol.
//
// A checkpoint moves pending → resumed → completed|failed. Resume is a compare-and-set on the
// pending status, so exactly one caller wins for each suspension; everyone else gets the
// checkpoint's last known outcome back without side effects.
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/metrics"
	"github.com/example/ticketpilot/backend/internal/models"
)

// Store is the durable checkpoint store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a Store whose writes join tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, now: s.now}
}

// SuspendRequest describes the step a pipeline is pausing before.
type SuspendRequest struct {
	TenantID      string
	TicketID      uuid.UUID
	GraphID       string
	AgentName     models.AgentType
	NextAgentType models.AgentType
	TicketState   models.WorkflowState
	State         models.Snapshot
}

// ResumeResult is what a resumer learns about the checkpoint.
// Resumed is false when the checkpoint was not pending; the other fields then describe its last known outcome.
type ResumeResult struct {
	Checkpoint    *models.Checkpoint
	State         models.Snapshot
	NextAgentType models.AgentType
	Resumed       bool
}

// Suspend writes a new pending checkpoint. It refuses to create a second pending
// checkpoint for the same (ticket, graph).
func (s *Store) Suspend(ctx context.Context, req SuspendRequest) (cp *models.Checkpoint, err error) {
	defer func() { metrics.CheckpointOps.WithLabelValues("suspend", metrics.Result(err)).Inc() }()

	if req.TenantID == "" || req.TicketID == uuid.Nil || req.GraphID == "" {
		return nil, apperr.Validation("checkpoint requires tenant, ticket and graph")
	}
	if req.NextAgentType == "" {
		return nil, apperr.Validation("checkpoint requires a next agent type")
	}

	pending, err := s.countPending(ctx, req.TicketID, req.GraphID)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, apperr.Conflict("duplicate pending checkpoint for ticket %s graph %s", req.TicketID, req.GraphID)
	}

	cp = &models.Checkpoint{
		TenantID:           req.TenantID,
		TicketID:           req.TicketID,
		GraphID:            req.GraphID,
		AgentName:          req.AgentName,
		NextAgentType:      req.NextAgentType,
		TicketState:        req.TicketState,
		StateSchemaVersion: req.State.Version,
		State:              req.State.Data,
		Status:             models.CheckpointPending,
	}
	if err := s.db.WithContext(ctx).Create(cp).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Conflict("duplicate pending checkpoint for ticket %s graph %s", req.TicketID, req.GraphID)
		}
		return nil, errors.WithStack(err)
	}
	return cp, nil
}

// Resume marks a pending checkpoint resumed and returns its state. Resuming anything that is
// not pending is a no-op that reports the checkpoint as it stands.
func (s *Store) Resume(ctx context.Context, tenantID string, id uuid.UUID, payload []byte) (res *ResumeResult, err error) {
	defer func() { metrics.CheckpointOps.WithLabelValues("resume", metrics.Result(err)).Inc() }()

	now := s.now()
	upd := s.db.WithContext(ctx).Model(&models.Checkpoint{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, models.CheckpointPending).
		Updates(map[string]any{
			"status":         models.CheckpointResumed,
			"resumed_at":     now,
			"resume_payload": payload,
			"attempts":       gorm.Expr("attempts + 1"),
			"updated_at":     now,
		})
	if upd.Error != nil {
		return nil, errors.WithStack(upd.Error)
	}

	cp, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return &ResumeResult{
		Checkpoint:    cp,
		State:         cp.Snapshot(),
		NextAgentType: cp.NextAgentType,
		Resumed:       upd.RowsAffected == 1,
	}, nil
}

// Complete finishes a resumed checkpoint.
func (s *Store) Complete(ctx context.Context, tenantID string, id uuid.UUID) (err error) {
	defer func() { metrics.CheckpointOps.WithLabelValues("complete", metrics.Result(err)).Inc() }()
	return s.finish(ctx, tenantID, id, models.CheckpointCompleted, "")
}

// Fail marks a resumed checkpoint failed with the given reason.
func (s *Store) Fail(ctx context.Context, tenantID string, id uuid.UUID, reason string) (err error) {
	defer func() { metrics.CheckpointOps.WithLabelValues("fail", metrics.Result(err)).Inc() }()
	return s.finish(ctx, tenantID, id, models.CheckpointFailed, reason)
}

func (s *Store) finish(ctx context.Context, tenantID string, id uuid.UUID, status models.CheckpointStatus, reason string) error {
	now := s.now()
	updates := map[string]any{"status": status, "finished_at": now, "updated_at": now}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	res := s.db.WithContext(ctx).Model(&models.Checkpoint{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, models.CheckpointResumed).
		Updates(updates)
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	cp, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return apperr.Validation("checkpoint %s is %s; only resumed checkpoints can become %s", id, cp.Status, status)
}

// Release returns a resumed checkpoint to pending after a retryable step failure.
func (s *Store) Release(ctx context.Context, tenantID string, id uuid.UUID, reason string) (err error) {
	defer func() { metrics.CheckpointOps.WithLabelValues("release", metrics.Result(err)).Inc() }()

	cp, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if cp.Status != models.CheckpointResumed {
		return apperr.Validation("checkpoint %s is %s; only resumed checkpoints can be released", id, cp.Status)
	}
	pending, err := s.countPending(ctx, cp.TicketID, cp.GraphID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return apperr.Conflict("duplicate pending checkpoint for ticket %s graph %s", cp.TicketID, cp.GraphID)
	}
	res := s.db.WithContext(ctx).Model(&models.Checkpoint{}).
		Where("id = ? AND status = ?", id, models.CheckpointResumed).
		Updates(map[string]any{"status": models.CheckpointPending, "failure_reason": reason, "updated_at": s.now()})
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("checkpoint %s changed while being released", id)
	}
	return nil
}

// Invalidate fails every open (pending or resumed) checkpoint of a ticket so a stale
// resume cannot revive it. It returns the number of checkpoints invalidated.
func (s *Store) Invalidate(ctx context.Context, tenantID string, ticketID uuid.UUID, reason string) (n int64, err error) {
	defer func() { metrics.CheckpointOps.WithLabelValues("invalidate", metrics.Result(err)).Inc() }()
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Checkpoint{}).
		Where("tenant_id = ? AND ticket_id = ? AND status IN ?", tenantID, ticketID,
			[]models.CheckpointStatus{models.CheckpointPending, models.CheckpointResumed}).
		Updates(map[string]any{"status": models.CheckpointFailed, "failure_reason": reason, "finished_at": now, "updated_at": now})
	return res.RowsAffected, errors.WithStack(res.Error)
}

// Get returns a checkpoint by id.
func (s *Store) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	if err := s.db.WithContext(ctx).First(&cp, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		return nil, apperr.FromDB(err, "checkpoint", id)
	}
	return &cp, nil
}

// Active returns the open checkpoint of (ticket, graph), or nil when the pipeline has none.
func (s *Store) Active(ctx context.Context, tenantID string, ticketID uuid.UUID, graphID string) (*models.Checkpoint, error) {
	var cps []models.Checkpoint
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ? AND graph_id = ? AND status IN ?", tenantID, ticketID, graphID,
			[]models.CheckpointStatus{models.CheckpointPending, models.CheckpointResumed}).
		Order("created_at desc").
		Limit(1).
		Find(&cps).Error
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return &cps[0], nil
}

// Latest returns the most recent checkpoint of a ticket having one of the statuses (any status when none given).
func (s *Store) Latest(ctx context.Context, tenantID string, ticketID uuid.UUID, statuses ...models.CheckpointStatus) (*models.Checkpoint, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var cps []models.Checkpoint
	if err := q.Order("updated_at desc").Limit(1).Find(&cps).Error; err != nil {
		return nil, errors.WithStack(err)
	}
	if len(cps) == 0 {
		return nil, apperr.NotFound("no checkpoint for ticket %s", ticketID)
	}
	return &cps[0], nil
}

// ListForTicket returns the checkpoint history of a ticket, oldest first.
func (s *Store) ListForTicket(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.Checkpoint, error) {
	var cps []models.Checkpoint
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID).
		Order("created_at asc").
		Find(&cps).Error
	return cps, errors.WithStack(err)
}

// ListStale returns checkpoints of any tenant in status that were last touched before cutoff,
// oldest first. A non-empty agents list restricts the result to those next agent types.
func (s *Store) ListStale(ctx context.Context, status models.CheckpointStatus, agents []models.AgentType, cutoff time.Time, limit int) ([]models.Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Where("status = ? AND updated_at < ?", status, cutoff)
	if len(agents) > 0 {
		q = q.Where("next_agent_type IN ?", agents)
	}
	var cps []models.Checkpoint
	err := q.Order("updated_at asc").
		Limit(limit).
		Find(&cps).Error
	return cps, errors.WithStack(err)
}

// CountOpen returns how many pending or resumed checkpoints a ticket has.
func (s *Store) CountOpen(ctx context.Context, tenantID string, ticketID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Checkpoint{}).
		Where("tenant_id = ? AND ticket_id = ? AND status IN ?", tenantID, ticketID,
			[]models.CheckpointStatus{models.CheckpointPending, models.CheckpointResumed}).
		Count(&n).Error
	return n, errors.WithStack(err)
}

func (s *Store) countPending(ctx context.Context, ticketID uuid.UUID, graphID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Checkpoint{}).
		Where("ticket_id = ? AND graph_id = ? AND status = ?", ticketID, graphID, models.CheckpointPending).
		Count(&n).Error
	return n, errors.WithStack(err)
}
