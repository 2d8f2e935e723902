// Package worker runs the background loops of the pipeline: the step queue, the broker
// trigger consumer and the recovery reaper.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/service"
)

// Pipeline is the part of the workflow service the reaper drives.
type Pipeline interface {
	StaleCheckpoints(ctx context.Context, status models.CheckpointStatus, agents []models.AgentType, cutoff time.Time, limit int) ([]models.Checkpoint, error)
	RequeueStep(ctx context.Context, cp models.Checkpoint) error
	ReleaseStuckStep(ctx context.Context, cp models.Checkpoint, reason string) error
	Cancel(ctx context.Context, tenantID string, ticketID uuid.UUID, actor, reason string) (*service.TransitionResult, error)
}

// ReaperConfig tunes the recovery sweeps. A zero PendingTimeout never cancels waiting tickets.
type ReaperConfig struct {
	Interval        time.Duration
	RedispatchGrace time.Duration
	StuckTimeout    time.Duration
	PendingTimeout  time.Duration
	BatchSize       int
}

// Reaper periodically recovers checkpoints nobody is working on: automated steps whose job
// was lost are dispatched again, steps whose worker died are released, and tickets left waiting
// for a person longer than PendingTimeout are cancelled.
type Reaper struct {
	pipeline Pipeline
	cfg      ReaperConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewReaper creates a reaper.
func NewReaper(p Pipeline, cfg ReaperConfig, log *zap.Logger) *Reaper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reaper{pipeline: p, cfg: cfg, log: log.Named("reaper"), now: func() time.Time { return time.Now().UTC() }}
}

// Run starts the sweep loop and should be launched in its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper shutting down")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.now()
	r.releaseStuck(ctx, now)
	r.redispatch(ctx, now)
	if r.cfg.PendingTimeout > 0 {
		r.expireWaits(ctx, now)
	}
}

func (r *Reaper) releaseStuck(ctx context.Context, now time.Time) {
	cps, err := r.pipeline.StaleCheckpoints(ctx, models.CheckpointResumed, models.AutomatedAgents(), now.Add(-r.cfg.StuckTimeout), r.cfg.BatchSize)
	if err != nil {
		r.log.Error("list stuck steps failed", zap.Error(err))
		return
	}
	for _, cp := range cps {
		if err := r.pipeline.ReleaseStuckStep(ctx, cp, "step worker stopped responding"); err != nil {
			r.log.Warn("release stuck step failed", zap.String("checkpoint_id", cp.ID.String()), zap.Error(err))
			continue
		}
		r.log.Info("released stuck step", zap.String("checkpoint_id", cp.ID.String()), zap.String("agent", string(cp.NextAgentType)))
	}
}

func (r *Reaper) redispatch(ctx context.Context, now time.Time) {
	cps, err := r.pipeline.StaleCheckpoints(ctx, models.CheckpointPending, models.AutomatedAgents(), now.Add(-r.cfg.RedispatchGrace), r.cfg.BatchSize)
	if err != nil {
		r.log.Error("list pending steps failed", zap.Error(err))
		return
	}
	for _, cp := range cps {
		if err := r.pipeline.RequeueStep(ctx, cp); err != nil {
			r.log.Warn("requeue step failed", zap.String("checkpoint_id", cp.ID.String()), zap.Error(err))
		}
	}
}

func (r *Reaper) expireWaits(ctx context.Context, now time.Time) {
	cps, err := r.pipeline.StaleCheckpoints(ctx, models.CheckpointPending, models.WaitingAgents(), now.Add(-r.cfg.PendingTimeout), r.cfg.BatchSize)
	if err != nil {
		r.log.Error("list waiting tickets failed", zap.Error(err))
		return
	}
	for _, cp := range cps {
		reason := "no response within " + r.cfg.PendingTimeout.String()
		if _, err := r.pipeline.Cancel(ctx, cp.TenantID, cp.TicketID, "reaper", reason); err != nil {
			r.log.Warn("cancel expired ticket failed", zap.String("ticket_id", cp.TicketID.String()), zap.Error(err))
			continue
		}
		r.log.Info("cancelled expired ticket", zap.String("ticket_id", cp.TicketID.String()), zap.String("waiting_for", string(cp.NextAgentType)))
	}
}
