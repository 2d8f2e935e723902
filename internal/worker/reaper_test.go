package worker

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/service"
)

type fakePipeline struct {
	mu        sync.Mutex
	stale     map[models.CheckpointStatus][]models.Checkpoint
	cutoffs   map[models.CheckpointStatus][]time.Time
	requeued  []uuid.UUID
	released  []uuid.UUID
	cancelled []uuid.UUID
}

func (f *fakePipeline) StaleCheckpoints(_ context.Context, status models.CheckpointStatus, agents []models.AgentType, cutoff time.Time, limit int) ([]models.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cutoffs == nil {
		f.cutoffs = map[models.CheckpointStatus][]time.Time{}
	}
	f.cutoffs[status] = append(f.cutoffs[status], cutoff)
	var out []models.Checkpoint
	for _, cp := range f.stale[status] {
		if len(out) == limit {
			break
		}
		if cp.UpdatedAt.Before(cutoff) && slices.Contains(agents, cp.NextAgentType) {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *fakePipeline) RequeueStep(_ context.Context, cp models.Checkpoint) error {
	f.requeued = append(f.requeued, cp.ID)
	return nil
}

func (f *fakePipeline) ReleaseStuckStep(_ context.Context, cp models.Checkpoint, _ string) error {
	f.released = append(f.released, cp.ID)
	return nil
}

func (f *fakePipeline) Cancel(_ context.Context, _ string, ticketID uuid.UUID, _, _ string) (*service.TransitionResult, error) {
	f.cancelled = append(f.cancelled, ticketID)
	return &service.TransitionResult{}, nil
}

func checkpointAt(agent models.AgentType, status models.CheckpointStatus, updated time.Time) models.Checkpoint {
	return models.Checkpoint{ID: uuid.New(), TenantID: "acme", TicketID: uuid.New(), NextAgentType: agent, Status: status, UpdatedAt: updated}
}

func TestReaperSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lostJob := checkpointAt(models.AgentPlanning, models.CheckpointPending, now.Add(-5*time.Minute))
	freshJob := checkpointAt(models.AgentPlanning, models.CheckpointPending, now.Add(-10*time.Second))
	waiting := checkpointAt(models.AgentPlanReview, models.CheckpointPending, now.Add(-72*time.Hour))
	stuck := checkpointAt(models.AgentImplementation, models.CheckpointResumed, now.Add(-2*time.Hour))

	p := &fakePipeline{stale: map[models.CheckpointStatus][]models.Checkpoint{
		models.CheckpointPending: {lostJob, freshJob, waiting},
		models.CheckpointResumed: {stuck},
	}}
	r := NewReaper(p, ReaperConfig{
		Interval:        time.Minute,
		RedispatchGrace: 2 * time.Minute,
		StuckTimeout:    30 * time.Minute,
		PendingTimeout:  48 * time.Hour,
	}, zaptest.NewLogger(t))
	r.now = func() time.Time { return now }

	r.Sweep(context.Background())

	assert.Equal(t, []uuid.UUID{lostJob.ID}, p.requeued, "human waits and fresh jobs are not requeued")
	assert.Equal(t, []uuid.UUID{stuck.ID}, p.released)
	assert.Equal(t, []uuid.UUID{waiting.TicketID}, p.cancelled)
}

func TestReaperRequeuesBehindAFullBatchOfWaits(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var pending []models.Checkpoint
	for i := 0; i < 5; i++ {
		pending = append(pending, checkpointAt(models.AgentHumanInput, models.CheckpointPending, now.Add(-time.Duration(10-i)*time.Hour)))
	}
	lostJob := checkpointAt(models.AgentAnalysis, models.CheckpointPending, now.Add(-time.Hour))
	pending = append(pending, lostJob)

	p := &fakePipeline{stale: map[models.CheckpointStatus][]models.Checkpoint{models.CheckpointPending: pending}}
	r := NewReaper(p, ReaperConfig{RedispatchGrace: time.Minute, StuckTimeout: time.Hour, BatchSize: 3}, zaptest.NewLogger(t))
	r.now = func() time.Time { return now }
	r.Sweep(context.Background())

	assert.Equal(t, []uuid.UUID{lostJob.ID}, p.requeued)
}

func TestReaperWithoutPendingTimeoutNeverCancels(t *testing.T) {
	now := time.Now().UTC()
	p := &fakePipeline{stale: map[models.CheckpointStatus][]models.Checkpoint{
		models.CheckpointPending: {checkpointAt(models.AgentHumanInput, models.CheckpointPending, now.Add(-1000*time.Hour))},
	}}
	r := NewReaper(p, ReaperConfig{Interval: time.Minute, RedispatchGrace: time.Minute, StuckTimeout: time.Hour}, zaptest.NewLogger(t))
	r.Sweep(context.Background())
	assert.Empty(t, p.cancelled)
	assert.Empty(t, p.requeued)
}

func TestReaperRunStopsWithContext(t *testing.T) {
	p := &fakePipeline{}
	r := NewReaper(p, ReaperConfig{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.cutoffs[models.CheckpointResumed]) > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
