package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/example/ticketpilot/backend/internal/service"
)

// TypeRunStep is the asynq task type of pipeline steps.
const TypeRunStep = "pipeline:run_step"

// StepQueueName is the asynq queue steps are enqueued on.
const StepQueueName = "steps"

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

// StepQueue dispatches step jobs through asynq. The task id is the checkpoint id, so a
// checkpoint is queued at most once at a time.
type StepQueue struct {
	client      enqueuer
	inspector   taskInspector
	maxAttempts int
	timeout     time.Duration
}

// NewStepQueue creates a dispatcher on redis.
func NewStepQueue(opt asynq.RedisConnOpt, maxAttempts int, timeout time.Duration) *StepQueue {
	return &StepQueue{
		client:      asynq.NewClient(opt),
		inspector:   asynq.NewInspector(opt),
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

var _ service.Dispatcher = (*StepQueue)(nil)

// Dispatch enqueues job. A job already queued or running for the checkpoint counts as
// dispatched; an archived or completed task left under the checkpoint id is replaced.
func (q *StepQueue) Dispatch(ctx context.Context, job service.StepJob) error {
	task, err := NewRunStepTask(job)
	if err != nil {
		return err
	}
	err = q.enqueue(ctx, task, job)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return errors.Wrapf(err, "enqueue step %s", job.CheckpointID)
	}

	id := job.CheckpointID.String()
	info, err := q.inspector.GetTaskInfo(StepQueueName, id)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
	case err != nil:
		return errors.Wrapf(err, "inspect step %s", id)
	case info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted:
		return nil
	default:
		if err := q.inspector.DeleteTask(StepQueueName, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return errors.Wrapf(err, "drop finished step %s", id)
		}
	}
	err = q.enqueue(ctx, task, job)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return errors.Wrapf(err, "enqueue step %s", job.CheckpointID)
}

func (q *StepQueue) enqueue(ctx context.Context, task *asynq.Task, job service.StepJob) error {
	_, err := q.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.CheckpointID.String()),
		asynq.Queue(StepQueueName),
		asynq.MaxRetry(q.maxAttempts),
		asynq.Timeout(q.timeout),
	)
	return err
}

// Close releases the redis connections.
func (q *StepQueue) Close() error {
	ierr := q.inspector.Close()
	if err := q.client.Close(); err != nil {
		return err
	}
	return ierr
}

// NewRunStepTask encodes job as an asynq task.
func NewRunStepTask(job service.StepJob) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, errors.Wrap(err, "marshal step job")
	}
	return asynq.NewTask(TypeRunStep, payload), nil
}

// StepRunner executes step jobs.
type StepRunner interface {
	RunStep(ctx context.Context, job service.StepJob) (service.StepOutcome, error)
}

// StepHandler runs asynq step tasks.
type StepHandler struct {
	runner StepRunner
	log    *zap.Logger
}

func NewStepHandler(runner StepRunner, log *zap.Logger) *StepHandler {
	return &StepHandler{runner: runner, log: log}
}

// HandleRunStep runs one step. Returning an error asks asynq to retry the task later,
// which is what a released checkpoint needs.
func (h *StepHandler) HandleRunStep(ctx context.Context, t *asynq.Task) error {
	var job service.StepJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return errors.Wrapf(asynq.SkipRetry, "decode step job: %v", err)
	}
	out, err := h.runner.RunStep(ctx, job)
	h.log.Info("step handled",
		zap.String("checkpoint_id", job.CheckpointID.String()),
		zap.String("agent", string(job.Agent)),
		zap.String("outcome", string(out)),
		zap.Error(err),
	)
	if err != nil && out != service.StepRetrying {
		// the ledger and the reaper own recovery from here
		return errors.Wrap(asynq.SkipRetry, err.Error())
	}
	return err
}

// StepServer consumes the step queue.
type StepServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *zap.Logger
}

// NewStepServer wires the step handler into an asynq server.
func NewStepServer(opt asynq.RedisConnOpt, concurrency int, runner StepRunner, log *zap.Logger) *StepServer {
	log = log.Named("steps")
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{StepQueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Warn("step task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
		Logger: log.Sugar(),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRunStep, NewStepHandler(runner, log).HandleRunStep)
	return &StepServer{server: srv, mux: mux, log: log}
}

// Start runs the server in the background.
func (s *StepServer) Start() error {
	s.log.Info("step server starting")
	return s.server.Start(s.mux)
}

// Shutdown waits for running steps and stops the server.
func (s *StepServer) Shutdown() {
	s.log.Info("step server stopping")
	s.server.Shutdown()
}
