package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/alvesdmateus/deployctl/internal/events"
	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// TaskSource hands out tasks and takes their outcomes
type TaskSource interface {
	Reserve(ctx context.Context) (*models.Task, error)
	Finish(ctx context.Context, id uuid.UUID, status models.TaskStatus, errMsg string) error
	// Wait blocks until new work may be available or timeout elapses
	Wait(ctx context.Context, timeout time.Duration) error
	// ResetStuck returns tasks left running by a previous process to pending
	ResetStuck(ctx context.Context) (int64, error)
}

// QueueSource serves the control-plane worker from the database queue. It only
// reserves tasks without host affinity.
type QueueSource struct {
	Queue *queue.Queue
	Owner string
}

// Reserve claims the next unbound task
func (s QueueSource) Reserve(ctx context.Context) (*models.Task, error) {
	return s.Queue.Reserve(ctx, s.Owner, nil)
}

// Finish records a task outcome
func (s QueueSource) Finish(ctx context.Context, id uuid.UUID, status models.TaskStatus, errMsg string) error {
	return s.Queue.Finish(ctx, id, status, errMsg)
}

// Wait waits for new work
func (s QueueSource) Wait(ctx context.Context, timeout time.Duration) error {
	return s.Queue.Wait(ctx, timeout)
}

// ResetStuck resets unbound tasks left running
func (s QueueSource) ResetStuck(ctx context.Context) (int64, error) {
	return s.Queue.ResetStuck(ctx, nil)
}

// WorkerOptions configures a Worker
type WorkerOptions struct {
	PollInterval time.Duration
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	Events       events.Publisher
}

// Worker reserves tasks one at a time and runs them through the orchestrator.
// A failing task never stops the loop.
type Worker struct {
	orch   *Orchestrator
	source TaskSource
	opts   WorkerOptions
	logger zerolog.Logger
}

// NewWorker creates a worker
func NewWorker(orch *Orchestrator, source TaskSource, opts WorkerOptions, logger zerolog.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Worker{
		orch:   orch,
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Run processes tasks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("poll_interval", w.opts.PollInterval).Msg("Starting task worker")

	if _, err := w.source.ResetStuck(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Failed to reset stuck tasks")
	}

	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("Task worker stopped")
			return nil
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("Task processing loop failed")
		}
		if processed {
			continue
		}

		if err := w.source.Wait(ctx, w.opts.PollInterval); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("Wait for tasks failed")
		}
	}
}

// ProcessNext reserves and executes one task. It reports whether a task was found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.source.Reserve(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reserve task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	w.process(ctx, task)
	return true, nil
}

func (w *Worker) process(ctx context.Context, task *models.Task) {
	start := time.Now()
	deploymentID := payloadTarget(task)
	taskLog := NewDeploymentLogger(w.orch.store, deploymentID, task.ID.String(), w.logger)
	logger := w.logger.With().
		Str("task_id", task.ID.String()).
		Str("type", string(task.Type)).
		Str("deployment_id", deploymentID.String()).
		Logger()

	if w.opts.Metrics != nil {
		if !task.CreatedAt.IsZero() {
			w.opts.Metrics.RecordQueueLatency(string(task.Type), start.Sub(task.CreatedAt).Seconds())
		}
		w.opts.Metrics.IncTasksInProgress()
		defer w.opts.Metrics.DecTasksInProgress()
	}

	var span trace.Span
	if w.opts.Tracer != nil {
		ctx, span = w.opts.Tracer.StartTask(ctx, task, deploymentID)
	}

	if deploymentID != uuid.Nil {
		taskLog.Info(ctx, fmt.Sprintf("Task %s started", task.Type), Details("payload", task.Payload))
	}
	logger.Info().Msg("Task started")

	err := w.execute(ctx, task, logger)

	status := models.TaskCompleted
	errMsg := ""
	if err != nil {
		status = models.TaskFailed
		errMsg = err.Error()
	}
	if span != nil {
		observability.EndTask(span, status, err)
	}

	// outcomes are recorded even when shutdown cancelled the task
	finishCtx := context.WithoutCancel(ctx)
	if finishErr := w.source.Finish(finishCtx, task.ID, status, errMsg); finishErr != nil {
		logger.Error().Err(finishErr).Msg("Failed to record task outcome")
	}

	duration := time.Since(start)
	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("Task failed")
		if deploymentID != uuid.Nil {
			taskLog.Error(finishCtx, fmt.Sprintf("Task %s failed", task.Type), err, nil)
		}
	} else {
		logger.Info().Dur("duration", duration).Msg("Task completed")
		if deploymentID != uuid.Nil {
			taskLog.Info(finishCtx, fmt.Sprintf("Task %s completed", task.Type), nil)
		}
	}

	if w.opts.Metrics != nil {
		w.opts.Metrics.RecordTask(string(task.Type), string(status), duration.Seconds())
	}

	event := events.TaskFinished{
		TaskID:       task.ID,
		DeploymentID: deploymentID,
		Type:         task.Type,
		Status:       status,
		Error:        errMsg,
		Duration:     duration,
		At:           time.Now().UTC(),
	}
	if pubErr := w.opts.Events.TaskFinished(finishCtx, event); pubErr != nil {
		logger.Warn().Err(pubErr).Msg("Failed to publish task outcome")
	}
}

// execute dispatches a task to its operation. A panic inside an operation
// fails the task instead of the worker.
func (w *Worker) execute(ctx context.Context, task *models.Task, logger zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Task panicked")
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	payload, err := queue.DecodePayload(task.Type, task.Payload)
	if err != nil {
		return err
	}
	op := Op{DeploymentID: payload.Target(), TaskID: task.ID.String()}

	switch task.Type {
	case models.TaskDeploy:
		result, err := w.orch.Deploy(ctx, op, payload.(queue.DeployPayload).CommitSHA)
		if err != nil {
			return err
		}
		w.orch.Logger(op).Info(ctx, "Deployment task finished", Details("result", result))
		return nil

	case models.TaskRestart:
		_, err := w.orch.Restart(ctx, op, payload.(queue.DeployPayload).CommitSHA)
		return err

	case models.TaskRollback:
		return w.orch.Rollback(ctx, op, payload.(queue.RollbackPayload).Version)

	case models.TaskStart:
		return w.orch.Start(ctx, op)

	case models.TaskStop:
		return w.orch.Stop(ctx, op)

	case models.TaskCleanup:
		steps, err := w.orch.Cleanup(ctx, op)
		if errors.Is(err, models.ErrNotFound) {
			logger.Info().Msg("Deployment already removed")
			return nil
		}
		if len(steps) > 0 {
			logger.Warn().Err(steps).Int("failed_steps", len(steps)).Msg("Cleanup finished with failed steps")
		}
		return err
	}

	return fmt.Errorf("%w: %q", queue.ErrUnknownTaskType, task.Type)
}

// payloadTarget extracts the deployment a task refers to, or uuid.Nil
func payloadTarget(task *models.Task) uuid.UUID {
	payload, err := queue.DecodePayload(task.Type, task.Payload)
	if err != nil {
		return uuid.Nil
	}
	return payload.Target()
}
