package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// Queue is the durable task queue. Rows live in the database; the notifier
// only shortens the idle wait of pollers.
type Queue struct {
	repo     *state.Repository
	notifier Notifier
	logger   zerolog.Logger
}

// New creates a queue. A nil notifier falls back to plain sleeping.
func New(repo *state.Repository, notifier Notifier, logger zerolog.Logger) *Queue {
	if notifier == nil {
		notifier = SleepNotifier{}
	}
	return &Queue{
		repo:     repo,
		notifier: notifier,
		logger:   logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue stores a pending task with optional host affinity
func (q *Queue) Enqueue(ctx context.Context, taskType models.TaskType, payload Payload, nodeID *uuid.UUID) (uuid.UUID, error) {
	if err := checkPayload(taskType, payload); err != nil {
		return uuid.Nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	deploymentID := payload.Target()
	task := &state.Task{
		Type:         string(taskType),
		Payload:      string(data),
		DeploymentID: &deploymentID,
		NodeID:       nodeID,
	}
	if err := q.repo.CreateTask(ctx, task); err != nil {
		return uuid.Nil, err
	}

	event := q.logger.Info().
		Str("task_id", task.ID.String()).
		Str("type", string(taskType)).
		Str("deployment_id", deploymentID.String())
	if nodeID != nil {
		event = event.Str("node_id", nodeID.String())
	}
	event.Msg("Task enqueued")

	if err := q.notifier.Notify(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to notify workers")
	}

	return task.ID, nil
}

// Submit enqueues a task for a deployment, resolving host affinity from the
// deployment's node and refusing duplicates of an in-flight deploy, restart or cleanup.
func (q *Queue) Submit(ctx context.Context, taskType models.TaskType, payload Payload) (uuid.UUID, error) {
	if err := checkPayload(taskType, payload); err != nil {
		return uuid.Nil, err
	}

	if conflicts := conflictsWith(taskType); len(conflicts) > 0 {
		open, err := q.repo.HasOpenTask(ctx, payload.Target(), conflicts...)
		if err != nil {
			return uuid.Nil, err
		}
		if open {
			return uuid.Nil, ErrAlreadyQueued
		}
	}

	nodeID, err := q.Affinity(ctx, payload.Target())
	if err != nil {
		return uuid.Nil, err
	}

	return q.Enqueue(ctx, taskType, payload, nodeID)
}

// SubmitRollback enqueues a rollback to a recorded version. The version is
// embedded in the payload so execution needs no lookup.
func (q *Queue) SubmitRollback(ctx context.Context, deploymentID, versionID uuid.UUID) (uuid.UUID, error) {
	version, err := q.repo.GetVersion(ctx, deploymentID, versionID)
	if err != nil {
		return uuid.Nil, err
	}
	return q.Submit(ctx, models.TaskRollback, RollbackPayload{
		DeploymentID: deploymentID,
		Version:      state.ToVersionRecord(version),
	})
}

// Affinity returns the node a deployment's tasks must run on, or nil when
// the control plane executes them (no node, or a node reached over SSH)
func (q *Queue) Affinity(ctx context.Context, deploymentID uuid.UUID) (*uuid.UUID, error) {
	deployment, err := q.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if deployment.NodeID == nil {
		return nil, nil
	}

	node, err := q.repo.GetNode(ctx, *deployment.NodeID)
	if err != nil {
		return nil, err
	}
	if node.Mode != state.NodeModeAgent {
		return nil, nil
	}

	id := node.ID
	return &id, nil
}

// Reserve claims the oldest pending task for owner. Returns nil when idle.
func (q *Queue) Reserve(ctx context.Context, owner string, nodeID *uuid.UUID) (*models.Task, error) {
	row, err := q.repo.ReserveTask(ctx, owner, nodeID)
	if err != nil || row == nil {
		return nil, err
	}
	return ToWire(row), nil
}

// Finish records the outcome of a reserved task. A completed cleanup purges
// its deployment, wherever the cleanup ran.
func (q *Queue) Finish(ctx context.Context, id uuid.UUID, status models.TaskStatus, errMsg string) error {
	if err := q.repo.FinishTask(ctx, id, status, errMsg); err != nil {
		return err
	}
	if status != models.TaskCompleted {
		return nil
	}

	task, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if models.TaskType(task.Type) != models.TaskCleanup || task.DeploymentID == nil {
		return nil
	}

	if err := q.repo.PurgeDeployment(ctx, *task.DeploymentID); err != nil {
		return fmt.Errorf("failed to purge deployment %s: %w", *task.DeploymentID, err)
	}
	q.logger.Info().Str("deployment_id", task.DeploymentID.String()).Msg("Purged deployment after cleanup")
	return nil
}

// ResetStuck returns tasks left running by a crashed worker to pending
func (q *Queue) ResetStuck(ctx context.Context, nodeID *uuid.UUID) (int64, error) {
	count, err := q.repo.ResetStuckTasks(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		q.logger.Warn().Int64("count", count).Msg("Reset stuck tasks to pending")
	}
	return count, nil
}

// Wait blocks until new work may be available or timeout elapses
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) error {
	err := q.notifier.Wait(ctx, timeout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		q.logger.Warn().Err(err).Msg("Notifier wait failed, sleeping instead")
		return SleepNotifier{}.Wait(ctx, timeout)
	}
	return err
}

// ToWire converts a task row to its wire form
func ToWire(row *state.Task) *models.Task {
	return &models.Task{
		ID:        row.ID,
		Type:      models.TaskType(row.Type),
		Payload:   json.RawMessage(row.Payload),
		NodeID:    row.NodeID,
		CreatedAt: row.CreatedAt,
	}
}
