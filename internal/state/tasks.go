package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

// maxReserveAttempts bounds retries when another poller wins the compare-and-swap
const maxReserveAttempts = 5

var errReservationLost = errors.New("reservation lost to another worker")

// CreateTask inserts a pending task
func (r *Repository) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = string(models.TaskPending)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// ReserveTask claims the oldest pending task matching the affinity filter.
// A nil nodeID only matches tasks without host affinity. Returns nil when
// nothing is pending.
//
// On postgres the candidate row is locked with FOR UPDATE SKIP LOCKED; on
// every driver the claim itself is a conditional update on status, so two
// pollers can never both move the same row to running.
func (r *Repository) ReserveTask(ctx context.Context, owner string, nodeID *uuid.UUID) (*Task, error) {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		task, err := r.tryReserve(ctx, owner, nodeID)
		if errors.Is(err, errReservationLost) {
			continue
		}
		return task, err
	}
	return nil, nil
}

func (r *Repository) tryReserve(ctx context.Context, owner string, nodeID *uuid.UUID) (*Task, error) {
	var claimed *Task

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ?", string(models.TaskPending))
		if nodeID == nil {
			query = query.Where("node_id IS NULL")
		} else {
			query = query.Where("node_id = ?", *nodeID)
		}
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidate Task
		if err := query.Order("created_at ASC").Take(&candidate).Error; err != nil {
			return err
		}

		now := time.Now()
		result := tx.Model(&Task{}).
			Where("id = ? AND status = ?", candidate.ID, string(models.TaskPending)).
			Updates(map[string]interface{}{
				"status":      string(models.TaskRunning),
				"reserved_by": owner,
				"started_at":  now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to claim task: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errReservationLost
		}

		candidate.Status = string(models.TaskRunning)
		candidate.ReservedBy = owner
		candidate.StartedAt = &now
		claimed = &candidate
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, errReservationLost) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reserve task: %w", err)
	}

	return claimed, nil
}

// FinishTask moves a running task to a terminal status
func (r *Repository) FinishTask(ctx context.Context, id uuid.UUID, status models.TaskStatus, errMsg string) error {
	if !status.Finished() {
		return fmt.Errorf("invalid terminal task status %q", status)
	}

	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status = ?", id, string(models.TaskRunning)).
		Updates(map[string]interface{}{
			"status":      string(status),
			"error":       errMsg,
			"finished_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("running task %s: %w", id, ErrNotFound)
	}

	return nil
}

// ResetStuckTasks returns running tasks to pending. A nil nodeID resets tasks
// without affinity (control plane boot); otherwise only that node's tasks.
func (r *Repository) ResetStuckTasks(ctx context.Context, nodeID *uuid.UUID) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&Task{}).
		Where("status = ?", string(models.TaskRunning))
	if nodeID == nil {
		query = query.Where("node_id IS NULL")
	} else {
		query = query.Where("node_id = ?", *nodeID)
	}

	result := query.Updates(map[string]interface{}{
		"status":      string(models.TaskPending),
		"reserved_by": "",
		"started_at":  nil,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset stuck tasks: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// HasOpenTask reports whether a pending or running task of one of types exists for a deployment
func (r *Repository) HasOpenTask(ctx context.Context, deploymentID uuid.UUID, types ...models.TaskType) (bool, error) {
	query := r.db.WithContext(ctx).
		Model(&Task{}).
		Where("deployment_id = ? AND status IN ?", deploymentID, []string{string(models.TaskPending), string(models.TaskRunning)})
	if len(types) > 0 {
		names := make([]string, 0, len(types))
		for _, t := range types {
			names = append(names, string(t))
		}
		query = query.Where("type IN ?", names)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check open tasks: %w", err)
	}

	return count > 0, nil
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	var task Task

	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return &task, nil
}

// ListTasks returns recent tasks, optionally for one deployment
func (r *Repository) ListTasks(ctx context.Context, deploymentID *uuid.UUID, limit int) ([]Task, error) {
	var tasks []Task

	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if deploymentID != nil {
		query = query.Where("deployment_id = ?", *deploymentID)
	}

	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	return tasks, nil
}

// CountTasksByStatus returns the number of tasks in each status
func (r *Repository) CountTasksByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}

	if err := r.db.WithContext(ctx).
		Model(&Task{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
