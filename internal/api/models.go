package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// ErrorResponse represents an error response
type ErrorResponse = models.ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Version  string `json:"version"`
}

// EnqueueTaskRequest asks for a task against one deployment. Rollback
// requests name the version to return to.
type EnqueueTaskRequest struct {
	Type      models.TaskType `json:"type"`
	CommitSHA string          `json:"commit_sha,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	VersionID *uuid.UUID      `json:"version_id,omitempty"`
}

// EnqueueTaskResponse returns the id of the queued task
type EnqueueTaskResponse struct {
	TaskID uuid.UUID `json:"task_id"`
}

// TaskResponse represents a task in API responses
type TaskResponse struct {
	ID           uuid.UUID  `json:"id"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	DeploymentID *uuid.UUID `json:"deployment_id,omitempty"`
	NodeID       *uuid.UUID `json:"node_id,omitempty"`
	ReservedBy   string     `json:"reserved_by,omitempty"`
	Error        string     `json:"error,omitempty"`
	Payload      string     `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// LogResponse represents one deployment log line
type LogResponse struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskToResponse converts a task row
func TaskToResponse(task *state.Task) TaskResponse {
	return TaskResponse{
		ID:           task.ID,
		Type:         task.Type,
		Status:       task.Status,
		DeploymentID: task.DeploymentID,
		NodeID:       task.NodeID,
		ReservedBy:   task.ReservedBy,
		Error:        task.Error,
		Payload:      task.Payload,
		CreatedAt:    task.CreatedAt,
		StartedAt:    task.StartedAt,
		FinishedAt:   task.FinishedAt,
	}
}

// LogsToResponse converts log rows, oldest first
func LogsToResponse(logs []state.DeploymentLog) []LogResponse {
	out := make([]LogResponse, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		out = append(out, LogResponse{
			Level:     logs[i].Level,
			Message:   logs[i].Message,
			Metadata:  logs[i].Metadata,
			CreatedAt: logs[i].CreatedAt,
		})
	}
	return out
}

// VersionsToResponse converts version rows
func VersionsToResponse(versions []state.DeploymentVersion) []models.VersionRecord {
	out := make([]models.VersionRecord, 0, len(versions))
	for i := range versions {
		out = append(out, state.ToVersionRecord(&versions[i]))
	}
	return out
}
