package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType is the closed set of orchestration operations
type TaskType string

const (
	TaskDeploy   TaskType = "deploy"
	TaskRestart  TaskType = "restart"
	TaskRollback TaskType = "rollback"
	TaskStart    TaskType = "start"
	TaskStop     TaskType = "stop"
	TaskCleanup  TaskType = "cleanup"
)

// TaskTypes lists every task type
var TaskTypes = []TaskType{TaskDeploy, TaskRestart, TaskRollback, TaskStart, TaskStop, TaskCleanup}

// Valid reports whether t is a known task type
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Finished reports whether s is a terminal status
func (s TaskStatus) Finished() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the wire form of a reserved task
type Task struct {
	ID        uuid.UUID       `json:"id"`
	Type      TaskType        `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	NodeID    *uuid.UUID      `json:"node_id,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// LogLevel is the severity of a deployment log line
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Valid reports whether l is a known level
func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}
