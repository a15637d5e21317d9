// Package events publishes deployment lifecycle notifications. Events are
// informational: the database stays the source of truth and a lost event
// never changes an outcome.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

// StatusChanged is published after a deployment's lifecycle fields change
type StatusChanged struct {
	DeploymentID uuid.UUID               `json:"deployment_id"`
	Status       models.DeploymentStatus `json:"status,omitempty"`
	ActiveSlot   models.Slot             `json:"active_slot,omitempty"`
	At           time.Time               `json:"at"`
}

// TaskFinished is published once per finished task
type TaskFinished struct {
	TaskID       uuid.UUID         `json:"task_id"`
	DeploymentID uuid.UUID         `json:"deployment_id,omitempty"`
	Type         models.TaskType   `json:"type"`
	Status       models.TaskStatus `json:"status"`
	Error        string            `json:"error,omitempty"`
	Duration     time.Duration     `json:"duration_ns"`
	At           time.Time         `json:"at"`
}

// NodeHeartbeat is published for every agent heartbeat
type NodeHeartbeat struct {
	NodeID   uuid.UUID      `json:"node_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// Publisher delivers lifecycle events
type Publisher interface {
	StatusChanged(ctx context.Context, event StatusChanged) error
	TaskFinished(ctx context.Context, event TaskFinished) error
	NodeHeartbeat(ctx context.Context, event NodeHeartbeat) error
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) StatusChanged(context.Context, StatusChanged) error { return nil }
func (Nop) TaskFinished(context.Context, TaskFinished) error   { return nil }
func (Nop) NodeHeartbeat(context.Context, NodeHeartbeat) error { return nil }
func (Nop) Close() error                                       { return nil }

// FromPatch builds a StatusChanged event from a status patch
func FromPatch(deploymentID uuid.UUID, patch models.StatusPatch) StatusChanged {
	event := StatusChanged{DeploymentID: deploymentID, At: time.Now().UTC()}
	if patch.Status != nil {
		event.Status = *patch.Status
	}
	if patch.ActiveSlot != nil {
		event.ActiveSlot = *patch.ActiveSlot
	}
	return event
}
