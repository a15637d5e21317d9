package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

var (
	// ErrUnknownTaskType is returned for a task type outside the closed set
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrAlreadyQueued is returned when a conflicting task is already pending or running
	ErrAlreadyQueued = errors.New("a deployment task is already queued for this deployment")

	// ErrInvalidPayload is returned when a payload does not fit its task type
	ErrInvalidPayload = errors.New("invalid task payload")
)

// Payload is the type-specific body of a task. Every payload targets one deployment.
type Payload interface {
	Target() uuid.UUID
}

// DeploymentPayload is used by start, stop and cleanup
type DeploymentPayload struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
}

// Target returns the deployment the task operates on
func (p DeploymentPayload) Target() uuid.UUID { return p.DeploymentID }

// DeployPayload is used by deploy and restart
type DeployPayload struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	CommitSHA    string    `json:"commit_sha,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Target returns the deployment the task operates on
func (p DeployPayload) Target() uuid.UUID { return p.DeploymentID }

// RollbackPayload carries the full target version so execution needs no lookup
type RollbackPayload struct {
	DeploymentID uuid.UUID            `json:"deployment_id"`
	Version      models.VersionRecord `json:"version"`
}

// Target returns the deployment the task operates on
func (p RollbackPayload) Target() uuid.UUID { return p.DeploymentID }

// NewPayload builds the payload for every task type except rollback, which
// needs a version record (see Queue.SubmitRollback)
func NewPayload(taskType models.TaskType, deploymentID uuid.UUID, commitSHA, reason string) (Payload, error) {
	switch taskType {
	case models.TaskDeploy, models.TaskRestart:
		return DeployPayload{DeploymentID: deploymentID, CommitSHA: commitSHA, Reason: reason}, nil
	case models.TaskStart, models.TaskStop, models.TaskCleanup:
		return DeploymentPayload{DeploymentID: deploymentID}, nil
	case models.TaskRollback:
		return nil, fmt.Errorf("%w: rollback needs a version", ErrInvalidPayload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
}

// checkPayload verifies that payload is the variant taskType expects
func checkPayload(taskType models.TaskType, payload Payload) error {
	if payload == nil || payload.Target() == uuid.Nil {
		return fmt.Errorf("%w: missing deployment id", ErrInvalidPayload)
	}

	switch taskType {
	case models.TaskDeploy, models.TaskRestart:
		if _, ok := payload.(DeployPayload); !ok {
			return fmt.Errorf("%w: %s expects a deploy payload", ErrInvalidPayload, taskType)
		}
	case models.TaskRollback:
		p, ok := payload.(RollbackPayload)
		if !ok {
			return fmt.Errorf("%w: rollback expects a rollback payload", ErrInvalidPayload)
		}
		if !p.Version.Slot.Valid() || p.Version.Port <= 0 {
			return fmt.Errorf("%w: rollback version needs a slot and a port", ErrInvalidPayload)
		}
	case models.TaskStart, models.TaskStop, models.TaskCleanup:
		if _, ok := payload.(DeploymentPayload); !ok {
			return fmt.Errorf("%w: %s expects a deployment payload", ErrInvalidPayload, taskType)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}

	return nil
}

// DecodePayload parses the raw payload of a task into its typed variant
func DecodePayload(taskType models.TaskType, raw json.RawMessage) (Payload, error) {
	var (
		payload Payload
		err     error
	)

	switch taskType {
	case models.TaskDeploy, models.TaskRestart:
		var p DeployPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case models.TaskRollback:
		var p RollbackPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case models.TaskStart, models.TaskStop, models.TaskCleanup:
		var p DeploymentPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if err := checkPayload(taskType, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// conflictsWith lists the task types that make a new task of taskType redundant
func conflictsWith(taskType models.TaskType) []models.TaskType {
	switch taskType {
	case models.TaskDeploy, models.TaskRestart:
		return []models.TaskType{models.TaskDeploy, models.TaskRestart}
	case models.TaskCleanup:
		return []models.TaskType{models.TaskCleanup}
	}
	return nil
}
