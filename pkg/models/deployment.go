package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is wrapped by lookups of records that do not exist, on both
// sides of the agent protocol
var ErrNotFound = errors.New("not found")

// DeploymentStatus represents the lifecycle state of a deployment
type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "pending"
	StatusDeploying  DeploymentStatus = "deploying"
	StatusRestarting DeploymentStatus = "restarting"
	StatusRunning    DeploymentStatus = "running"
	StatusInactive   DeploymentStatus = "inactive"
	StatusFailed     DeploymentStatus = "failed"
	StatusDeleted    DeploymentStatus = "deleted"
)

// Slot is one of the two parallel instance identities of a deployment
type Slot string

const (
	SlotBlue  Slot = "blue"
	SlotGreen Slot = "green"
)

// Valid reports whether s names a slot
func (s Slot) Valid() bool {
	return s == SlotBlue || s == SlotGreen
}

// Other returns the complementary slot
func (s Slot) Other() Slot {
	if s == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// VersionStatus marks whether a version receives traffic for its slot
type VersionStatus string

const (
	VersionActive   VersionStatus = "active"
	VersionInactive VersionStatus = "inactive"
)

// DeploymentSpec is the subset of a deployment that orchestration operations read
type DeploymentSpec struct {
	ID               uuid.UUID        `json:"id"`
	Name             string           `json:"name"`
	Repository       string           `json:"repository"`
	Branch           string           `json:"branch"`
	Status           DeploymentStatus `json:"status"`
	BlueGreenEnabled bool             `json:"blue_green_enabled"`
	ActiveSlot       Slot             `json:"active_slot,omitempty"`
	Dockerized       bool             `json:"dockerized"`
	DockerfilePath   string           `json:"dockerfile_path"`
	BuildContext     string           `json:"build_context"`
	NodeID           *uuid.UUID       `json:"node_id,omitempty"`
}

// NodeConnection carries SSH credentials for a directly reachable node.
// It is never serialized.
type NodeConnection struct {
	ID         uuid.UUID
	Name       string
	Host       string
	Port       int
	User       string
	PrivateKey string
}

// DeploymentContext is everything needed to run an operation for one deployment
type DeploymentContext struct {
	Deployment  DeploymentSpec    `json:"deployment"`
	Environment map[string]string `json:"environment"`
	Domains     []string          `json:"domains"`
	SourceToken string            `json:"source_token,omitempty"`
	Node        *NodeConnection   `json:"-"`
}

// VersionRecord describes one build/run outcome tied to a slot
type VersionRecord struct {
	ID           uuid.UUID     `json:"id,omitempty"`
	Slot         Slot          `json:"slot"`
	CommitSHA    string        `json:"commit_sha,omitempty"`
	Status       VersionStatus `json:"status"`
	Port         int           `json:"port"`
	Dockerized   bool          `json:"dockerized"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
}

// StatusPatch is a partial update of a deployment's lifecycle fields
type StatusPatch struct {
	Status     *DeploymentStatus `json:"status,omitempty"`
	ActiveSlot *Slot             `json:"active_slot,omitempty"`
	Dockerized *bool             `json:"dockerized,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p StatusPatch) Empty() bool {
	return p.Status == nil && p.ActiveSlot == nil && p.Dockerized == nil
}

// PatchStatus builds a patch that only sets the status
func PatchStatus(status DeploymentStatus) StatusPatch {
	return StatusPatch{Status: &status}
}
