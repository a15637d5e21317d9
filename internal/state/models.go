package state

import (
	"time"

	"github.com/google/uuid"
)

// Deployment is a named application bound to one repository/branch
type Deployment struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OwnerID          string     `gorm:"index"`
	Name             string     `gorm:"not null"`
	Repository       string     `gorm:"not null"`
	Branch           string     `gorm:"not null"`
	BlueGreenEnabled bool       `gorm:"not null;default:false"`
	Status           string     `gorm:"not null;index"`
	ActiveSlot       string     `gorm:"size:8"`
	Dockerized       bool       `gorm:"not null;default:false"`
	DockerfilePath   string     `gorm:"not null"`
	BuildContext     string     `gorm:"not null"`
	NodeID           *uuid.UUID `gorm:"type:uuid;index"`
	SourceToken      string     `gorm:"type:text"` // encrypted
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Relationships
	Node      *Node                 `gorm:"foreignKey:NodeID"`
	Versions  []DeploymentVersion   `gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE"`
	Domains   []Domain              `gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE"`
	Variables []EnvironmentVariable `gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE"`
	Logs      []DeploymentLog       `gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE"`
}

// DeploymentVersion is one build/run attempt, the unit of rollback
type DeploymentVersion struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeploymentID uuid.UUID `gorm:"type:uuid;not null;index:idx_versions_slot"`
	Slot         string    `gorm:"size:8;not null;index:idx_versions_slot"`
	CommitSHA    string
	Status       string `gorm:"not null;index"`
	Port         int    `gorm:"not null"`
	Dockerized   bool   `gorm:"not null;default:false"`
	ArtifactPath string
	CreatedAt    time.Time `gorm:"index"`
}

// Task is one unit of orchestration work. Rows are never deleted.
type Task struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Type         string     `gorm:"not null;index"`
	Payload      string     `gorm:"type:text;not null"`
	DeploymentID *uuid.UUID `gorm:"type:uuid;index"`
	NodeID       *uuid.UUID `gorm:"type:uuid;index"`
	Status       string     `gorm:"not null;index"`
	ReservedBy   string
	Error        string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Node is a remote execution target
type Node struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID          string    `gorm:"index"`
	Name             string    `gorm:"not null"`
	Mode             string    `gorm:"not null"`
	Status           string    `gorm:"not null"`
	Host             string
	Port             int
	User             string
	PrivateKey       string `gorm:"type:text"` // encrypted
	InstallTokenHash string `gorm:"index"`
	APITokenHash     string `gorm:"index"`
	PairingCodeHash  string
	Metadata         string `gorm:"type:text"`
	LastSeen         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Domain is a hostname routed to a deployment's active slot
type Domain struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeploymentID uuid.UUID `gorm:"type:uuid;not null;index"`
	Hostname     string    `gorm:"not null;uniqueIndex"`
	Verified     bool      `gorm:"not null;default:false"`
	TLSStatus    string
	CreatedAt    time.Time
}

// EnvironmentVariable is a per-deployment key with an encrypted value
type EnvironmentVariable struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeploymentID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_env_key"`
	Key          string    `gorm:"not null;uniqueIndex:idx_env_key"`
	Value        string    `gorm:"type:text;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeploymentLog is one line of a deployment's log stream
type DeploymentLog struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeploymentID uuid.UUID `gorm:"type:uuid;not null;index"`
	Level        string    `gorm:"not null"`
	Message      string    `gorm:"type:text;not null"`
	Metadata     string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index"`
}

// Models lists every table in migration order
func Models() []interface{} {
	return []interface{}{
		&Node{},
		&Deployment{},
		&DeploymentVersion{},
		&Task{},
		&Domain{},
		&EnvironmentVariable{},
		&DeploymentLog{},
	}
}
