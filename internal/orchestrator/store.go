package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

// Store is the persistence surface operations run against. The control plane
// implements it over the database; the agent implements it over HTTP.
type Store interface {
	LogSink
	LoadContext(ctx context.Context, deploymentID uuid.UUID) (*models.DeploymentContext, error)
	UpdateStatus(ctx context.Context, deploymentID uuid.UUID, patch models.StatusPatch) error
	RecordVersion(ctx context.Context, deploymentID uuid.UUID, record models.VersionRecord) (uuid.UUID, error)
	ActivateVersion(ctx context.Context, deploymentID, versionID uuid.UUID) error
}
