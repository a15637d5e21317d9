package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

// ErrNotFound is wrapped by every lookup that finds no row
var ErrNotFound = models.ErrNotFound

// Repository provides database operations for deployments and their children
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new state repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for health checks
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// CreateDeployment creates a new deployment record in pending state
func (r *Repository) CreateDeployment(ctx context.Context, deployment *Deployment) error {
	if deployment.ID == uuid.Nil {
		deployment.ID = uuid.New()
	}
	if deployment.Status == "" {
		deployment.Status = string(models.StatusPending)
	}
	if deployment.DockerfilePath == "" {
		deployment.DockerfilePath = "Dockerfile"
	}
	if deployment.BuildContext == "" {
		deployment.BuildContext = "."
	}

	if err := r.db.WithContext(ctx).Create(deployment).Error; err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}

	return nil
}

// GetDeployment retrieves a deployment by ID
func (r *Repository) GetDeployment(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	var deployment Deployment

	if err := r.db.WithContext(ctx).First(&deployment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	return &deployment, nil
}

// ListDeployments retrieves deployments, newest first
func (r *Repository) ListDeployments(ctx context.Context, limit, offset int) ([]Deployment, error) {
	var deployments []Deployment

	query := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset)

	if err := query.Find(&deployments).Error; err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	return deployments, nil
}

// ListDeploymentsExcluding returns deployments whose status is not in statuses
func (r *Repository) ListDeploymentsExcluding(ctx context.Context, statuses ...models.DeploymentStatus) ([]Deployment, error) {
	var deployments []Deployment

	query := r.db.WithContext(ctx).Order("created_at ASC")
	if len(statuses) > 0 {
		excluded := make([]string, 0, len(statuses))
		for _, status := range statuses {
			excluded = append(excluded, string(status))
		}
		query = query.Where("status NOT IN ?", excluded)
	}

	if err := query.Find(&deployments).Error; err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	return deployments, nil
}

// PatchDeployment applies a partial lifecycle update
func (r *Repository) PatchDeployment(ctx context.Context, id uuid.UUID, patch models.StatusPatch) error {
	if patch.Empty() {
		return nil
	}

	updates := map[string]interface{}{}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.ActiveSlot != nil {
		updates["active_slot"] = string(*patch.ActiveSlot)
	}
	if patch.Dockerized != nil {
		updates["dockerized"] = *patch.Dockerized
	}

	result := r.db.WithContext(ctx).
		Model(&Deployment{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update deployment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpdateDeployment applies operator settings (branch, blue/green, build paths,
// node binding) to a deployment
func (r *Repository) UpdateDeployment(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).Model(&Deployment{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update deployment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpdateDeploymentStatus updates only the status of a deployment
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus) error {
	return r.PatchDeployment(ctx, id, models.PatchStatus(status))
}

// PurgeDeployment deletes a deployment and everything it owns. Tasks are kept.
func (r *Repository) PurgeDeployment(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&DeploymentVersion{}, &Domain{}, &EnvironmentVariable{}, &DeploymentLog{}} {
			if err := tx.Where("deployment_id = ?", id).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to delete deployment children: %w", err)
			}
		}
		if err := tx.Delete(&Deployment{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete deployment: %w", err)
		}
		return nil
	})
}

// RecordVersion inserts a version. An active version deactivates the other
// active versions of the same (deployment, slot) in the same transaction.
func (r *Repository) RecordVersion(ctx context.Context, version *DeploymentVersion) error {
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}
	if version.Status == "" {
		version.Status = string(models.VersionActive)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if version.Status == string(models.VersionActive) {
			if err := deactivateSlot(tx, version.DeploymentID, version.Slot); err != nil {
				return err
			}
		}
		if err := tx.Create(version).Error; err != nil {
			return fmt.Errorf("failed to record version: %w", err)
		}
		return nil
	})
}

// ActivateVersion marks an existing version active for its slot
func (r *Repository) ActivateVersion(ctx context.Context, deploymentID, versionID uuid.UUID) (*DeploymentVersion, error) {
	var version DeploymentVersion

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&version, "id = ? AND deployment_id = ?", versionID, deploymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("version %s: %w", versionID, ErrNotFound)
			}
			return fmt.Errorf("failed to get version: %w", err)
		}
		if err := deactivateSlot(tx, deploymentID, version.Slot); err != nil {
			return err
		}
		if err := tx.Model(&version).Update("status", string(models.VersionActive)).Error; err != nil {
			return fmt.Errorf("failed to activate version: %w", err)
		}
		version.Status = string(models.VersionActive)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &version, nil
}

func deactivateSlot(tx *gorm.DB, deploymentID uuid.UUID, slot string) error {
	if err := tx.Model(&DeploymentVersion{}).
		Where("deployment_id = ? AND slot = ? AND status = ?", deploymentID, slot, string(models.VersionActive)).
		Update("status", string(models.VersionInactive)).Error; err != nil {
		return fmt.Errorf("failed to deactivate versions: %w", err)
	}
	return nil
}

// ListVersions returns the most recent versions of a deployment
func (r *Repository) ListVersions(ctx context.Context, deploymentID uuid.UUID, limit int) ([]DeploymentVersion, error) {
	var versions []DeploymentVersion

	if err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	return versions, nil
}

// GetVersion retrieves one version of a deployment
func (r *Repository) GetVersion(ctx context.Context, deploymentID, versionID uuid.UUID) (*DeploymentVersion, error) {
	var version DeploymentVersion

	if err := r.db.WithContext(ctx).
		First(&version, "id = ? AND deployment_id = ?", versionID, deploymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	return &version, nil
}

// AddDomain binds a hostname to a deployment
func (r *Repository) AddDomain(ctx context.Context, domain *Domain) error {
	if domain.ID == uuid.Nil {
		domain.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(domain).Error; err != nil {
		return fmt.Errorf("failed to add domain: %w", err)
	}

	return nil
}

// ListDomains returns the hostnames bound to a deployment, oldest first
func (r *Repository) ListDomains(ctx context.Context, deploymentID uuid.UUID) ([]Domain, error) {
	var domains []Domain

	if err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at ASC").
		Find(&domains).Error; err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	return domains, nil
}

// DeleteDomain unbinds a hostname
func (r *Repository) DeleteDomain(ctx context.Context, deploymentID uuid.UUID, hostname string) error {
	if err := r.db.WithContext(ctx).
		Where("deployment_id = ? AND hostname = ?", deploymentID, hostname).
		Delete(&Domain{}).Error; err != nil {
		return fmt.Errorf("failed to delete domain: %w", err)
	}

	return nil
}

// UpsertVariable stores an already encrypted environment value
func (r *Repository) UpsertVariable(ctx context.Context, variable *EnvironmentVariable) error {
	if variable.ID == uuid.Nil {
		variable.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "deployment_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(variable).Error; err != nil {
		return fmt.Errorf("failed to store environment variable: %w", err)
	}

	return nil
}

// ListVariables returns the encrypted environment of a deployment
func (r *Repository) ListVariables(ctx context.Context, deploymentID uuid.UUID) ([]EnvironmentVariable, error) {
	var variables []EnvironmentVariable

	if err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("key ASC").
		Find(&variables).Error; err != nil {
		return nil, fmt.Errorf("failed to list environment variables: %w", err)
	}

	return variables, nil
}

// DeleteVariable removes one environment key
func (r *Repository) DeleteVariable(ctx context.Context, deploymentID uuid.UUID, key string) error {
	if err := r.db.WithContext(ctx).
		Where("deployment_id = ? AND key = ?", deploymentID, key).
		Delete(&EnvironmentVariable{}).Error; err != nil {
		return fmt.Errorf("failed to delete environment variable: %w", err)
	}

	return nil
}

// AppendLog inserts a log line. A deployment deleted concurrently makes this a no-op.
func (r *Repository) AppendLog(ctx context.Context, deploymentID uuid.UUID, level models.LogLevel, message string, meta map[string]any) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&Deployment{}).
		Where("id = ?", deploymentID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check deployment: %w", err)
	}
	if count == 0 {
		return nil
	}

	var metadata string
	if len(meta) > 0 {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode log metadata: %w", err)
		}
		metadata = string(encoded)
	}

	entry := &DeploymentLog{
		ID:           uuid.New(),
		DeploymentID: deploymentID,
		Level:        string(level),
		Message:      message,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	}

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return nil
		}
		return fmt.Errorf("failed to append deployment log: %w", err)
	}

	return nil
}

// RecentLogs returns the newest log lines of a deployment, newest first
func (r *Repository) RecentLogs(ctx context.Context, deploymentID uuid.UUID, limit int) ([]DeploymentLog, error) {
	var logs []DeploymentLog

	if err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list deployment logs: %w", err)
	}

	return logs, nil
}

// PruneLogs deletes log lines older than before
func (r *Repository) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&DeploymentLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune deployment logs: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// CountDeploymentsByStatus returns the number of deployments in each status
func (r *Repository) CountDeploymentsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}

	if err := r.db.WithContext(ctx).
		Model(&Deployment{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count deployments: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
