package state

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/pkg/crypto"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is the database-backed view of a deployment used by orchestration
// operations. Secrets are decrypted only here, on the way into a DeploymentContext.
type Store struct {
	repo   *Repository
	cipher *crypto.Cipher
}

// NewStore creates a Store. cipher may be nil when no secrets are stored.
func NewStore(repo *Repository, cipher *crypto.Cipher) *Store {
	return &Store{repo: repo, cipher: cipher}
}

// Repository returns the underlying repository
func (s *Store) Repository() *Repository {
	return s.repo
}

// LoadContext reads a fresh snapshot of a deployment and everything needed to operate on it
func (s *Store) LoadContext(ctx context.Context, deploymentID uuid.UUID) (*models.DeploymentContext, error) {
	deployment, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	variables, err := s.repo.ListVariables(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	environment := make(map[string]string, len(variables))
	for _, variable := range variables {
		value, err := s.open(variable.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", variable.Key, err)
		}
		environment[variable.Key] = value
	}

	domains, err := s.repo.ListDomains(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	hostnames := make([]string, 0, len(domains))
	for _, domain := range domains {
		hostnames = append(hostnames, domain.Hostname)
	}

	token, err := s.open(deployment.SourceToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt source token: %w", err)
	}

	dctx := &models.DeploymentContext{
		Deployment:  ToSpec(deployment),
		Environment: environment,
		Domains:     hostnames,
		SourceToken: token,
	}

	if deployment.NodeID != nil {
		node, err := s.repo.GetNode(ctx, *deployment.NodeID)
		if err != nil {
			return nil, err
		}
		if node.Mode == NodeModeSSH {
			key, err := s.open(node.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt node key: %w", err)
			}
			dctx.Node = &models.NodeConnection{
				ID:         node.ID,
				Name:       node.Name,
				Host:       node.Host,
				Port:       node.Port,
				User:       node.User,
				PrivateKey: key,
			}
		}
	}

	return dctx, nil
}

// UpdateStatus applies a lifecycle patch
func (s *Store) UpdateStatus(ctx context.Context, deploymentID uuid.UUID, patch models.StatusPatch) error {
	return s.repo.PatchDeployment(ctx, deploymentID, patch)
}

// RecordVersion stores a new version for the deployment
func (s *Store) RecordVersion(ctx context.Context, deploymentID uuid.UUID, record models.VersionRecord) (uuid.UUID, error) {
	version := &DeploymentVersion{
		ID:           record.ID,
		DeploymentID: deploymentID,
		Slot:         string(record.Slot),
		CommitSHA:    record.CommitSHA,
		Status:       string(record.Status),
		Port:         record.Port,
		Dockerized:   record.Dockerized,
		ArtifactPath: record.ArtifactPath,
	}
	if err := s.repo.RecordVersion(ctx, version); err != nil {
		return uuid.Nil, err
	}
	return version.ID, nil
}

// ActivateVersion marks a recorded version active for its slot
func (s *Store) ActivateVersion(ctx context.Context, deploymentID, versionID uuid.UUID) error {
	_, err := s.repo.ActivateVersion(ctx, deploymentID, versionID)
	return err
}

// AppendLog writes to the deployment log stream
func (s *Store) AppendLog(ctx context.Context, deploymentID uuid.UUID, level models.LogLevel, message string, meta map[string]any) error {
	return s.repo.AppendLog(ctx, deploymentID, level, message, meta)
}

// SetVariable encrypts and stores one environment value
func (s *Store) SetVariable(ctx context.Context, deploymentID uuid.UUID, key, value string) error {
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid environment key %q", key)
	}
	if _, err := s.repo.GetDeployment(ctx, deploymentID); err != nil {
		return err
	}

	sealed, err := s.Seal(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	return s.repo.UpsertVariable(ctx, &EnvironmentVariable{
		DeploymentID: deploymentID,
		Key:          key,
		Value:        sealed,
	})
}

// Seal encrypts a secret for storage
func (s *Store) Seal(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if s.cipher == nil {
		return "", crypto.ErrNoKey
	}
	return s.cipher.Encrypt(value)
}

func (s *Store) open(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if s.cipher == nil {
		return "", crypto.ErrNoKey
	}
	return s.cipher.Decrypt(value)
}

// ToSpec converts a row to the wire spec
func ToSpec(d *Deployment) models.DeploymentSpec {
	return models.DeploymentSpec{
		ID:               d.ID,
		Name:             d.Name,
		Repository:       d.Repository,
		Branch:           d.Branch,
		Status:           models.DeploymentStatus(d.Status),
		BlueGreenEnabled: d.BlueGreenEnabled,
		ActiveSlot:       models.Slot(d.ActiveSlot),
		Dockerized:       d.Dockerized,
		DockerfilePath:   d.DockerfilePath,
		BuildContext:     d.BuildContext,
		NodeID:           d.NodeID,
	}
}

// ToVersionRecord converts a version row to its wire form
func ToVersionRecord(v *DeploymentVersion) models.VersionRecord {
	return models.VersionRecord{
		ID:           v.ID,
		Slot:         models.Slot(v.Slot),
		CommitSHA:    v.CommitSHA,
		Status:       models.VersionStatus(v.Status),
		Port:         v.Port,
		Dockerized:   v.Dockerized,
		ArtifactPath: v.ArtifactPath,
		CreatedAt:    v.CreatedAt,
	}
}
