package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Node statuses
const (
	NodePending         = "pending"
	NodeAwaitingPairing = "awaiting_pairing"
	NodeActive          = "active"
)

// Node modes
const (
	NodeModeSSH   = "ssh"
	NodeModeAgent = "agent"
)

// CreateNode inserts a node
func (r *Repository) CreateNode(ctx context.Context, node *Node) error {
	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	if node.Status == "" {
		node.Status = NodePending
	}

	if err := r.db.WithContext(ctx).Create(node).Error; err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	return nil
}

// GetNode retrieves a node by ID
func (r *Repository) GetNode(ctx context.Context, id uuid.UUID) (*Node, error) {
	return r.findNode(ctx, "id = ?", id)
}

// FindNodeByAPITokenHash authenticates an agent
func (r *Repository) FindNodeByAPITokenHash(ctx context.Context, hash string) (*Node, error) {
	if hash == "" {
		return nil, fmt.Errorf("node: %w", ErrNotFound)
	}
	return r.findNode(ctx, "api_token_hash = ?", hash)
}

// FindNodeByInstallTokenHash looks up a node awaiting registration
func (r *Repository) FindNodeByInstallTokenHash(ctx context.Context, hash string) (*Node, error) {
	if hash == "" {
		return nil, fmt.Errorf("node: %w", ErrNotFound)
	}
	return r.findNode(ctx, "install_token_hash = ?", hash)
}

func (r *Repository) findNode(ctx context.Context, query string, args ...interface{}) (*Node, error) {
	var node Node

	if err := r.db.WithContext(ctx).Where(query, args...).Take(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("node: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	return &node, nil
}

// ListNodes returns all nodes, newest first
func (r *Repository) ListNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node

	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	return nodes, nil
}

// UpdateNode applies column updates to a node
func (r *Repository) UpdateNode(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&Node{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update node: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	return nil
}

// TouchNode records a heartbeat and merges metadata into the stored document
func (r *Repository) TouchNode(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node Node
		if err := tx.Select("id", "metadata").Take(&node, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("node %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("failed to get node: %w", err)
		}

		merged := map[string]any{}
		if node.Metadata != "" {
			if err := json.Unmarshal([]byte(node.Metadata), &merged); err != nil {
				merged = map[string]any{}
			}
		}
		for key, value := range metadata {
			merged[key] = value
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to encode node metadata: %w", err)
		}

		if err := tx.Model(&Node{}).Where("id = ?", id).Updates(map[string]interface{}{
			"metadata":  string(encoded),
			"last_seen": time.Now(),
		}).Error; err != nil {
			return fmt.Errorf("failed to touch node: %w", err)
		}
		return nil
	})
}

// DeleteNode removes a node that no deployment references
func (r *Repository) DeleteNode(ctx context.Context, id uuid.UUID) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Deployment{}).Where("node_id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check node usage: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("node %s still hosts %d deployment(s)", id, count)
	}

	if err := r.db.WithContext(ctx).Delete(&Node{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}

	return nil
}
