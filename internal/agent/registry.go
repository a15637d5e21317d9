// Package agent holds the node registry the control plane authenticates
// agents against, and the client remote pollers use to pull work.
package agent

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

var (
	// ErrInvalidToken is returned for unknown install or API tokens
	ErrInvalidToken = errors.New("invalid agent token")

	// ErrNodeInactive is returned when a node that has not been paired calls a task endpoint
	ErrNodeInactive = errors.New("node is not active")

	// ErrInvalidPairingCode is returned when a pairing code does not match
	ErrInvalidPairingCode = errors.New("invalid pairing code")
)

const pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Sealer encrypts secrets before they are stored
type Sealer interface {
	Seal(value string) (string, error)
}

// NewNodeRequest describes a node to create
type NewNodeRequest struct {
	OwnerID string
	Name    string
	Mode    string

	// ssh mode
	Host       string
	Port       int
	User       string
	PrivateKey string
}

// Registry owns node credentials: install tokens, API tokens and pairing codes.
// Only hashes are stored.
type Registry struct {
	repo   *state.Repository
	sealer Sealer
	logger zerolog.Logger
}

// NewRegistry creates a registry
func NewRegistry(repo *state.Repository, sealer Sealer, logger zerolog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		sealer: sealer,
		logger: logger.With().Str("component", "agent-registry").Logger(),
	}
}

// CreateNode stores a node. Agent nodes get a one-time install token, which is
// returned in clear exactly once.
func (r *Registry) CreateNode(ctx context.Context, req NewNodeRequest) (*state.Node, string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, "", errors.New("node name is required")
	}

	node := &state.Node{
		OwnerID: req.OwnerID,
		Name:    req.Name,
		Mode:    req.Mode,
	}

	var installToken string
	switch req.Mode {
	case state.NodeModeAgent:
		token, err := randomToken(32)
		if err != nil {
			return nil, "", err
		}
		installToken = token
		node.InstallTokenHash = HashToken(token)
		node.Status = state.NodePending

	case state.NodeModeSSH:
		if req.Host == "" || req.User == "" || req.PrivateKey == "" {
			return nil, "", errors.New("ssh nodes need a host, a user and a private key")
		}
		key, err := r.sealer.Seal(req.PrivateKey)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encrypt private key: %w", err)
		}
		node.Host = req.Host
		node.Port = req.Port
		if node.Port == 0 {
			node.Port = 22
		}
		node.User = req.User
		node.PrivateKey = key
		node.Status = state.NodeActive

	default:
		return nil, "", fmt.Errorf("unsupported node mode %q", req.Mode)
	}

	if err := r.repo.CreateNode(ctx, node); err != nil {
		return nil, "", err
	}

	r.logger.Info().Str("node_id", node.ID.String()).Str("mode", node.Mode).Msg("Node created")
	return node, installToken, nil
}

// RotateInstallToken issues a fresh install token for an agent node
func (r *Registry) RotateInstallToken(ctx context.Context, nodeID uuid.UUID) (string, error) {
	node, err := r.repo.GetNode(ctx, nodeID)
	if err != nil {
		return "", err
	}
	if node.Mode != state.NodeModeAgent {
		return "", fmt.Errorf("node %s is not an agent node", nodeID)
	}

	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	if err := r.repo.UpdateNode(ctx, nodeID, map[string]interface{}{"install_token_hash": HashToken(token)}); err != nil {
		return "", err
	}
	return token, nil
}

// Register consumes an install token and issues the node's API token and
// pairing code. The node waits for an operator to confirm the pairing code.
func (r *Registry) Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error) {
	node, err := r.repo.FindNodeByInstallTokenHash(ctx, HashToken(req.Token))
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	apiToken, err := randomToken(48)
	if err != nil {
		return nil, err
	}
	pairingCode, err := randomCode(12)
	if err != nil {
		return nil, err
	}
	pairingHash, err := bcrypt.GenerateFromPassword([]byte(pairingCode), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash pairing code: %w", err)
	}

	if err := r.repo.UpdateNode(ctx, node.ID, map[string]interface{}{
		"install_token_hash": "",
		"api_token_hash":     HashToken(apiToken),
		"pairing_code_hash":  string(pairingHash),
		"status":             state.NodeAwaitingPairing,
	}); err != nil {
		return nil, err
	}

	metadata := map[string]any{}
	for key, value := range map[string]string{
		"hostname": req.Hostname,
		"platform": req.Platform,
		"arch":     req.Arch,
		"version":  req.Version,
	} {
		if value != "" {
			metadata[key] = value
		}
	}
	if err := r.repo.TouchNode(ctx, node.ID, metadata); err != nil {
		return nil, err
	}

	r.logger.Info().Str("node_id", node.ID.String()).Str("hostname", req.Hostname).Msg("Agent registered")
	return &models.RegisterResponse{NodeID: node.ID, PairingCode: pairingCode, APIToken: apiToken}, nil
}

// Pair activates a node once the operator confirms its pairing code
func (r *Registry) Pair(ctx context.Context, nodeID uuid.UUID, code string) error {
	node, err := r.repo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.PairingCodeHash == "" {
		return ErrInvalidPairingCode
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if err := bcrypt.CompareHashAndPassword([]byte(node.PairingCodeHash), []byte(code)); err != nil {
		return ErrInvalidPairingCode
	}

	if err := r.repo.UpdateNode(ctx, nodeID, map[string]interface{}{
		"status":            state.NodeActive,
		"pairing_code_hash": "",
	}); err != nil {
		return err
	}

	r.logger.Info().Str("node_id", nodeID.String()).Msg("Node paired")
	return nil
}

// Authenticate resolves an API token. Inactive nodes are only accepted when
// allowInactive is set.
func (r *Registry) Authenticate(ctx context.Context, apiToken string, allowInactive bool) (*state.Node, error) {
	if apiToken == "" {
		return nil, ErrInvalidToken
	}

	node, err := r.repo.FindNodeByAPITokenHash(ctx, HashToken(apiToken))
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if node.Mode != state.NodeModeAgent {
		return nil, ErrInvalidToken
	}
	if !allowInactive && node.Status != state.NodeActive {
		return nil, ErrNodeInactive
	}
	return node, nil
}

// Heartbeat records liveness and merges metadata
func (r *Registry) Heartbeat(ctx context.Context, nodeID uuid.UUID, metadata map[string]any) error {
	return r.repo.TouchNode(ctx, nodeID, metadata)
}

// HashToken is the stored form of an install or API token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	for i, b := range buf {
		buf[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(buf), nil
}
