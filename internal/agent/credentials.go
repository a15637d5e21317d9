package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

// Credentials are what an agent keeps between restarts
type Credentials struct {
	NodeID   uuid.UUID `json:"node_id"`
	APIToken string    `json:"api_token"`

	// PairingCode is only set right after registration
	PairingCode string `json:"-"`
}

// LoadCredentials reads the state file. A missing file returns os.ErrNotExist.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse agent state %s: %w", path, err)
	}
	if creds.APIToken == "" {
		return nil, fmt.Errorf("agent state %s has no api token", path)
	}
	return &creds, nil
}

// SaveCredentials writes the state file readable by the owner only
func SaveCredentials(path string, creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write agent state: %w", err)
	}
	return os.Rename(tmp, path)
}

// BootstrapOptions says where an agent finds or obtains its credentials
type BootstrapOptions struct {
	// Token skips registration when set
	Token        string
	InstallToken string
	StateFile    string
	Version      string
}

// Bootstrap returns the agent's API token: the configured one, the one in the
// state file, or a fresh one obtained by registering with the install token.
// After a fresh registration the pairing code is logged; the node stays
// inactive until an operator enters it.
func Bootstrap(ctx context.Context, client *Client, opts BootstrapOptions, logger zerolog.Logger) (*Credentials, error) {
	if opts.Token != "" {
		return &Credentials{APIToken: opts.Token}, nil
	}

	creds, err := LoadCredentials(opts.StateFile)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if opts.InstallToken == "" {
		return nil, errors.New("agent is not registered and no install token is configured")
	}

	response, err := client.Register(ctx, models.RegisterRequest{
		Token:    opts.InstallToken,
		Hostname: hostname(),
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  opts.Version,
	})
	if err != nil {
		return nil, err
	}

	creds = &Credentials{NodeID: response.NodeID, APIToken: response.APIToken, PairingCode: response.PairingCode}
	if err := SaveCredentials(opts.StateFile, creds); err != nil {
		return nil, err
	}

	logger.Info().
		Str("node_id", response.NodeID.String()).
		Str("pairing_code", response.PairingCode).
		Msg("Agent registered; enter the pairing code on the control plane to activate this node")

	return creds, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
