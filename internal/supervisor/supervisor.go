// Package supervisor starts, stops and inspects one application instance.
package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/internal/executor"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// ErrNotResumable is returned when an instance cannot be started again without a redeploy
var ErrNotResumable = errors.New("Start command is unavailable for this runtime. Redeploy instead.")

// State is the observed run state of an instance
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

// Spec describes one instance to bring up
type Spec struct {
	Name    string
	WorkDir string
	Env     map[string]string

	// managed runtime
	Binary string
	Args   []string

	// container runtime
	Image          string
	DockerfilePath string
	BuildContext   string
	HostPort       int
	ContainerPort  int

	OnLine func(executor.Stream, string)
}

// Supervisor manages instances by service name
type Supervisor interface {
	// Start replaces any running instance of spec.Name with a fresh one
	Start(ctx context.Context, spec Spec) error
	// Resume starts an existing, stopped instance without rebuilding
	Resume(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (State, error)
	// Remove stops the instance and deletes what Start materialized
	Remove(ctx context.Context, name string) error
}

// ServiceName names the instance of a deployment slot
func ServiceName(prefix string, deploymentID uuid.UUID, slot models.Slot) string {
	if prefix == "" {
		prefix = "deployctl"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, deploymentID, slot)
}

// ImageTag names the image built for a deployment slot
func ImageTag(prefix string, deploymentID uuid.UUID, slot models.Slot) string {
	if prefix == "" {
		prefix = "deployctl"
	}
	return fmt.Sprintf("%s/%s:%s", prefix, deploymentID, slot)
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for key, value := range env {
		out[key] = value
	}
	return out
}
