package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/internal/supervisor"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// Runtime states reported by RuntimeStatus
const (
	RuntimeRunning  = "running"
	RuntimeStopped  = "stopped"
	RuntimeInactive = "inactive"
	RuntimeUnknown  = "unknown"
)

// RuntimeStatus is the observed state of a deployment's active instance
type RuntimeStatus struct {
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
	Service string `json:"service,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RuntimeStatus inspects the active slot's instance. Deployments executed by
// an agent are reported as unknown; the agent is the only one that can look.
func (o *Orchestrator) RuntimeStatus(ctx context.Context, deploymentID uuid.UUID) (*RuntimeStatus, error) {
	dctx, err := o.store.LoadContext(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	spec := dctx.Deployment

	if !spec.ActiveSlot.Valid() {
		return &RuntimeStatus{State: RuntimeInactive, Reason: "no_active_slot"}, nil
	}
	if spec.NodeID != nil && dctx.Node == nil {
		return &RuntimeStatus{State: RuntimeUnknown, Reason: "remote_node"}, nil
	}

	name := supervisor.ServiceName(o.settings.ServicePrefix, spec.ID, spec.ActiveSlot)

	// status probes stay out of the deployment log
	quiet := NewDeploymentLogger(discardSink{}, spec.ID, "", o.logger)
	target, err := o.targets.Resolve(ctx, dctx, quiet)
	if err != nil {
		return &RuntimeStatus{State: RuntimeUnknown, Reason: "status_check_failed", Service: name, Error: err.Error()}, nil
	}
	defer target.Close()

	state, err := target.Supervisor(spec.Dockerized).Status(ctx, name)
	if err != nil {
		return &RuntimeStatus{State: RuntimeUnknown, Reason: "status_check_failed", Service: name, Error: err.Error()}, nil
	}

	switch state {
	case supervisor.StateRunning:
		return &RuntimeStatus{State: RuntimeRunning, Service: name}, nil
	case supervisor.StateStopped:
		return &RuntimeStatus{State: RuntimeStopped, Service: name}, nil
	}
	return &RuntimeStatus{State: RuntimeUnknown, Reason: "status_unavailable", Service: name}, nil
}

type discardSink struct{}

func (discardSink) AppendLog(context.Context, uuid.UUID, models.LogLevel, string, map[string]any) error {
	return nil
}
