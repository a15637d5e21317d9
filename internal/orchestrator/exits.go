package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/internal/supervisor"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// WatchExits consumes exit events of locally supervised processes until ctx
// is done. An unexpected exit of the active slot marks the deployment
// inactive (clean exit) or failed.
func (o *Orchestrator) WatchExits(ctx context.Context, exits <-chan supervisor.ExitEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-exits:
			if !ok {
				return
			}
			if err := o.HandleExit(ctx, event); err != nil {
				o.logger.Error().Err(err).Str("service", event.Name).Msg("Failed to handle process exit")
			}
		}
	}
}

// HandleExit applies one exit event
func (o *Orchestrator) HandleExit(ctx context.Context, event supervisor.ExitEvent) error {
	if event.Expected {
		return nil
	}

	deploymentID, slot, ok := ParseServiceName(o.settings.ServicePrefix, event.Name)
	if !ok {
		o.logger.Warn().Str("service", event.Name).Msg("Exit of unknown service")
		return nil
	}

	dctx, err := o.store.LoadContext(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	if dctx.Deployment.ActiveSlot != slot {
		// a replaced or never activated slot
		o.logger.Debug().Str("service", event.Name).Int("exit_code", event.ExitCode).Msg("Ignoring exit of inactive slot")
		return nil
	}

	log := o.Logger(Op{DeploymentID: deploymentID})
	details := Details("service", event.Name, "exitCode", event.ExitCode)

	if !event.Crashed() {
		log.Info(ctx, "Local runtime stopped", details)
		return o.patch(ctx, deploymentID, models.PatchStatus(models.StatusInactive))
	}

	log.Error(ctx, fmt.Sprintf("Local runtime crashed (exit code %d)", event.ExitCode), nil, details)
	return o.patch(ctx, deploymentID, models.PatchStatus(models.StatusFailed))
}

// ParseServiceName recovers the deployment and slot from a service name
func ParseServiceName(prefix, name string) (uuid.UUID, models.Slot, bool) {
	if prefix == "" {
		prefix = "deployctl"
	}

	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return uuid.Nil, "", false
	}
	idx := strings.LastIndex(rest, "-")
	if idx < 0 {
		return uuid.Nil, "", false
	}

	slot := models.Slot(rest[idx+1:])
	if !slot.Valid() {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(rest[:idx])
	if err != nil {
		return uuid.Nil, "", false
	}
	return id, slot, true
}
