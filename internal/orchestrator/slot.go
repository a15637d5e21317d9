package orchestrator

import (
	"github.com/google/uuid"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

// portSpread is the number of deployments that get distinct port pairs
const portSpread = 1000

// ComputeSlot returns the slot the next deploy targets. Without blue/green it
// is always blue; otherwise the complement of the active slot, blue when none is active.
func ComputeSlot(spec models.DeploymentSpec) models.Slot {
	if !spec.BlueGreenEnabled {
		return models.SlotBlue
	}
	if !spec.ActiveSlot.Valid() {
		return models.SlotBlue
	}
	return spec.ActiveSlot.Other()
}

// PortFor derives the stable port of a deployment slot: blue takes the first
// port of the deployment's block of four, green the second.
func PortFor(basePort int, deploymentID uuid.UUID, slot models.Slot) int {
	sum := 0
	for _, b := range []byte(deploymentID.String()) {
		sum += int(b)
	}

	port := basePort + (sum%portSpread)*4
	if slot == models.SlotGreen {
		port++
	}
	return port
}

// Slots lists the slots a deployment may occupy
func Slots(spec models.DeploymentSpec) []models.Slot {
	if spec.BlueGreenEnabled {
		return []models.Slot{models.SlotBlue, models.SlotGreen}
	}
	return []models.Slot{models.SlotBlue}
}
