package provisioning

import (
	"fmt"

	"pvefleet/internal/fleet"
)

// PlannedVM is one VM of an allocation plan.
type PlannedVM struct {
	Offset int
	ID     int
	Name   string
}

// Plan is the id and name allocation for a provisioning request.
type Plan struct {
	Request fleet.ProvisioningRequest
	VMs     []PlannedVM
}

// NewPlan allocates ids startingId..startingId+count-1. Names come from the
// offset, not the id, so they always start at <prefix>-001.
func NewPlan(req fleet.ProvisioningRequest, namePrefix string) (Plan, error) {
	if err := req.Validate(); err != nil {
		return Plan{}, err
	}
	if namePrefix == "" {
		return Plan{}, fleet.ConfigurationError("plan provisioning", "name prefix is empty", nil)
	}

	plan := Plan{Request: req, VMs: make([]PlannedVM, req.Count)}
	for i := range req.Count {
		plan.VMs[i] = PlannedVM{
			Offset: i,
			ID:     req.StartingID + i,
			Name:   VMName(namePrefix, i),
		}
	}
	return plan, nil
}

// VMName returns the name for the VM at offset.
func VMName(prefix string, offset int) string {
	return fmt.Sprintf("%s-%03d", prefix, offset+1)
}

// IDs returns the planned ids in order.
func (p Plan) IDs() []int {
	ids := make([]int, len(p.VMs))
	for i, vm := range p.VMs {
		ids[i] = vm.ID
	}
	return ids
}

// Names returns the planned names in order.
func (p Plan) Names() []string {
	names := make([]string, len(p.VMs))
	for i, vm := range p.VMs {
		names[i] = vm.Name
	}
	return names
}
