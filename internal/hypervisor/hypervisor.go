// Package hypervisor is the authenticated abstraction over the Proxmox VE
// API used by the provisioner and the lifecycle controller.
package hypervisor

import (
	"context"
	"time"

	"pvefleet/internal/fleet"
)

// CloneSpec describes one clone of a template.
type CloneSpec struct {
	TemplateID int
	NewID      int
	Name       string
	// Node is the node the clone is placed on.
	Node    string
	Storage string
	Full    bool
	Timeout time.Duration
}

// VMSummary is one entry of the cluster-wide guest inventory.
type VMSummary struct {
	ID       int    `json:"vmid"`
	Name     string `json:"name"`
	Node     string `json:"node"`
	Status   string `json:"status"`
	Type     string `json:"type"`
	Template int    `json:"template"`
}

// IsTemplate reports whether the guest is a template.
func (v VMSummary) IsTemplate() bool { return v.Template == 1 }

// VMStatus is the current runtime status of a guest.
type VMStatus struct {
	State fleet.VMState
	// Raw is the hypervisor's own status string.
	Raw       string
	Name      string
	Uptime    time.Duration
	CPUs      int
	MaxMemory int64
}

// Hypervisor is the set of calls the fleet needs from a cluster.
// Mutating calls block until the hypervisor task finishes or timeout elapses.
type Hypervisor interface {
	ListVMs(ctx context.Context) ([]VMSummary, error)
	CloneVM(ctx context.Context, spec CloneSpec) error
	ConfigureVM(ctx context.Context, id int, node string, cores, memoryMB int) error
	StartVM(ctx context.Context, id int, node string, timeout time.Duration) error
	// ShutdownVM asks the guest OS to power off.
	ShutdownVM(ctx context.Context, id int, node string, timeout time.Duration) error
	// StopVM powers the guest off immediately.
	StopVM(ctx context.Context, id int, node string, timeout time.Duration) error
	GetStatus(ctx context.Context, id int, node string) (VMStatus, error)
}

// IDSet indexes a guest list by id.
func IDSet(vms []VMSummary) map[int]VMSummary {
	set := make(map[int]VMSummary, len(vms))
	for _, vm := range vms {
		set[vm.ID] = vm
	}
	return set
}

func stateFromStatus(status string) fleet.VMState {
	switch status {
	case "running", "paused", "suspended":
		return fleet.StateRunning
	case "stopped":
		return fleet.StateStopped
	default:
		return fleet.StateError
	}
}
