// Package fleet holds the domain model shared by the provisioner and the
// lifecycle controller: VM records, their states and the error taxonomy.
package fleet

import "fmt"

// VMState is the lifecycle state of a managed virtual machine.
type VMState string

const (
	StateUnprovisioned VMState = "Unprovisioned"
	StateCloning       VMState = "Cloning"
	StateStopped       VMState = "Stopped"
	StateStarting      VMState = "Starting"
	StateRunning       VMState = "Running"
	StateStopping      VMState = "Stopping"
	StateError         VMState = "Error"
)

// VirtualMachineRecord describes one VM known to the orchestrator.
type VirtualMachineRecord struct {
	ID          int     `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	TemplateID  int     `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Node        string  `json:"node" yaml:"node"`
	StoragePool string  `json:"storage_pool,omitempty" yaml:"storage_pool,omitempty"`
	Cores       int     `json:"cores,omitempty" yaml:"cores,omitempty"`
	MemoryMB    int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	State       VMState `json:"state" yaml:"state"`
}

// MinVMID is the lowest id Proxmox accepts for guests.
const MinVMID = 100

// MaxVMID is the highest id Proxmox accepts for guests.
const MaxVMID = 999999999

// ProvisioningRequest asks for Count new VMs cloned from TemplateID with
// consecutive ids starting at StartingID.
type ProvisioningRequest struct {
	Count      int
	StartingID int
	TemplateID int
	Node       string
	Storage    string
	// Cores and MemoryMB resize the clones when non-zero.
	Cores    int
	MemoryMB int
}

// LastID returns the highest id the request allocates.
func (r ProvisioningRequest) LastID() int {
	return r.StartingID + r.Count - 1
}

// Validate checks the request parameters without contacting anything.
func (r ProvisioningRequest) Validate() error {
	if r.Count <= 0 {
		return ConfigurationError("validate request", fmt.Sprintf("count must be positive, got %d", r.Count), nil)
	}
	if r.StartingID < MinVMID {
		return ConfigurationError("validate request", fmt.Sprintf("starting id must be >= %d, got %d", MinVMID, r.StartingID), nil)
	}
	if r.StartingID > MaxVMID {
		return ConfigurationError("validate request", fmt.Sprintf("starting id must be <= %d, got %d", MaxVMID, r.StartingID), nil)
	}
	if r.Count > MaxVMID-r.StartingID+1 {
		return ConfigurationError("validate request", fmt.Sprintf("count %d from starting id %d exceeds the highest vm id %d", r.Count, r.StartingID, MaxVMID), nil)
	}
	if r.TemplateID < MinVMID || r.TemplateID > MaxVMID {
		return ConfigurationError("validate request", fmt.Sprintf("template id must be in %d-%d, got %d", MinVMID, MaxVMID, r.TemplateID), nil)
	}
	if r.StartingID <= r.TemplateID && r.TemplateID <= r.LastID() {
		return ConfigurationError("validate request", fmt.Sprintf("id range %d-%d contains template %d", r.StartingID, r.LastID(), r.TemplateID), nil)
	}
	if r.Node == "" {
		return ConfigurationError("validate request", "node is required", nil)
	}
	if r.Storage == "" {
		return ConfigurationError("validate request", "storage is required", nil)
	}
	if r.Cores < 0 || r.MemoryMB < 0 {
		return ConfigurationError("validate request", "cores and memory must not be negative", nil)
	}
	return nil
}
