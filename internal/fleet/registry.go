package fleet

import (
	"slices"
	"sync"
)

// Registry tracks the recorded state of every VM touched during a run.
// Only the provisioner and the lifecycle controller call Transition.
type Registry struct {
	mu      sync.RWMutex
	records map[int]VirtualMachineRecord
	history map[int][]VMState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[int]VirtualMachineRecord),
		history: make(map[int][]VMState),
	}
}

// Register adds or replaces a record. A record without state starts Unprovisioned.
func (r *Registry) Register(rec VirtualMachineRecord) {
	if rec.State == "" {
		rec.State = StateUnprovisioned
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[rec.ID] = rec
	r.history[rec.ID] = append(r.history[rec.ID], rec.State)
}

// Transition moves id to state. Unknown ids are registered on the fly.
func (r *Registry) Transition(id int, state VMState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		rec = VirtualMachineRecord{ID: id}
	}
	if ok && rec.State == state {
		return
	}
	rec.State = state
	r.records[id] = rec
	r.history[id] = append(r.history[id], state)
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id int) (VirtualMachineRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	return rec, ok
}

// History returns the states id went through, oldest first.
func (r *Registry) History(id int) []VMState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.history[id])
}

// Records returns all records sorted by id.
func (r *Registry) Records() []VirtualMachineRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]VirtualMachineRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b VirtualMachineRecord) int { return a.ID - b.ID })
	return out
}
