// Package hypervisortest provides an in-memory Hypervisor for tests.
package hypervisortest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"pvefleet/internal/fleet"
	"pvefleet/internal/hypervisor"
)

// Call is one recorded invocation.
type Call struct {
	Method string
	ID     int
}

// Fake is a thread-safe in-memory cluster. Errors set in the injection maps
// are returned by the matching call for that id.
type Fake struct {
	mu  sync.Mutex
	vms map[int]hypervisor.VMSummary

	calls []Call

	ListErr      error
	CloneErr     map[int]error
	ConfigureErr map[int]error
	StartErr     map[int]error
	StopErr      map[int]error
	StatusErr    map[int]error
	// StuckShutdown ids ignore graceful shutdown until their timeout elapses.
	StuckShutdown map[int]bool
	// Delay is added to every mutating call.
	Delay time.Duration

	configured map[int][2]int
}

var _ hypervisor.Hypervisor = (*Fake)(nil)

// New creates an empty fake cluster.
func New() *Fake {
	return &Fake{
		vms:           make(map[int]hypervisor.VMSummary),
		CloneErr:      make(map[int]error),
		ConfigureErr:  make(map[int]error),
		StartErr:      make(map[int]error),
		StopErr:       make(map[int]error),
		StatusErr:     make(map[int]error),
		StuckShutdown: make(map[int]bool),
		configured:    make(map[int][2]int),
	}
}

// AddTemplate registers a template on node.
func (f *Fake) AddTemplate(id int, name, node string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[id] = hypervisor.VMSummary{ID: id, Name: name, Node: node, Status: "stopped", Type: "qemu", Template: 1}
}

// AddVM registers a guest with the given raw status ("running" or "stopped").
func (f *Fake) AddVM(id int, name, node, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[id] = hypervisor.VMSummary{ID: id, Name: name, Node: node, Status: status, Type: "qemu"}
}

// VM returns the current record for id.
func (f *Fake) VM(id int) (hypervisor.VMSummary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	return vm, ok
}

// Configured returns the cores and memory applied to id.
func (f *Fake) Configured(id int) (cores, memoryMB int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.configured[id]
	return c[0], c[1], ok
}

// Calls returns a copy of the call log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsTo returns the ids passed to method, in call order.
func (f *Fake) CallsTo(method string) []int {
	var ids []int
	for _, c := range f.Calls() {
		if c.Method == method {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// MutatingCalls counts calls that change cluster state.
func (f *Fake) MutatingCalls() int {
	n := 0
	for _, c := range f.Calls() {
		switch c.Method {
		case "CloneVM", "ConfigureVM", "StartVM", "ShutdownVM", "StopVM":
			n++
		}
	}
	return n
}

func (f *Fake) record(method string, id int) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, ID: id})
	f.mu.Unlock()
}

func (f *Fake) pause(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.Delay):
		return nil
	}
}

func (f *Fake) injected(m map[int]error, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[id]
}

func (f *Fake) ListVMs(ctx context.Context) ([]hypervisor.VMSummary, error) {
	f.record("ListVMs", 0)
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hypervisor.VMSummary, 0, len(f.vms))
	for _, vm := range f.vms {
		out = append(out, vm)
	}
	slices.SortFunc(out, func(a, b hypervisor.VMSummary) int { return a.ID - b.ID })
	return out, nil
}

func (f *Fake) CloneVM(ctx context.Context, spec hypervisor.CloneSpec) error {
	f.record("CloneVM", spec.NewID)
	op := fmt.Sprintf("clone vm %d", spec.NewID)
	if err := f.pause(ctx); err != nil {
		return fleet.CancelledError(op)
	}
	if err := f.injected(f.CloneErr, spec.NewID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.vms[spec.NewID]; exists {
		return fleet.ConflictError(op, fmt.Sprintf("vm id %d already exists", spec.NewID), nil)
	}
	if tmpl, ok := f.vms[spec.TemplateID]; !ok || !tmpl.IsTemplate() {
		return fleet.PermanentError(op, fmt.Sprintf("template %d not found", spec.TemplateID), nil)
	}
	f.vms[spec.NewID] = hypervisor.VMSummary{ID: spec.NewID, Name: spec.Name, Node: spec.Node, Status: "stopped", Type: "qemu"}
	return nil
}

func (f *Fake) ConfigureVM(ctx context.Context, id int, node string, cores, memoryMB int) error {
	f.record("ConfigureVM", id)
	if err := f.injected(f.ConfigureErr, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[id]; !ok {
		return fleet.PermanentError(fmt.Sprintf("configure vm %d", id), "vm not found", nil)
	}
	f.configured[id] = [2]int{cores, memoryMB}
	return nil
}

func (f *Fake) StartVM(ctx context.Context, id int, node string, timeout time.Duration) error {
	f.record("StartVM", id)
	return f.setStatus(ctx, fmt.Sprintf("start vm %d", id), id, "running", f.StartErr)
}

func (f *Fake) ShutdownVM(ctx context.Context, id int, node string, timeout time.Duration) error {
	f.record("ShutdownVM", id)
	op := fmt.Sprintf("shutdown vm %d", id)

	f.mu.Lock()
	stuck := f.StuckShutdown[id]
	vm, ok := f.vms[id]
	f.mu.Unlock()

	if stuck && ok && vm.Status == "running" {
		select {
		case <-ctx.Done():
			return fleet.CancelledError(op)
		case <-time.After(timeout):
		}
		return fleet.TimeoutError(op, "guest did not power off")
	}
	return f.setStatus(ctx, op, id, "stopped", nil)
}

func (f *Fake) StopVM(ctx context.Context, id int, node string, timeout time.Duration) error {
	f.record("StopVM", id)
	return f.setStatus(ctx, fmt.Sprintf("stop vm %d", id), id, "stopped", f.StopErr)
}

func (f *Fake) setStatus(ctx context.Context, op string, id int, status string, errs map[int]error) error {
	if err := f.pause(ctx); err != nil {
		return fleet.CancelledError(op)
	}
	if errs != nil {
		if err := f.injected(errs, id); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return fleet.PermanentError(op, "vm not found", nil)
	}
	vm.Status = status
	f.vms[id] = vm
	return nil
}

func (f *Fake) GetStatus(ctx context.Context, id int, node string) (hypervisor.VMStatus, error) {
	f.record("GetStatus", id)
	op := fmt.Sprintf("status vm %d", id)
	if err := f.injected(f.StatusErr, id); err != nil {
		return hypervisor.VMStatus{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return hypervisor.VMStatus{}, fleet.PermanentError(op, "vm not found", nil)
	}
	state := fleet.StateStopped
	if vm.Status == "running" {
		state = fleet.StateRunning
	}
	return hypervisor.VMStatus{State: state, Raw: vm.Status, Name: vm.Name}, nil
}
