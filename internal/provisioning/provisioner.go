// Package provisioning clones and boots new worker VMs from a template.
package provisioning

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"pvefleet/internal/batch"
	"pvefleet/internal/fleet"
	"pvefleet/internal/hypervisor"
	"pvefleet/internal/logging"
	"pvefleet/internal/report"

	"go.uber.org/zap"
)

// Options holds provisioning policy.
type Options struct {
	NamePrefix   string
	FullClone    bool
	CloneTimeout time.Duration
	StartTimeout time.Duration
}

// Provisioner turns a ProvisioningRequest into running VMs.
type Provisioner struct {
	hv       hypervisor.Hypervisor
	registry *fleet.Registry
	runner   *batch.Runner
	opts     Options
}

// New creates a Provisioner.
func New(hv hypervisor.Hypervisor, registry *fleet.Registry, runner *batch.Runner, opts Options) *Provisioner {
	return &Provisioner{hv: hv, registry: registry, runner: runner, opts: opts}
}

// Provision plans, checks and executes req. A non-nil report is returned
// whenever the batch ran; its error is a *fleet.PartialFailureError when any
// VM did not succeed. Configuration errors abort before any mutating call and
// return a nil report.
func (p *Provisioner) Provision(ctx context.Context, req fleet.ProvisioningRequest) (*report.Report, error) {
	plan, err := NewPlan(req, p.opts.NamePrefix)
	if err != nil {
		return nil, err
	}
	if err := p.Preflight(ctx, plan); err != nil {
		return nil, err
	}

	logging.Logger().Info("provisioning plan ready",
		zap.Int("count", req.Count),
		zap.Int("first_id", req.StartingID),
		zap.Int("last_id", req.LastID()),
		zap.Int("template_id", req.TemplateID),
		zap.String("node", req.Node),
		zap.Strings("names", logging.TruncateSlice(plan.Names(), 10)))

	targets := make([]batch.Target, len(plan.VMs))
	for i, vm := range plan.VMs {
		p.registry.Register(fleet.VirtualMachineRecord{
			ID:          vm.ID,
			Name:        vm.Name,
			TemplateID:  req.TemplateID,
			Node:        req.Node,
			StoragePool: req.Storage,
			Cores:       req.Cores,
			MemoryMB:    req.MemoryMB,
		})
		targets[i] = batch.Target{ID: vm.ID, Name: vm.Name}
	}

	rep := report.New("provision")
	p.runner.Run(ctx, targets, func(ctx context.Context, t batch.Target) (batch.Result, error) {
		return p.provisionOne(ctx, req, t)
	}, rep)
	rep.Finish()

	return rep, rep.Err()
}

// Preflight verifies that no planned id exists and that the template is
// present. It makes no mutating call.
func (p *Provisioner) Preflight(ctx context.Context, plan Plan) error {
	vms, err := p.hv.ListVMs(ctx)
	if err != nil {
		if fleet.IsFatal(err) {
			return err
		}
		return fleet.ConfigurationError("preflight", "failed to list cluster VMs", err)
	}
	existing := hypervisor.IDSet(vms)

	var collisions []int
	for _, id := range plan.IDs() {
		if _, ok := existing[id]; ok {
			collisions = append(collisions, id)
		}
	}
	if len(collisions) > 0 {
		slices.Sort(collisions)
		return fleet.ConfigurationError("preflight",
			fmt.Sprintf("vm ids already in use: %s", joinInts(collisions)), nil)
	}

	tmpl, ok := existing[plan.Request.TemplateID]
	if !ok {
		return fleet.ConfigurationError("preflight", fmt.Sprintf("template %d not found", plan.Request.TemplateID), nil)
	}
	if !tmpl.IsTemplate() {
		return fleet.ConfigurationError("preflight", fmt.Sprintf("vm %d is not a template", plan.Request.TemplateID), nil)
	}
	return nil
}

func (p *Provisioner) provisionOne(ctx context.Context, req fleet.ProvisioningRequest, t batch.Target) (batch.Result, error) {
	log := logging.Logger().With(zap.Int("vmid", t.ID), zap.String("name", t.Name))

	p.registry.Transition(t.ID, fleet.StateCloning)
	err := p.hv.CloneVM(ctx, hypervisor.CloneSpec{
		TemplateID: req.TemplateID,
		NewID:      t.ID,
		Name:       t.Name,
		Node:       req.Node,
		Storage:    req.Storage,
		Full:       p.opts.FullClone,
		Timeout:    p.opts.CloneTimeout,
	})
	if err != nil {
		p.registry.Transition(t.ID, fleet.StateError)
		if fleet.IsCancelled(err) {
			log.Warn("clone interrupted, vm may exist half-created")
			return batch.Result{Outcome: report.Incomplete}, err
		}
		return batch.Result{}, err
	}
	p.registry.Transition(t.ID, fleet.StateStopped)
	log.Info("vm cloned")

	if req.Cores > 0 || req.MemoryMB > 0 {
		if err := p.hv.ConfigureVM(ctx, t.ID, req.Node, req.Cores, req.MemoryMB); err != nil {
			p.registry.Transition(t.ID, fleet.StateError)
			return batch.Result{}, err
		}
	}

	p.registry.Transition(t.ID, fleet.StateStarting)
	if err := p.hv.StartVM(ctx, t.ID, req.Node, p.opts.StartTimeout); err != nil {
		p.registry.Transition(t.ID, fleet.StateError)
		return batch.Result{}, err
	}
	p.registry.Transition(t.ID, fleet.StateRunning)
	log.Info("vm started")
	return batch.Result{}, nil
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
