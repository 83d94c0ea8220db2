// Package lifecycle starts, stops and inspects existing fleet VMs.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"pvefleet/internal/batch"
	"pvefleet/internal/fleet"
	"pvefleet/internal/hypervisor"
	"pvefleet/internal/inventory"
	"pvefleet/internal/logging"
	"pvefleet/internal/report"

	"go.uber.org/zap"
)

// Operation is a lifecycle operation kind.
type Operation string

const (
	OpStart  Operation = "start"
	OpStop   Operation = "stop"
	OpStatus Operation = "status"
)

// Options holds per-operation deadlines.
type Options struct {
	StartTimeout time.Duration
	StopTimeout  time.Duration
	// ShutdownTimeout is the graceful window before a stop is forced.
	ShutdownTimeout time.Duration
}

// Controller runs lifecycle operations over resolved targets.
type Controller struct {
	hv       hypervisor.Hypervisor
	registry *fleet.Registry
	runner   *batch.Runner
	opts     Options
}

// New creates a Controller.
func New(hv hypervisor.Hypervisor, registry *fleet.Registry, runner *batch.Runner, opts Options) *Controller {
	return &Controller{hv: hv, registry: registry, runner: runner, opts: opts}
}

// Start boots every target that is not already running.
func (c *Controller) Start(ctx context.Context, res inventory.Resolution) (*report.Report, error) {
	return c.run(ctx, OpStart, res, c.startOne)
}

// Stop powers off every target. Without force each VM gets a graceful
// shutdown window first and is forced off only if it is still up afterwards.
func (c *Controller) Stop(ctx context.Context, res inventory.Resolution, force bool) (*report.Report, error) {
	return c.run(ctx, OpStop, res, func(ctx context.Context, h inventory.Host) (batch.Result, error) {
		return c.stopOne(ctx, h, force)
	})
}

// Status reads the state of every target. It never mutates a VM or the registry.
func (c *Controller) Status(ctx context.Context, res inventory.Resolution) (*report.Report, error) {
	return c.run(ctx, OpStatus, res, c.statusOne)
}

type hostFunc func(ctx context.Context, h inventory.Host) (batch.Result, error)

func (c *Controller) run(ctx context.Context, op Operation, res inventory.Resolution, fn hostFunc) (*report.Report, error) {
	rep := report.New(string(op))

	for _, id := range res.Unknown {
		logging.Logger().Warn("vm id not in inventory, skipping", zap.String("operation", string(op)), zap.Int("vmid", id))
		if err := rep.Record(report.Entry{TargetID: id, Outcome: report.Skipped, Message: "vm id not in inventory"}); err != nil {
			logging.Logger().Error("failed to record report entry", zap.Int("vmid", id), zap.Error(err))
		}
	}

	hosts := make(map[int]inventory.Host, len(res.Targets))
	targets := make([]batch.Target, 0, len(res.Targets))
	for _, h := range res.Targets {
		hosts[h.VMID] = h
		targets = append(targets, batch.Target{ID: h.VMID, Name: h.Name})
	}

	c.runner.Run(ctx, targets, func(ctx context.Context, t batch.Target) (batch.Result, error) {
		return fn(ctx, hosts[t.ID])
	}, rep)
	rep.Finish()

	return rep, rep.Err()
}

func (c *Controller) startOne(ctx context.Context, h inventory.Host) (batch.Result, error) {
	status, err := c.hv.GetStatus(ctx, h.VMID, h.Node)
	if err != nil {
		return batch.Result{}, err
	}
	c.observe(h, status.State)
	if status.State == fleet.StateRunning {
		return batch.Result{Message: "already running"}, nil
	}

	c.registry.Transition(h.VMID, fleet.StateStarting)
	if err := c.hv.StartVM(ctx, h.VMID, h.Node, c.opts.StartTimeout); err != nil {
		c.registry.Transition(h.VMID, fleet.StateError)
		return batch.Result{}, err
	}
	c.registry.Transition(h.VMID, fleet.StateRunning)
	return batch.Result{}, nil
}

func (c *Controller) stopOne(ctx context.Context, h inventory.Host, force bool) (batch.Result, error) {
	log := logging.Logger().With(zap.Int("vmid", h.VMID), zap.String("name", h.Name), zap.String("node", h.Node))

	status, err := c.hv.GetStatus(ctx, h.VMID, h.Node)
	if err != nil {
		return batch.Result{}, err
	}
	c.observe(h, status.State)
	if status.State == fleet.StateStopped {
		return batch.Result{Message: "already stopped"}, nil
	}

	c.registry.Transition(h.VMID, fleet.StateStopping)
	if force {
		return c.forceStop(ctx, h, batch.Result{})
	}

	err = c.hv.ShutdownVM(ctx, h.VMID, h.Node, c.opts.ShutdownTimeout)
	if err == nil {
		c.registry.Transition(h.VMID, fleet.StateStopped)
		return batch.Result{}, nil
	}
	if fleet.IsCancelled(err) || fleet.IsFatal(err) {
		c.registry.Transition(h.VMID, fleet.StateError)
		return batch.Result{}, err
	}

	if st, serr := c.hv.GetStatus(ctx, h.VMID, h.Node); serr == nil && st.State == fleet.StateStopped {
		c.registry.Transition(h.VMID, fleet.StateStopped)
		return batch.Result{}, nil
	}

	log.Warn("graceful shutdown did not complete, escalating to forced stop",
		zap.Duration("graceful_window", c.opts.ShutdownTimeout),
		zap.String("reason", fleet.Describe(err)))

	warning := fmt.Sprintf("forced stop after graceful shutdown did not complete within %s", c.opts.ShutdownTimeout)
	return c.forceStop(ctx, h, batch.Result{Warning: warning})
}

func (c *Controller) forceStop(ctx context.Context, h inventory.Host, res batch.Result) (batch.Result, error) {
	if err := c.hv.StopVM(ctx, h.VMID, h.Node, c.opts.StopTimeout); err != nil {
		c.registry.Transition(h.VMID, fleet.StateError)
		return res, err
	}
	c.registry.Transition(h.VMID, fleet.StateStopped)
	return res, nil
}

// observe records the state read from the hypervisor.
func (c *Controller) observe(h inventory.Host, state fleet.VMState) {
	if _, known := c.registry.Get(h.VMID); known {
		c.registry.Transition(h.VMID, state)
		return
	}
	c.registry.Register(fleet.VirtualMachineRecord{ID: h.VMID, Name: h.Name, Node: h.Node, State: state})
}

func (c *Controller) statusOne(ctx context.Context, h inventory.Host) (batch.Result, error) {
	status, err := c.hv.GetStatus(ctx, h.VMID, h.Node)
	if err != nil {
		return batch.Result{}, err
	}

	msg := status.Raw
	if status.State == fleet.StateRunning && status.Uptime > 0 {
		msg = fmt.Sprintf("%s, uptime %s", msg, status.Uptime)
	}
	return batch.Result{Message: msg}, nil
}
