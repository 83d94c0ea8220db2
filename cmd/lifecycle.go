package cmd

import (
	"context"

	"pvefleet/internal/inventory"
	"pvefleet/internal/lifecycle"
	"pvefleet/internal/report"

	"github.com/spf13/cobra"
)

// lifecycleFunc runs one lifecycle operation over resolved targets.
type lifecycleFunc func(ctx context.Context, c *lifecycle.Controller, res inventory.Resolution) (*report.Report, error)

// addSelectorFlag registers the --selector flag on cmd.
func addSelectorFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "selector", "s", "",
		"Targets: ids:250,251 | name-glob:gpu-worker-* | group:gpu_workers (required)")
}

// runLifecycle loads the runtime, resolves selector and runs fn.
func runLifecycle(selector string, fn lifecycleFunc) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sel, err := inventory.ParseSelector(selector)
	if err != nil {
		return err
	}

	rt, err := loadRuntime(cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.inventory.Resolve(sel)
	if err != nil {
		return err
	}
	rt.logResolution(sel, res)

	ctx, stop := signalContext()
	defer stop()

	c := lifecycle.New(rt.hv, rt.registry, rt.runner, lifecycle.Options{
		StartTimeout:    cfg.Timeouts.Start,
		StopTimeout:     cfg.Timeouts.Stop,
		ShutdownTimeout: cfg.Timeouts.Shutdown,
	})
	rep, err := fn(ctx, c, res)
	if rep == nil {
		return err
	}
	return rt.finish(rep)
}
