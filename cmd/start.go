package cmd

import (
	"context"

	"pvefleet/internal/inventory"
	"pvefleet/internal/lifecycle"
	"pvefleet/internal/report"

	"github.com/spf13/cobra"
)

var startSelector string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the selected VMs",
	Long: `Start every VM matched by --selector and wait until it reports running.
VMs that are already running are left untouched.`,
	Example: `  pvefleet start --selector group:gpu_workers
  pvefleet start --selector ids:250,251`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(startSelector, func(ctx context.Context, c *lifecycle.Controller, res inventory.Resolution) (*report.Report, error) {
			return c.Start(ctx, res)
		})
	},
}

func init() {
	addSelectorFlag(startCmd, &startSelector)
	rootCmd.AddCommand(startCmd)
}
