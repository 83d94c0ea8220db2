package cmd

import (
	"context"

	"pvefleet/internal/inventory"
	"pvefleet/internal/lifecycle"
	"pvefleet/internal/report"

	"github.com/spf13/cobra"
)

var statusSelector string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the power state of the selected VMs",
	Long: `Query the hypervisor for every VM matched by --selector. Nothing is
changed; a VM whose status cannot be read is reported as failed.`,
	Example: `  pvefleet status --selector group:all -o json`,
	Args:    noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(statusSelector, func(ctx context.Context, c *lifecycle.Controller, res inventory.Resolution) (*report.Report, error) {
			return c.Status(ctx, res)
		})
	},
}

func init() {
	addSelectorFlag(statusCmd, &statusSelector)
	rootCmd.AddCommand(statusCmd)
}
