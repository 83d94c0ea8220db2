package cmd

import (
	"context"

	"pvefleet/internal/inventory"
	"pvefleet/internal/lifecycle"
	"pvefleet/internal/report"

	"github.com/spf13/cobra"
)

var (
	stopSelector string
	stopForce    bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Shut down the selected VMs",
	Long: `Ask every VM matched by --selector to shut down through ACPI. A VM still
running after timeouts.shutdown is stopped forcibly and the report carries a
warning. With --force the graceful attempt is skipped.`,
	Example: `  pvefleet stop --selector name-glob:gpu-worker-*
  pvefleet stop --selector ids:251 --force`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(stopSelector, func(ctx context.Context, c *lifecycle.Controller, res inventory.Resolution) (*report.Report, error) {
			return c.Stop(ctx, res, stopForce)
		})
	},
}

func init() {
	addSelectorFlag(stopCmd, &stopSelector)
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "Stop immediately without a graceful shutdown")
	rootCmd.AddCommand(stopCmd)
}
