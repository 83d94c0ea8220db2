package cmd

import (
	"pvefleet/internal/control"
	"pvefleet/internal/inventory"

	"github.com/spf13/cobra"
)

var configureSelector string

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run the automation steps on the selected VMs over SSH",
	Long: `Connect to every VM matched by --selector, upload automation.uploads and
run automation.commands in order, as become_user from the vault when set.
A host stops at its first failing step; other hosts carry on.`,
	Example: `  pvefleet configure --selector group:gpu_workers`,
	Args:    noArgs,
	RunE:    runConfigure,
}

func init() {
	addSelectorFlag(configureCmd, &configureSelector)
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sel, err := inventory.ParseSelector(configureSelector)
	if err != nil {
		return err
	}

	rt, err := loadRuntime(cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	runner, err := control.NewRunner(cfg.Automation, rt.creds.BecomeUser, control.NewController)
	if err != nil {
		return err
	}

	res, err := rt.inventory.Resolve(sel)
	if err != nil {
		return err
	}
	rt.logResolution(sel, res)

	ctx, stop := signalContext()
	defer stop()

	rep, err := runner.ConfigureAll(ctx, rt.runner, res)
	if rep == nil {
		return err
	}
	return rt.finish(rep)
}
