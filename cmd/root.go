package cmd

import (
	"errors"
	"fmt"

	"pvefleet/internal/fleet"
	"pvefleet/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	ExitSuccess        = 0
	ExitPartialFailure = 1
	ExitConfiguration  = 2
)

var (
	configPath        string
	inventoryPath     string
	vaultFile         string
	vaultPasswordFile string
	outputFormat      string
	maxWorkers        int
)

var rootCmd = &cobra.Command{
	Use:   "pvefleet",
	Short: "pvefleet - Proxmox GPU worker fleet lifecycle tool",
	Long: `pvefleet provisions, starts, stops and inspects a fleet of GPU worker VMs
on a Proxmox VE cluster.

Credentials are read from an Ansible Vault encrypted file, targets from an
Ansible YAML inventory. Every batch command prints a per-VM report and exits
0 on full success, 1 when any VM did not succeed and 2 on configuration or
authentication errors.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to config file (default $CONFIG_PATH or ./pvefleet.yaml)")
	pf.StringVar(&inventoryPath, "inventory", "", "Path to the Ansible YAML inventory")
	pf.StringVar(&vaultFile, "vault-file", "", "Path to the vault encrypted secrets file")
	pf.StringVar(&vaultPasswordFile, "vault-password-file", "", "File holding the vault passphrase")
	pf.StringVarP(&outputFormat, "output", "o", "table", "Report format: table, json or yaml")
	pf.IntVar(&maxWorkers, "workers", 0, "Maximum VMs processed in parallel (default from config)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fleet.ConfigurationError("parse flags", err.Error(), nil)
	})
}

// noArgs rejects positional arguments as a configuration error.
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fleet.ConfigurationError("parse arguments", fmt.Sprintf("unexpected argument %q for %s", args[0], cmd.CommandPath()), nil)
	}
	return nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	code := exitCode(err)
	if err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %s\n", fleet.Describe(err))
		logging.Logger().Debug("command finished",
			zap.Int("exit_code", code),
			zap.Error(err))
	}
	return code
}

func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var pf *fleet.PartialFailureError
	if errors.As(err, &pf) {
		return ExitPartialFailure
	}
	if fleet.IsFatal(err) {
		return ExitConfiguration
	}
	return ExitPartialFailure
}
