package cmd

import (
	"context"
	"fmt"
	"time"

	"pvefleet/internal/fleet"
	"pvefleet/internal/report"
	"pvefleet/internal/state"

	"github.com/spf13/cobra"
)

const historyReadTimeout = 10 * time.Second

var historyRunID string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs or show one run report",
	Long: `Read run reports from the history store configured under history:
(etcd endpoints or a local directory). Without --run-id all runs are listed,
newest first. The vault is not opened.`,
	Example: `  pvefleet history
  pvefleet history --run-id 3f0c5a52-0d7e-4c4b-a8a0-6a3cf1c59e39 -o yaml`,
	Args: noArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyRunID, "run-id", "", "Show the report of a single run")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formatter, err := report.NewFormatter(outputFormat)
	if err != nil {
		return fleet.ConfigurationError("parse flags", err.Error(), nil)
	}

	store, err := state.Open(cfg.History)
	if err != nil {
		return fleet.ConfigurationError("open history", "history store unavailable", err)
	}
	if store == nil {
		return fleet.ConfigurationError("open history", "no history store configured (set history.dir or history.etcd_endpoints)", nil)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), historyReadTimeout)
	defer cancel()

	var out string
	if historyRunID != "" {
		run, err := store.GetRun(ctx, historyRunID)
		if err != nil {
			return err
		}
		out, err = formatter.FormatReport(run)
		if err != nil {
			return err
		}
	} else {
		runs, err := store.ListRuns(ctx)
		if err != nil {
			return err
		}
		out, err = formatter.FormatHistory(runs)
		if err != nil {
			return err
		}
	}
	fmt.Fprint(rootCmd.OutOrStdout(), out)
	return nil
}
