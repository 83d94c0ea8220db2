package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pvefleet/internal/batch"
	"pvefleet/internal/config"
	"pvefleet/internal/fleet"
	"pvefleet/internal/hypervisor"
	"pvefleet/internal/inventory"
	"pvefleet/internal/logging"
	"pvefleet/internal/metrics"
	"pvefleet/internal/report"
	"pvefleet/internal/state"
	"pvefleet/internal/vault"

	"go.uber.org/zap"
)

const historyWriteTimeout = 10 * time.Second

// runtime holds everything a batch command needs for one run.
type runtime struct {
	cfg       *config.Config
	creds     *vault.Credentials
	hv        hypervisor.Hypervisor
	inventory *inventory.Inventory
	registry  *fleet.Registry
	runner    *batch.Runner
	recorder  *metrics.Recorder
	store     state.Store
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadConfig loads the config file and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	if _, err := report.NewFormatter(outputFormat); err != nil {
		return nil, fleet.ConfigurationError("parse flags", err.Error(), nil)
	}

	logging.Logger().Debug("Loading configuration")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if inventoryPath != "" {
		cfg.Inventory.File = inventoryPath
	}
	if vaultFile != "" {
		cfg.Vault.File = vaultFile
	}
	if vaultPasswordFile != "" {
		cfg.Vault.PasswordFile = vaultPasswordFile
	}
	if maxWorkers != 0 {
		cfg.Workers.MaxWorkers = maxWorkers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRuntime opens the vault and builds the hypervisor client and, when
// needInventory is set, the inventory. The caller must Close the runtime.
func loadRuntime(cfg *config.Config, needInventory bool) (*runtime, error) {
	passphrase, err := vault.ReadPassphrase(cfg.Vault.PasswordFile)
	if err != nil {
		return nil, err
	}
	creds, err := vault.Load(cfg.Vault.File, passphrase)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, creds: creds, registry: fleet.NewRegistry()}
	if err := rt.init(needInventory); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(needInventory bool) error {
	cfg := rt.cfg

	if cfg.Proxmox.APIURL == "" {
		cfg.Proxmox.APIURL = rt.creds.APIURL
	}
	if cfg.Proxmox.APIUser == "" {
		cfg.Proxmox.APIUser = rt.creds.APIUser
	}
	if cfg.Proxmox.APITokenID == "" {
		cfg.Proxmox.APITokenID = rt.creds.APITokenID
	}
	if err := cfg.CheckConnection(); err != nil {
		return err
	}
	logging.Logger().Debug("credentials loaded", zap.Object("credentials", rt.creds))

	hv, err := hypervisor.NewProxmoxClient(hypervisor.Options{
		BaseURL:            cfg.Proxmox.APIURL,
		User:               cfg.Proxmox.APIUser,
		TokenID:            cfg.Proxmox.APITokenID,
		TokenSecret:        rt.creds.TokenSecret,
		InsecureSkipVerify: cfg.Proxmox.InsecureSkipVerify,
		CAFile:             cfg.Proxmox.CAFile,
		PollInterval:       cfg.Proxmox.PollInterval,
		RetryMax:           cfg.Proxmox.RetryMax,
		RetryWaitMin:       cfg.Proxmox.RetryWaitMin,
		RetryWaitMax:       cfg.Proxmox.RetryWaitMax,
		RequestTimeout:     cfg.Proxmox.RequestTimeout,
		StatusTimeout:      cfg.Timeouts.Status,
		OverruleShutdown:   cfg.Proxmox.OverruleShutdown,
		Logger:             logging.Logger(),
	})
	if err != nil {
		return err
	}
	rt.hv = hv

	if needInventory {
		inv, err := inventory.Load(cfg.Inventory.File, cfg.Proxmox.DefaultNode)
		if err != nil {
			return err
		}
		rt.inventory = inv
	}

	rt.recorder = metrics.NewRecorder()
	rt.runner = batch.New(cfg.Workers.MaxWorkers, batch.WithObserver(rt.recorder))

	store, err := state.Open(cfg.History)
	if err != nil {
		logging.Logger().Warn("run history disabled", zap.Error(err))
	} else {
		rt.store = store
	}
	return nil
}

func (rt *runtime) logResolution(sel inventory.Selector, res inventory.Resolution) {
	logging.Logger().Info("targets resolved",
		zap.String("selector", sel.String()),
		zap.Ints("vmids", res.IDs()),
		zap.Ints("unknown", res.Unknown))
}

// finish prints the report, records history and metrics and returns the
// run error.
func (rt *runtime) finish(rep *report.Report) error {
	snap := rep.Snapshot()

	formatter, err := report.NewFormatter(outputFormat)
	if err != nil {
		return err
	}
	out, err := formatter.FormatReport(snap)
	if err != nil {
		return err
	}
	fmt.Fprint(rootCmd.OutOrStdout(), out)

	if rt.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		if err := rt.store.SaveRun(ctx, snap); err != nil {
			logging.Logger().Warn("failed to save run history", zap.String("run_id", snap.RunID), zap.Error(err))
		}
		cancel()
	}

	rt.recorder.MarkFinished(snap.Operation, snap.FinishedAt)
	if err := rt.recorder.Export(rt.cfg.Metrics, snap.RunID); err != nil {
		logging.Logger().Warn("failed to export metrics", zap.Error(err))
	}

	counts := rep.Counts()
	logging.Logger().Info("run finished",
		zap.String("run_id", snap.RunID),
		zap.String("operation", snap.Operation),
		zap.Int("success", counts[report.Success]),
		zap.Int("failed", counts[report.Failed]),
		zap.Int("timed_out", counts[report.TimedOut]),
		zap.Int("skipped", counts[report.Skipped]),
		zap.Int("incomplete", counts[report.Incomplete]))

	return rep.Err()
}

// Close zeroes the credentials and releases the history store.
func (rt *runtime) Close() {
	if rt.creds != nil {
		rt.creds.Destroy()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			logging.Logger().Warn("failed to close history store", zap.Error(err))
		}
	}
}
