package cmd

import (
	"time"

	"pvefleet/internal/fleet"
	"pvefleet/internal/provisioning"

	"github.com/spf13/cobra"
)

var (
	provCount      int
	provStartingID int
	provTemplateID int
	provNode       string
	provStorage    string
	provTimeout    time.Duration
	provCores      int
	provMemoryMB   int
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Clone, resize and start a batch of worker VMs",
	Long: `Clone --count VMs from a template, assigning consecutive ids from
--starting-id. Each clone is optionally resized and then started.

All ids are checked against the cluster before anything is cloned; a single
collision aborts the whole run without touching the hypervisor.`,
	Example: `  pvefleet provision --count 3 --starting-id 250 --template-id 9000
  pvefleet provision --count 2 --starting-id 300 --template-id 9000 --cores 16 --memory 65536`,
	Args: noArgs,
	RunE: runProvision,
}

func init() {
	f := provisionCmd.Flags()
	f.IntVar(&provCount, "count", 0, "Number of VMs to create (required)")
	f.IntVar(&provStartingID, "starting-id", 0, "First VM id to allocate (required)")
	f.IntVar(&provTemplateID, "template-id", 0, "Template VM id to clone (default provisioning.default_template_id)")
	f.StringVar(&provNode, "node", "", "Node the clones are placed on (default proxmox.default_node)")
	f.StringVar(&provStorage, "storage", "", "Target storage for full clones (default provisioning.default_storage)")
	f.DurationVar(&provTimeout, "timeout", 0, "Per-VM clone timeout (default timeouts.clone)")
	f.IntVar(&provCores, "cores", 0, "CPU cores to set on each clone (0 keeps the template value)")
	f.IntVar(&provMemoryMB, "memory", 0, "Memory in MiB to set on each clone (0 keeps the template value)")

	rootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req := fleet.ProvisioningRequest{
		Count:      provCount,
		StartingID: provStartingID,
		TemplateID: provTemplateID,
		Node:       provNode,
		Storage:    provStorage,
		Cores:      provCores,
		MemoryMB:   provMemoryMB,
	}
	if req.TemplateID == 0 {
		req.TemplateID = cfg.Provisioning.DefaultTemplateID
	}
	if req.Node == "" {
		req.Node = cfg.Proxmox.DefaultNode
	}
	if req.Storage == "" {
		req.Storage = cfg.Provisioning.DefaultStorage
	}
	if provTimeout < 0 {
		return fleet.ConfigurationError("parse flags", "--timeout must not be negative", nil)
	}
	if provTimeout > 0 {
		cfg.Timeouts.Clone = provTimeout
	}
	if err := req.Validate(); err != nil {
		return err
	}

	rt, err := loadRuntime(cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	p := provisioning.New(rt.hv, rt.registry, rt.runner, provisioning.Options{
		NamePrefix:   cfg.Provisioning.NamePrefix,
		FullClone:    cfg.Provisioning.FullClone,
		CloneTimeout: cfg.Timeouts.Clone,
		StartTimeout: cfg.Timeouts.Start,
	})
	rep, err := p.Provision(ctx, req)
	if rep == nil {
		return err
	}
	return rt.finish(rep)
}
