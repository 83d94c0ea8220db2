package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pvefleet/internal/fleet"

	"gopkg.in/yaml.v2"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is given.
const DefaultPath = "pvefleet.yaml"

// Config contains application configuration
type Config struct {
	Proxmox      ProxmoxConfig      `yaml:"proxmox"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts"`
	Workers      WorkersConfig      `yaml:"workers"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Vault        VaultConfig        `yaml:"vault"`
	Inventory    InventoryConfig    `yaml:"inventory"`
	Automation   AutomationConfig   `yaml:"automation"`
	History      HistoryConfig      `yaml:"history"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ProxmoxConfig holds the hypervisor API connection parameters.
// The token secret is never part of the config; it comes from the vault.
type ProxmoxConfig struct {
	APIURL             string        `yaml:"api_url"`
	APIUser            string        `yaml:"api_user"`
	APITokenID         string        `yaml:"api_token_id"`
	DefaultNode        string        `yaml:"default_node"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	CAFile             string        `yaml:"ca_file"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	RetryMax           int           `yaml:"retry_max"`
	RetryWaitMin       time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax       time.Duration `yaml:"retry_wait_max"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	// OverruleShutdown lets a forced stop abort a pending shutdown task
	// (Proxmox VE 8.1+).
	OverruleShutdown bool `yaml:"overrule_shutdown"`
}

// TimeoutsConfig holds per-operation deadlines.
type TimeoutsConfig struct {
	Clone time.Duration `yaml:"clone"`
	Start time.Duration `yaml:"start"`
	Stop  time.Duration `yaml:"stop"`
	// Shutdown is the graceful window before a stop escalates to a forced stop.
	Shutdown time.Duration `yaml:"shutdown"`
	Status   time.Duration `yaml:"status"`
}

// WorkersConfig bounds batch parallelism.
type WorkersConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// ProvisioningConfig holds defaults for the provision command.
type ProvisioningConfig struct {
	NamePrefix        string `yaml:"name_prefix"`
	FullClone         bool   `yaml:"full_clone"`
	DefaultTemplateID int    `yaml:"default_template_id"`
	DefaultStorage    string `yaml:"default_storage"`
}

// VaultConfig locates the encrypted secrets file and its passphrase file.
type VaultConfig struct {
	File         string `yaml:"file"`
	PasswordFile string `yaml:"password_file"`
}

// InventoryConfig locates the host inventory.
type InventoryConfig struct {
	File string `yaml:"file"`
}

// Upload is a local file pushed to every target before commands run.
type Upload struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
	Mode string `yaml:"mode"`
}

// AutomationConfig drives the configure command.
type AutomationConfig struct {
	Commands []string `yaml:"commands"`
	Uploads  []Upload `yaml:"uploads"`
	// User and PrivateKeyPath apply to hosts without ansible_user or
	// ansible_ssh_private_key_file.
	User           string        `yaml:"user"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	SSHPort        int           `yaml:"ssh_port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// HistoryConfig selects where run reports are kept.
type HistoryConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	Dir           string   `yaml:"dir"`
}

// MetricsConfig selects where run metrics are exported.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	TextfilePath   string `yaml:"textfile_path"`
	Job            string `yaml:"job"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Proxmox: ProxmoxConfig{
			PollInterval:     2 * time.Second,
			RetryMax:         4,
			RetryWaitMin:     1 * time.Second,
			RetryWaitMax:     30 * time.Second,
			RequestTimeout:   30 * time.Second,
			OverruleShutdown: true,
		},
		Timeouts: TimeoutsConfig{
			Clone:    600 * time.Second,
			Start:    120 * time.Second,
			Stop:     120 * time.Second,
			Shutdown: 90 * time.Second,
			Status:   30 * time.Second,
		},
		Workers: WorkersConfig{MaxWorkers: 4},
		Provisioning: ProvisioningConfig{
			NamePrefix: "gpu-worker",
			FullClone:  true,
		},
		Vault: VaultConfig{File: "secrets.yml"},
		Inventory: InventoryConfig{
			File: "inventory.yml",
		},
		Automation: AutomationConfig{
			SSHPort:        22,
			ConnectTimeout: 5 * time.Minute,
			CommandTimeout: 30 * time.Minute,
		},
		Metrics: MetricsConfig{Job: "pvefleet"},
	}
}

// ResolvePath picks the config file location: explicit flag, CONFIG_PATH, default.
func ResolvePath(flagPath string) (path string, explicit bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p, true
	}
	return DefaultPath, false
}

// Load loads configuration from a YAML file, applies environment overrides
// and validates the result. An explicitly named file must exist.
func Load(flagPath string) (*Config, error) {
	config := Default()

	configPath, explicit := ResolvePath(flagPath)
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fleet.ConfigurationError("load config", "failed to read config file "+configPath, err)
		}

		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, fleet.ConfigurationError("load config", "failed to parse config file "+configPath, err)
		}
	} else if explicit {
		return nil, fleet.ConfigurationError("load config", "config file "+configPath+" not found", err)
	}

	config.expandEnv()
	if err := config.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// expandEnv expands ${VAR} references in string fields.
func (c *Config) expandEnv() {
	c.Proxmox.APIURL = os.ExpandEnv(c.Proxmox.APIURL)
	c.Proxmox.APIUser = os.ExpandEnv(c.Proxmox.APIUser)
	c.Proxmox.APITokenID = os.ExpandEnv(c.Proxmox.APITokenID)
	c.Proxmox.DefaultNode = os.ExpandEnv(c.Proxmox.DefaultNode)
	c.Proxmox.CAFile = os.ExpandEnv(c.Proxmox.CAFile)
	c.Vault.File = os.ExpandEnv(c.Vault.File)
	c.Vault.PasswordFile = os.ExpandEnv(c.Vault.PasswordFile)
	c.Inventory.File = os.ExpandEnv(c.Inventory.File)
	c.Automation.PrivateKeyPath = os.ExpandEnv(c.Automation.PrivateKeyPath)
	c.Automation.KnownHostsFile = os.ExpandEnv(c.Automation.KnownHostsFile)
	c.History.Dir = os.ExpandEnv(c.History.Dir)
	c.Metrics.TextfilePath = os.ExpandEnv(c.Metrics.TextfilePath)

	for i, cmd := range c.Automation.Commands {
		c.Automation.Commands[i] = os.ExpandEnv(cmd)
	}
}

// Environment variables overriding configuration entries.
const (
	EnvAPIURL            = "FLEET_API_URL"
	EnvAPIUser           = "FLEET_API_USER"
	EnvAPITokenID        = "FLEET_API_TOKEN_ID"
	EnvDefaultNode       = "FLEET_DEFAULT_NODE"
	EnvInventory         = "FLEET_INVENTORY"
	EnvVaultFile         = "FLEET_VAULT_FILE"
	EnvVaultPasswordFile = "FLEET_VAULT_PASSWORD_FILE"
	EnvMaxWorkers        = "FLEET_MAX_WORKERS"
	EnvEtcdEndpoints     = "FLEET_ETCD_ENDPOINTS"
	EnvPushgatewayURL    = "FLEET_PUSHGATEWAY_URL"
)

func (c *Config) applyEnvOverrides() error {
	overrides := []struct {
		env    string
		target *string
	}{
		{EnvAPIURL, &c.Proxmox.APIURL},
		{EnvAPIUser, &c.Proxmox.APIUser},
		{EnvAPITokenID, &c.Proxmox.APITokenID},
		{EnvDefaultNode, &c.Proxmox.DefaultNode},
		{EnvInventory, &c.Inventory.File},
		{EnvVaultFile, &c.Vault.File},
		{EnvVaultPasswordFile, &c.Vault.PasswordFile},
		{EnvPushgatewayURL, &c.Metrics.PushgatewayURL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}

	if v := os.Getenv(EnvMaxWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fleet.ConfigurationError("load config", EnvMaxWorkers+" must be an integer", err)
		}
		c.Workers.MaxWorkers = n
	}

	if v := os.Getenv(EnvEtcdEndpoints); v != "" {
		c.History.EtcdEndpoints = strings.Split(v, ",")
	}
	return nil
}

// Validate checks values that do not depend on the vault.
// Connection parameters are checked later by CheckConnection, once vault
// fallbacks have been applied.
func (c *Config) Validate() error {
	if c.Workers.MaxWorkers < 1 {
		return fleet.ConfigurationError("validate config", fmt.Sprintf("workers.max_workers must be >= 1, got %d", c.Workers.MaxWorkers), nil)
	}
	if c.Proxmox.PollInterval <= 0 {
		return fleet.ConfigurationError("validate config", "proxmox.poll_interval must be positive", nil)
	}
	if c.Proxmox.RetryMax < 0 {
		return fleet.ConfigurationError("validate config", "proxmox.retry_max must not be negative", nil)
	}
	timeouts := map[string]time.Duration{
		"clone":    c.Timeouts.Clone,
		"start":    c.Timeouts.Start,
		"stop":     c.Timeouts.Stop,
		"shutdown": c.Timeouts.Shutdown,
		"status":   c.Timeouts.Status,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fleet.ConfigurationError("validate config", "timeouts."+name+" must be positive", nil)
		}
	}
	if c.Provisioning.NamePrefix == "" {
		return fleet.ConfigurationError("validate config", "provisioning.name_prefix is required", nil)
	}
	for _, u := range c.Automation.Uploads {
		if u.Src == "" || u.Dest == "" {
			return fleet.ConfigurationError("validate config", "automation.uploads entries need src and dest", nil)
		}
	}
	return nil
}

// CheckConnection validates the hypervisor connection parameters.
func (c *Config) CheckConnection() error {
	if c.Proxmox.APIURL == "" {
		return fleet.ConfigurationError("validate config", "API URL is required (set proxmox.api_url in config file, "+EnvAPIURL+" or api_url in the vault)", nil)
	}
	if !strings.HasPrefix(c.Proxmox.APIURL, "https://") && !strings.HasPrefix(c.Proxmox.APIURL, "http://") {
		return fleet.ConfigurationError("validate config", "API URL must be an http(s) URL", nil)
	}
	if c.Proxmox.APIUser == "" {
		return fleet.ConfigurationError("validate config", "API user is required (set proxmox.api_user in config file or "+EnvAPIUser+")", nil)
	}
	if c.Proxmox.APITokenID == "" {
		return fleet.ConfigurationError("validate config", "API token id is required (set proxmox.api_token_id in config file or "+EnvAPITokenID+")", nil)
	}
	return nil
}
