package cmd

import (
	"fmt"
	"os"

	"pvefleet/internal/fleet"
	"pvefleet/internal/logging"
	"pvefleet/internal/vault"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	vaultIn  string
	vaultOut string
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the encrypted secrets file",
}

var vaultEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a plaintext secrets YAML into a vault file",
	Long: `Encrypt --in with the vault passphrase and write the envelope to --out
(default vault.file). The plaintext must hold api_token_secret.`,
	Example: `  pvefleet vault encrypt --in secrets.plain.yml --out secrets.yml --vault-password-file ~/.vault_pass`,
	Args:    noArgs,
	RunE:    runVaultEncrypt,
}

var vaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Decrypt the vault file and report which credentials it holds",
	Args:  noArgs,
	RunE:  runVaultCheck,
}

func init() {
	vaultEncryptCmd.Flags().StringVar(&vaultIn, "in", "", "Plaintext secrets YAML (required)")
	vaultEncryptCmd.Flags().StringVar(&vaultOut, "out", "", "Output vault file (default vault.file)")

	vaultCmd.AddCommand(vaultEncryptCmd, vaultCheckCmd)
	rootCmd.AddCommand(vaultCmd)
}

func runVaultEncrypt(cmd *cobra.Command, args []string) error {
	if vaultIn == "" {
		return fleet.ConfigurationError("parse flags", "--in is required", nil)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := vaultOut
	if out == "" {
		out = cfg.Vault.File
	}

	plaintext, err := os.ReadFile(vaultIn)
	if err != nil {
		return fleet.ConfigurationError("vault encrypt", "failed to read "+vaultIn, err)
	}
	defer clear(plaintext)

	creds, err := vault.Parse(plaintext)
	if err != nil {
		return err
	}
	creds.Destroy()

	passphrase, err := vault.ReadPassphrase(cfg.Vault.PasswordFile)
	if err != nil {
		return err
	}
	defer clear(passphrase)

	envelope, err := vault.Encrypt(plaintext, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, envelope, 0o600); err != nil {
		return fleet.ConfigurationError("vault encrypt", "failed to write "+out, err)
	}

	logging.Logger().Info("vault written", zap.String("path", out))
	fmt.Fprintf(rootCmd.OutOrStdout(), "Encrypted %s -> %s\n", vaultIn, out)
	return nil
}

func runVaultCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	passphrase, err := vault.ReadPassphrase(cfg.Vault.PasswordFile)
	if err != nil {
		return err
	}
	creds, err := vault.Load(cfg.Vault.File, passphrase)
	if err != nil {
		return err
	}
	defer creds.Destroy()

	fmt.Fprintf(rootCmd.OutOrStdout(), "%s: %s\n", cfg.Vault.File, creds)
	return nil
}
