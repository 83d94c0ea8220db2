package vault

import (
	"errors"
	"os"
	"strings"

	"pvefleet/internal/fleet"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPassword carries the vault passphrase when no password file is given.
const EnvPassword = "FLEET_VAULT_PASSWORD"

// Credentials are the hypervisor secrets for one run. TokenSecret is a byte
// slice so Destroy can zero it; the other fields are not secret.
type Credentials struct {
	APIURL      string
	APIUser     string
	APITokenID  string
	TokenSecret []byte
	BecomeUser  string
}

// String never renders the token secret.
func (c *Credentials) String() string {
	return "Credentials{api_url=" + c.APIURL + " api_user=" + c.APIUser + " api_token_id=" + c.APITokenID + " token_secret=<redacted>}"
}

// MarshalLogObject lets credentials be logged with zap.Object without leaking the secret.
func (c *Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("api_url", c.APIURL)
	enc.AddString("api_user", c.APIUser)
	enc.AddString("api_token_id", c.APITokenID)
	enc.AddBool("token_secret_set", len(c.TokenSecret) > 0)
	enc.AddString("become_user", c.BecomeUser)
	return nil
}

// Destroy zeroes the secret material. The credentials are unusable afterwards.
func (c *Credentials) Destroy() {
	if c == nil {
		return
	}
	wipe(c.TokenSecret)
	c.TokenSecret = nil
}

// secretKeys maps each credential field to the vault keys it may be read from.
var secretKeys = struct {
	url, user, tokenID, secret, become []string
}{
	url:     []string{"api_url", "proxmox_api_url"},
	user:    []string{"api_user", "proxmox_api_user"},
	tokenID: []string{"api_token_id", "proxmox_api_token_id"},
	secret:  []string{"api_token_secret", "proxmox_api_token_secret"},
	become:  []string{"become_user", "ansible_become_user"},
}

// Parse reads credentials from decrypted vault plaintext.
func Parse(plaintext []byte) (*Credentials, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(plaintext, &doc); err != nil {
		return nil, fleet.ConfigurationError("parse vault", "vault content is not a YAML mapping", err)
	}

	lookup := func(keys []string) string {
		for _, k := range keys {
			if v, ok := doc[k]; ok && v != nil {
				if s, ok := v.(string); ok {
					return strings.TrimSpace(s)
				}
			}
		}
		return ""
	}

	secret := lookup(secretKeys.secret)
	if secret == "" {
		return nil, fleet.ConfigurationError("parse vault", "vault has no api_token_secret entry", nil)
	}

	return &Credentials{
		APIURL:      lookup(secretKeys.url),
		APIUser:     lookup(secretKeys.user),
		APITokenID:  lookup(secretKeys.tokenID),
		TokenSecret: []byte(secret),
		BecomeUser:  lookup(secretKeys.become),
	}, nil
}

// ReadPassphrase returns the vault passphrase from passwordFile, falling back to
// the FLEET_VAULT_PASSWORD environment variable. A trailing newline is dropped.
func ReadPassphrase(passwordFile string) ([]byte, error) {
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, fleet.ConfigurationError("read vault password", "failed to read vault password file "+passwordFile, err)
		}
		pass := trimNewline(data)
		if len(pass) == 0 {
			wipe(data)
			return nil, fleet.AuthenticationError("read vault password", "vault password file is empty", nil)
		}
		return pass, nil
	}

	if v := os.Getenv(EnvPassword); v != "" {
		return []byte(v), nil
	}
	return nil, fleet.ConfigurationError("read vault password", "no vault password: set --vault-password-file, FLEET_VAULT_PASSWORD_FILE or "+EnvPassword, nil)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Load decrypts the vault at path with passphrase and parses the credentials.
// The passphrase and intermediate plaintext are wiped before returning.
func Load(path string, passphrase []byte) (*Credentials, error) {
	defer wipe(passphrase)

	envelope, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fleet.ConfigurationError("load vault", "vault file "+path+" not found", err)
		}
		return nil, fleet.ConfigurationError("load vault", "failed to read vault file "+path, err)
	}

	plaintext, err := Decrypt(envelope, passphrase)
	if err != nil {
		return nil, err
	}
	defer wipe(plaintext)

	return Parse(plaintext)
}
