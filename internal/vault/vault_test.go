package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pvefleet/internal/fleet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const secretsYAML = `proxmox_api_url: https://pve.lab:8006/api2/json
api_user: automation@pve
api_token_id: fleet
api_token_secret: 0f3c9a52-3b2e-4c1d-9a7e-5d2f1b0c8e44
become_user: marie
`

func writeVault(t *testing.T, plaintext, passphrase string) string {
	t.Helper()
	envelope, err := Encrypt([]byte(plaintext), []byte(passphrase))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "secrets.yml")
	require.NoError(t, os.WriteFile(path, envelope, 0o600))
	return path
}

func TestEncryptProducesVaultEnvelope(t *testing.T) {
	envelope, err := Encrypt([]byte(secretsYAML), []byte("correct horse"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(envelope)), "\n")
	assert.Equal(t, "$ANSIBLE_VAULT;1.1;AES256", lines[0])
	for _, l := range lines[1:] {
		assert.LessOrEqual(t, len(l), 80)
	}
	assert.NotContains(t, string(envelope), "0f3c9a52")
}

func TestLoad(t *testing.T) {
	path := writeVault(t, secretsYAML, "correct horse")

	creds, err := Load(path, []byte("correct horse"))
	require.NoError(t, err)

	assert.Equal(t, "https://pve.lab:8006/api2/json", creds.APIURL)
	assert.Equal(t, "automation@pve", creds.APIUser)
	assert.Equal(t, "fleet", creds.APITokenID)
	assert.Equal(t, "0f3c9a52-3b2e-4c1d-9a7e-5d2f1b0c8e44", string(creds.TokenSecret))
	assert.Equal(t, "marie", creds.BecomeUser)
}

func TestLoadWipesPassphrase(t *testing.T) {
	path := writeVault(t, secretsYAML, "correct horse")
	pass := []byte("correct horse")

	_, err := Load(path, pass)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(pass)), pass)
}

func TestLoadBadPassphrase(t *testing.T) {
	path := writeVault(t, secretsYAML, "correct horse")

	_, err := Load(path, []byte("battery staple"))
	require.Error(t, err)
	assert.Equal(t, fleet.KindAuthentication, fleet.KindOf(err))
}

func TestLoadMissingOrMalformed(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"), []byte("x"))
	assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))

	plain := filepath.Join(t.TempDir(), "plain.yml")
	require.NoError(t, os.WriteFile(plain, []byte(secretsYAML), 0o600))
	_, err = Load(plain, []byte("x"))
	assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))

	noSecret := writeVault(t, "api_user: root@pam\n", "pw")
	_, err = Load(noSecret, []byte("pw"))
	assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))
}

func TestDecryptRejectsUnsupportedHeader(t *testing.T) {
	_, err := Decrypt([]byte("$ANSIBLE_VAULT;1.0;AES\n00"), []byte("pw"))
	assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))
}

func TestCredentialsNeverRenderSecret(t *testing.T) {
	creds := &Credentials{APIUser: "root@pam", APITokenID: "fleet", TokenSecret: []byte("s3cr3t-token")}

	assert.NotContains(t, creds.String(), "s3cr3t-token")

	core, logs := observer.New(zap.DebugLevel)
	zap.New(core).Info("loaded credentials", zap.Object("credentials", creds))
	require.Equal(t, 1, logs.Len())
	for _, v := range logs.All()[0].ContextMap() {
		assert.NotContains(t, fmt.Sprint(v), "s3cr3t-token")
	}
}

func TestDestroyZeroesSecret(t *testing.T) {
	secret := []byte("s3cr3t-token")
	creds := &Credentials{TokenSecret: secret}

	creds.Destroy()

	assert.Nil(t, creds.TokenSecret)
	assert.Equal(t, make([]byte, len(secret)), secret)
}

func TestReadPassphrase(t *testing.T) {
	file := filepath.Join(t.TempDir(), "vault-pass")
	require.NoError(t, os.WriteFile(file, []byte("from-file\n"), 0o600))

	pass, err := ReadPassphrase(file)
	require.NoError(t, err)
	assert.Equal(t, "from-file", string(pass))

	t.Setenv(EnvPassword, "from-env")
	pass, err = ReadPassphrase("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", string(pass))

	t.Setenv(EnvPassword, "")
	_, err = ReadPassphrase("")
	assert.Equal(t, fleet.KindConfiguration, fleet.KindOf(err))
}

// The testdata envelopes follow the ansible-vault layout byte for byte:
// 80-column hex body wrapping hex(salt)\nhex(hmac)\nhex(ciphertext), with
// passphrase "vault-fixture-pass".
func TestDecryptAnsibleVaultFixtures(t *testing.T) {
	for _, name := range []string{"secrets-1.1.vault", "secrets-1.2.vault"} {
		t.Run(name, func(t *testing.T) {
			envelope, err := os.ReadFile(filepath.Join("testdata", name))
			require.NoError(t, err)

			plaintext, err := Decrypt(envelope, []byte("vault-fixture-pass"))
			require.NoError(t, err)
			creds, err := Parse(plaintext)
			require.NoError(t, err)
			defer creds.Destroy()

			assert.Equal(t, "https://pve.lab:8006/api2/json", creds.APIURL)
			assert.Equal(t, "automation@pve", creds.APIUser)
			assert.Equal(t, "fleet", creds.APITokenID)
			assert.Equal(t, "7d1e4b60-2a9f-4f0e-8c33-91b5a6d2c0fe", string(creds.TokenSecret))
			assert.Equal(t, "gpuadmin", creds.BecomeUser)

			_, err = Decrypt(envelope, []byte("wrong-pass"))
			assert.Equal(t, fleet.KindAuthentication, fleet.KindOf(err))
		})
	}
}

func TestLoadAnsibleVaultFixture(t *testing.T) {
	pass := []byte("vault-fixture-pass")
	creds, err := Load(filepath.Join("testdata", "secrets-1.2.vault"), pass)
	require.NoError(t, err)
	defer creds.Destroy()

	assert.Equal(t, "fleet", creds.APITokenID)
	assert.Equal(t, "7d1e4b60-2a9f-4f0e-8c33-91b5a6d2c0fe", string(creds.TokenSecret))
	assert.Equal(t, make([]byte, len(pass)), pass)
}
