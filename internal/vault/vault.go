// Package vault decrypts Ansible Vault (1.1/1.2 AES256) secret files in memory
// and exposes the hypervisor credentials they hold.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"pvefleet/internal/fleet"

	"golang.org/x/crypto/pbkdf2"
)

const (
	headerPrefix = "$ANSIBLE_VAULT;"
	cipherName   = "AES256"

	kdfIterations = 10000
	saltLength    = 32
	keyLength     = 32
	ivLength      = aes.BlockSize
	lineWidth     = 80
)

type derivedKeys struct {
	cipherKey []byte
	hmacKey   []byte
	iv        []byte
	raw       []byte
}

func (k *derivedKeys) wipe() {
	wipe(k.raw)
}

func deriveKeys(passphrase, salt []byte) *derivedKeys {
	raw := pbkdf2.Key(passphrase, salt, kdfIterations, 2*keyLength+ivLength, sha256.New)
	return &derivedKeys{
		cipherKey: raw[:keyLength],
		hmacKey:   raw[keyLength : 2*keyLength],
		iv:        raw[2*keyLength:],
		raw:       raw,
	}
}

// Decrypt opens a vault envelope with passphrase and returns the plaintext.
// The caller owns the returned slice and should wipe it when done.
func Decrypt(envelope, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, fleet.AuthenticationError("decrypt vault", "empty vault passphrase", nil)
	}

	header, body, ok := bytes.Cut(bytes.TrimSpace(envelope), []byte("\n"))
	if !ok || !bytes.HasPrefix(header, []byte(headerPrefix)) {
		return nil, fleet.ConfigurationError("decrypt vault", "file is not an ansible vault", nil)
	}

	fields := strings.Split(strings.TrimSpace(string(header)), ";")
	if len(fields) < 3 {
		return nil, fleet.ConfigurationError("decrypt vault", "malformed vault header", nil)
	}
	if fields[1] != "1.1" && fields[1] != "1.2" {
		return nil, fleet.ConfigurationError("decrypt vault", "unsupported vault version "+fields[1], nil)
	}
	if fields[2] != cipherName {
		return nil, fleet.ConfigurationError("decrypt vault", "unsupported vault cipher "+fields[2], nil)
	}

	inner, err := hex.DecodeString(stripWhitespace(body))
	if err != nil {
		return nil, fleet.ConfigurationError("decrypt vault", "vault body is not hex encoded", err)
	}

	parts := bytes.Split(inner, []byte("\n"))
	if len(parts) != 3 {
		return nil, fleet.ConfigurationError("decrypt vault", "vault body must hold salt, hmac and ciphertext", nil)
	}
	salt, err1 := hex.DecodeString(string(parts[0]))
	mac, err2 := hex.DecodeString(string(parts[1]))
	ciphertext, err3 := hex.DecodeString(string(parts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, fleet.ConfigurationError("decrypt vault", "vault body fields are not hex encoded", nil)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fleet.ConfigurationError("decrypt vault", "vault ciphertext has invalid length", nil)
	}

	keys := deriveKeys(passphrase, salt)
	defer keys.wipe()

	h := hmac.New(sha256.New, keys.hmacKey)
	h.Write(ciphertext)
	if !hmac.Equal(h.Sum(nil), mac) {
		return nil, fleet.AuthenticationError("decrypt vault", "vault passphrase is incorrect", nil)
	}

	block, err := aes.NewCipher(keys.cipherKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, keys.iv).XORKeyStream(plaintext, ciphertext)

	unpadded, err := unpad(plaintext)
	if err != nil {
		wipe(plaintext)
		return nil, fleet.ConfigurationError("decrypt vault", "vault plaintext has invalid padding", err)
	}
	return unpadded, nil
}

// Encrypt seals plaintext into a vault 1.1 envelope.
func Encrypt(plaintext, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, fleet.ConfigurationError("encrypt vault", "empty vault passphrase", nil)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	keys := deriveKeys(passphrase, salt)
	defer keys.wipe()

	block, err := aes.NewCipher(keys.cipherKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	padded := pad(plaintext)
	defer wipe(padded)

	ciphertext := make([]byte, len(padded))
	cipher.NewCTR(block, keys.iv).XORKeyStream(ciphertext, padded)

	h := hmac.New(sha256.New, keys.hmacKey)
	h.Write(ciphertext)

	inner := strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(h.Sum(nil)),
		hex.EncodeToString(ciphertext),
	}, "\n")
	body := hex.EncodeToString([]byte(inner))

	var out bytes.Buffer
	out.WriteString(headerPrefix + "1.1;" + cipherName + "\n")
	for len(body) > lineWidth {
		out.WriteString(body[:lineWidth])
		out.WriteByte('\n')
		body = body[lineWidth:]
	}
	out.WriteString(body)
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("bad padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}

func stripWhitespace(b []byte) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, string(b))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
