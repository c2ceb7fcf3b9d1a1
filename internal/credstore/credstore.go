// Package credstore decrypts IMAP account passwords stored at rest as
// sealed secretbox ciphertext, so a config file (or the repo it lives
// in) can be committed without leaking plaintext credentials. A master
// key supplied out-of-band (MAILGW_CREDENTIAL_KEY) unseals them at load
// time; accounts that just set a plaintext password skip this entirely.
package credstore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

// keyEnvVar names the environment variable holding the 32-byte
// secretbox key, base64-encoded.
const keyEnvVar = "MAILGW_CREDENTIAL_KEY"

// KeyFromEnv loads and decodes the master key from MAILGW_CREDENTIAL_KEY.
// Returns ok=false when the variable is unset, so callers can treat
// encrypted passwords as a config error only when one is actually used.
func KeyFromEnv() (key [32]byte, ok bool, err error) {
	raw := os.Getenv(keyEnvVar)
	if raw == "" {
		return key, false, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return key, false, fmt.Errorf("credstore: %s is not valid base64: %w", keyEnvVar, err)
	}
	if len(decoded) != 32 {
		return key, false, fmt.Errorf("credstore: %s must decode to 32 bytes, got %d", keyEnvVar, len(decoded))
	}
	copy(key[:], decoded)
	return key, true, nil
}

// Decrypt unseals a hex-encoded "nonce(24)||ciphertext" blob produced by
// Encrypt, using key.
func Decrypt(sealed string, key [32]byte) (string, error) {
	blob, err := hex.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("credstore: decode ciphertext: %w", err)
	}
	if len(blob) < 24 {
		return "", fmt.Errorf("credstore: ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])

	out, ok := secretbox.Open(nil, blob[24:], &nonce, &key)
	if !ok {
		return "", fmt.Errorf("credstore: decryption failed, wrong key or corrupted ciphertext")
	}
	return string(out), nil
}

// Encrypt seals plaintext under key, returning a hex-encoded
// "nonce||ciphertext" blob suitable for an account's password_encrypted
// field. Used by the admin tooling that provisions config files, not by
// the gateway itself at runtime.
func Encrypt(plaintext string, key [32]byte, nonce [24]byte) string {
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &key)
	return hex.EncodeToString(sealed)
}
