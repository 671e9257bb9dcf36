package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	StateSecretFile   = "state.key"
	EncryptionKeyFile = "vault.key"
)

// LoadOrCreateSecret reads a hex-encoded 256-bit key from dir/name, or
// generates and persists one if the file is missing or empty. A file with
// unreadable content is an error rather than silently replaced, since the
// vault key protects stored tokens.
func LoadOrCreateSecret(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)

	data, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(data))) > 0 {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		return key, nil
	}

	return RotateSecret(dir, name)
}

// RotateSecret generates a new key, replacing the existing one. Rotating the
// state secret only invalidates pending authorization requests; rotating the
// vault key makes every stored token unreadable.
func RotateSecret(dir, name string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("write secret: %w", err)
	}
	return key, nil
}

// ResolveSecret returns the configured hex secret when set, otherwise the
// persisted one from dir/name.
func ResolveSecret(configured, dir, name string) ([]byte, error) {
	if configured != "" {
		key, err := hex.DecodeString(configured)
		if err != nil || len(key) < 16 {
			return nil, fmt.Errorf("%s: configured secret must be at least 32 hex characters", name)
		}
		return key, nil
	}
	return LoadOrCreateSecret(dir, name)
}
