package signer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
)

// LoadOrCreateKeyFile returns the hex secret key stored at path. When the
// file does not exist a new key is generated and written with owner-only
// permissions.
func LoadOrCreateKeyFile(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid key path: directory traversal detected")
	}

	content, err := os.ReadFile(cleaned)
	switch {
	case err == nil:
		secret := strings.TrimSpace(string(content))
		if !nostr.IsValid32ByteHex(secret) {
			return "", fmt.Errorf("key file %s does not hold a 64-character hex key", cleaned)
		}
		return secret, nil
	case !os.IsNotExist(err):
		return "", fmt.Errorf("failed to read key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cleaned), 0o700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}
	secret := nostr.GeneratePrivateKey()
	if err := os.WriteFile(cleaned, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	return secret, nil
}
