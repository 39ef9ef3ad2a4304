// Package id mints prefixed random identifiers for sandboxes whose backend
// has no ID of its own, such as browser-hosted WebContainers.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Generate returns prefix followed by 16 hex characters.
func Generate(prefix string) (string, error) {
	raw, err := GenerateRaw()
	if err != nil {
		return "", err
	}
	return prefix + raw, nil
}

// GenerateRaw returns 16 random hex characters.
func GenerateRaw() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
