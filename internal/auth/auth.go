// Package auth resolves the credentials a proxied call runs with: caller
// supplied provider keys, gateway-issued virtual keys, and federated bearer
// tokens from an agent's identity provider.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// VirtualKeyPrefix marks keys issued by the gateway.
const VirtualKeyPrefix = "pvk_"

// HashKey creates a SHA-256 hash of a key for storage.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// IsVirtualKey reports whether key carries the virtual key prefix.
func IsVirtualKey(key string) bool {
	return strings.HasPrefix(key, VirtualKeyPrefix) && len(key) > len(VirtualKeyPrefix)
}

// GenerateVirtualKey returns a new random virtual key.
func GenerateVirtualKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return VirtualKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
