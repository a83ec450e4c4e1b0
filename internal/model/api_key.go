package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// APIKey authenticates a Principal via the "ApiKey <principal_id>:<key>"
// authorization scheme. Multiple keys can exist per principal to support
// rotation.
type APIKey struct {
	ID         string
	Prefix     string
	KeyHash    string // Never serialized.
	PrincipalID string
	TenantID   string
	Label      string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
}

// APIKeyWithRawKey is returned only on creation/rotation — the only time the
// raw key is available. After this, only the prefix is visible.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}

const (
	keyPrefixLen    = 4  // random bytes -> 8 hex chars
	keySecretLen    = 16 // random bytes -> 32 hex chars
	keyFormatPrefix = "tox_"
)

// GenerateRawKey produces a new raw API key: tox_<8-char-prefix>_<32-char-secret>.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}
	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}
	prefix = hex.EncodeToString(prefixBytes)
	secret := hex.EncodeToString(secretBytes)
	rawKey = keyFormatPrefix + prefix + "_" + secret
	return rawKey, prefix, nil
}

// ParseRawKey extracts the prefix from a raw key string.
func ParseRawKey(rawKey string) (prefix string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}
	rest := rawKey[len(keyFormatPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx < 1 || underIdx == len(rest)-1 {
		return "", fmt.Errorf("model: invalid key format: expected tox_<prefix>_<secret>")
	}
	return rest[:underIdx], nil
}
