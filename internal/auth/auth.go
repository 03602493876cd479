// Package auth authenticates the presentation gateway and carries the
// caller identity it asserts.
//
// Authentication model:
//   - Every API request carries a gateway key (Authorization: Bearer gk_...)
//   - The gateway names the acting user in X-Caller-ID; roles are always
//     re-derived from stored records, never from headers
//   - Admin routes additionally require X-Admin-Secret
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/mbd888/custodia/internal/apperr"
)

// Errors
var (
	ErrNoAPIKey      = apperr.New(apperr.ErrAuthentication, "gateway key required")
	ErrInvalidAPIKey = apperr.New(apperr.ErrAuthentication, "invalid gateway key")
	ErrNoCaller      = apperr.New(apperr.ErrAuthentication, "caller identity required")
	ErrNotAdmin      = apperr.New(apperr.ErrAuthorization, "admin secret required")
)

const keyPrefix = "gk_"

// Manager validates gateway keys against configured SHA-256 digests.
type Manager struct {
	hashes      [][]byte
	adminSecret string
}

// NewManager creates a manager. Each entry in keyHashes is the hex SHA-256
// of an accepted gateway key.
func NewManager(keyHashes []string, adminSecret string) *Manager {
	m := &Manager{adminSecret: adminSecret}
	for _, h := range keyHashes {
		if b, err := hex.DecodeString(strings.TrimSpace(h)); err == nil && len(b) == sha256.Size {
			m.hashes = append(m.hashes, b)
		}
	}
	return m
}

// Enabled reports whether any gateway key is configured. A manager with
// no keys accepts every request, which config forbids in production.
func (m *Manager) Enabled() bool { return len(m.hashes) > 0 }

// GenerateKey creates a new gateway key. Returns the raw key (shown once)
// and the digest to configure in GATEWAY_API_KEYS.
func GenerateKey() (rawKey, digest string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)
	return rawKey, HashKey(rawKey), nil
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// ValidateKey checks a raw key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(rawKey string) error {
	if !m.Enabled() {
		return nil
	}
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return ErrInvalidAPIKey
	}
	sum := sha256.Sum256([]byte(rawKey))
	for _, h := range m.hashes {
		if subtle.ConstantTimeCompare(sum[:], h) == 1 {
			return nil
		}
	}
	return ErrInvalidAPIKey
}

// ValidateAdmin checks the admin secret in constant time.
func (m *Manager) ValidateAdmin(secret string) error {
	if m.adminSecret == "" || secret == "" {
		return ErrNotAdmin
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(m.adminSecret)) != 1 {
		return ErrNotAdmin
	}
	return nil
}
