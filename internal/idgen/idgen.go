// Package idgen mints identifiers for escrow records.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// Prefixes by record type.
const (
	PrefixDeal        = "dl_"
	PrefixOrder       = "ord_"
	PrefixP2PDeal     = "p2p_"
	PrefixArbitration = "arb_"
	PrefixEvent       = "evt_"
	PrefixOverride    = "ovr_"
)

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless UUIDv4.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Token returns an opaque, URL-safe, lowercase token of 20 random bytes.
// Dedicated deals are addressed by token because the id is shared as an
// invitation link.
func Token(prefix string) string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + strings.ToLower(tokenEncoding.EncodeToString(b))
}
