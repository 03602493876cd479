// Package usdc parses, formats and compares amounts of the escrowed token.
//
// The token has 6 decimals. Amounts travel as decimal strings ("12.5") at
// the API and storage edges and as *big.Int base units everywhere money is
// compared or moved.
package usdc

import (
	"math/big"
	"strings"

	"github.com/mbd888/custodia/internal/apperr"
)

const Decimals = 6

var unit = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "1.50") to base units (1500000).
// Returns (nil, false) for empty, negative, malformed input or input with
// more than 6 fractional digits. Precision is never silently dropped.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || len(frac) > Decimals {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, false
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// ParsePositive parses s and requires it to be greater than zero.
func ParsePositive(field, s string) (*big.Int, error) {
	v, ok := Parse(s)
	if !ok {
		return nil, apperr.Validation("%s: invalid amount %q", field, s)
	}
	if v.Sign() <= 0 {
		return nil, apperr.Validation("%s: must be greater than zero", field)
	}
	return v, nil
}

// MustParse is Parse for trusted constants and stored values.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("usdc: invalid amount " + s)
	}
	return v
}

// Format renders base units with exactly 6 decimals (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Normalize re-renders a stored amount in canonical form. Invalid input is
// returned unchanged.
func Normalize(s string) string {
	v, ok := Parse(s)
	if !ok {
		return s
	}
	return Format(v)
}

// SubFloor returns a - b, floored at zero.
func SubFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// FromWhole converts whole tokens to base units.
func FromWhole(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
