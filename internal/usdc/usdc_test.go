package usdc

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/custodia/internal/apperr"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1.00", 1_000_000},
		{"0.50", 500_000},
		{"100", 100_000_000},
		{"0.000001", 1},
		{"1.5", 1_500_000},
		{"1.123456", 1_123_456},
		{"007.50", 7_500_000},
		{".25", 250_000},
		{" 90 ", 90_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "-1", "+1", "1.2.3", "abc", "1e6", "1.1234567", "1,5"} {
		if _, ok := Parse(in); ok {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestParsePositive(t *testing.T) {
	v, err := ParsePositive("amount", "50")
	assert.NoError(t, err)
	assert.Equal(t, 0, FromWhole(50).Cmp(v))

	_, err = ParsePositive("amount", "0")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = ParsePositive("amount", "nope")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.000000", Format(nil))
	assert.Equal(t, "0.000001", Format(big.NewInt(1)))
	assert.Equal(t, "100.000000", Format(FromWhole(100)))
	assert.Equal(t, "-1.500000", Format(big.NewInt(-1_500_000)))
	assert.Equal(t, "12.340000", Normalize("12.34"))
	assert.Equal(t, "garbage", Normalize("garbage"))
}

func TestSubFloorAndMin(t *testing.T) {
	assert.Equal(t, int64(0), SubFloor(big.NewInt(5), big.NewInt(9)).Int64())
	assert.Equal(t, int64(4), SubFloor(big.NewInt(9), big.NewInt(5)).Int64())
	assert.Equal(t, int64(5), Min(big.NewInt(5), big.NewInt(9)).Int64())
}
