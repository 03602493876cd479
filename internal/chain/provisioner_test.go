package chain

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMnemonic_KnownVector(t *testing.T) {
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	km, err := FromMnemonic(mnemonic)
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", km.Address)
	assert.Len(t, km.PrivateKey, 64)

	addr, err := AddressOf(km.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, km.Address, addr)
}

func TestFromMnemonic_RejectsBadChecksum(t *testing.T) {
	_, err := FromMnemonic("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon")
	assert.Error(t, err)
}

func TestHDProvisioner_CreateWallet(t *testing.T) {
	p := NewHDProvisioner()

	a, err := p.CreateWallet(context.Background())
	require.NoError(t, err)
	b, err := p.CreateWallet(context.Background())
	require.NoError(t, err)

	assert.Len(t, strings.Fields(a.SeedPhrase), 12)
	assert.NotEqual(t, a.Address, b.Address)

	again, err := FromMnemonic(a.SeedPhrase)
	require.NoError(t, err)
	assert.Equal(t, a.PrivateKey, again.PrivateKey, "seed phrase must restore the same key")
}

func TestHDProvisioner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHDProvisioner().CreateWallet(ctx)
	assert.Error(t, err)
}
