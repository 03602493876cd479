package chain

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Ethereum BIP-44 path m/44'/60'/0'/0/0.
var ethereumPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

// HDProvisioner mints wallets from a fresh BIP-39 mnemonic, deriving the
// first account on the Ethereum path. The seed phrase is what the seller
// finally receives; the private key is what the engine signs with.
type HDProvisioner struct {
	entropyBits int
}

var _ Provisioner = (*HDProvisioner)(nil)

// NewHDProvisioner returns a provisioner minting 12-word mnemonics.
func NewHDProvisioner() *HDProvisioner {
	return &HDProvisioner{entropyBits: 128}
}

// CreateWallet mints a new wallet.
func (p *HDProvisioner) CreateWallet(ctx context.Context) (*KeyMaterial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entropy, err := bip39.NewEntropy(p.entropyBits)
	if err != nil {
		return nil, fmt.Errorf("chain: entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("chain: mnemonic: %w", err)
	}
	return FromMnemonic(mnemonic)
}

// FromMnemonic derives the wallet for an existing mnemonic.
func FromMnemonic(mnemonic string) (*KeyMaterial, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("chain: seed: %w", err)
	}

	// The network params only affect serialization of extended keys, which
	// never leave this function.
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("chain: master key: %w", err)
	}
	for _, idx := range ethereumPath {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("chain: derive %d: %w", idx, err)
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("chain: private key: %w", err)
	}
	ecdsaKey, err := crypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("chain: convert key: %w", err)
	}

	return &KeyMaterial{
		Address:    crypto.PubkeyToAddress(ecdsaKey.PublicKey).Hex(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(ecdsaKey)),
		SeedPhrase: mnemonic,
	}, nil
}
