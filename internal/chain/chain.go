// Package chain adapts the token chain for the escrow engines: balance
// reads, transfers signed with a custody key, fee estimates and minting of
// fresh custody wallets.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/mbd888/custodia/internal/apperr"
)

// Client reads balances and moves the escrowed token.
type Client interface {
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
	Transfer(ctx context.Context, privateKeyHex, to string, amount *big.Int) (*TransferResult, error)
	IsValidAddress(address string) bool
	EstimateFee(ctx context.Context, to string) (*FeeEstimate, error)
}

// Provisioner mints custody wallets.
type Provisioner interface {
	CreateWallet(ctx context.Context) (*KeyMaterial, error)
}

// KeyMaterial is a freshly minted wallet. PrivateKey is hex without 0x.
type KeyMaterial struct {
	Address    string
	PrivateKey string
	SeedPhrase string
}

// TransferResult describes a broadcast transfer.
type TransferResult struct {
	TxHash    string
	From      string
	To        string
	AmountRaw *big.Int
	Nonce     uint64
}

// FeeEstimate is the native-token cost of one token transfer.
type FeeEstimate struct {
	GasLimit uint64
	GasPrice *big.Int
	FeeWei   *big.Int
	Fee      string // in whole native tokens
}

var (
	ErrInvalidPrivateKey   = errors.New("chain: invalid private key")
	ErrInvalidAddress      = apperr.New(apperr.ErrValidation, "invalid wallet address")
	ErrInsufficientBalance = errors.New("chain: sender balance below transfer amount")
	ErrUnavailable         = apperr.New(apperr.ErrChainUnconfirmed, "chain provider unavailable, retry later")
)

// Transfer stages, in order. Failures before OpSend never reached the network.
const (
	OpKey      = "key"
	OpBalance  = "balance"
	OpPack     = "pack"
	OpNonce    = "nonce"
	OpGasPrice = "gas_price"
	OpSign     = "sign"
	OpBreaker  = "breaker"
	OpSend     = "send"
)

// TransferError wraps transfer failures with the stage that failed.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// NotBroadcast reports whether err proves the transfer never left the
// process. Anything else (a send error, a timeout, an unknown error) may
// have reached the network and must be treated as ambiguous.
func NotBroadcast(err error) bool {
	var te *TransferError
	if !errors.As(err, &te) {
		return false
	}
	return te.Op != OpSend
}

// TxHashOf returns the hash carried by a transfer error, if any.
func TxHashOf(err error) string {
	var te *TransferError
	if errors.As(err, &te) {
		return te.TxHash
	}
	return ""
}
