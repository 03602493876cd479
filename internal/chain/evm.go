package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// DefaultGasLimit for ERC20 transfers when estimation fails
const DefaultGasLimit = uint64(100000)

// EVMConfig selects the network and token.
type EVMConfig struct {
	RPCURL       string
	ChainID      int64
	USDCContract string
}

// EVMOption configures an EVM client.
type EVMOption func(*EVM)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(client EthClient) EVMOption {
	return func(e *EVM) { e.client = client }
}

// EVM is a Client for an ERC-20 token on an EVM chain. Each transfer is
// signed with the custody key passed in, so one EVM serves every wallet.
type EVM struct {
	client   EthClient
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
}

var _ Client = (*EVM)(nil)

// NewEVM dials cfg.RPCURL unless a client is supplied.
func NewEVM(cfg EVMConfig, opts ...EVMOption) (*EVM, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain: chain ID required")
	}
	if !common.IsHexAddress(cfg.USDCContract) {
		return nil, fmt.Errorf("chain: token contract %q is not an address", cfg.USDCContract)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse ERC20 ABI: %w", err)
	}

	e := &EVM{
		chainID:  big.NewInt(cfg.ChainID),
		contract: common.HexToAddress(cfg.USDCContract),
		abi:      parsed,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
		}
		e.client = client
	}
	return e, nil
}

// IsValidAddress reports whether address is a 20-byte hex address.
func (e *EVM) IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// BalanceOf returns the token balance of address in base units.
func (e *EVM) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, ErrInvalidAddress
	}
	data, err := e.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// Transfer sends amount base units from the wallet of privateKeyHex to to.
func (e *EVM) Transfer(ctx context.Context, privateKeyHex, to string, amount *big.Int) (*TransferResult, error) {
	key, from, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, &TransferError{Op: OpKey, Err: err}
	}
	if !common.IsHexAddress(to) {
		return nil, &TransferError{Op: OpKey, Err: ErrInvalidAddress}
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, &TransferError{Op: OpPack, Err: fmt.Errorf("amount must be positive")}
	}
	recipient := common.HexToAddress(to)

	bal, err := e.BalanceOf(ctx, from.Hex())
	if err != nil {
		return nil, &TransferError{Op: OpBalance, Err: err}
	}
	if bal.Cmp(amount) < 0 {
		return nil, &TransferError{Op: OpBalance, Err: ErrInsufficientBalance}
	}

	data, err := e.abi.Pack("transfer", recipient, amount)
	if err != nil {
		return nil, &TransferError{Op: OpPack, Err: err}
	}
	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &TransferError{Op: OpNonce, Err: err}
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: OpGasPrice, Err: err}
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &e.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), key)
	if err != nil {
		return nil, &TransferError{Op: OpSign, Err: err}
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, &TransferError{Op: OpSend, TxHash: signed.Hash().Hex(), Err: err}
	}

	return &TransferResult{
		TxHash:    signed.Hash().Hex(),
		From:      from.Hex(),
		To:        recipient.Hex(),
		AmountRaw: new(big.Int).Set(amount),
		Nonce:     nonce,
	}, nil
}

// EstimateFee prices one token transfer to to at the current gas price.
func (e *EVM) EstimateFee(ctx context.Context, to string) (*FeeEstimate, error) {
	if !common.IsHexAddress(to) {
		return nil, ErrInvalidAddress
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	data, err := e.abi.Pack("transfer", common.HexToAddress(to), big.NewInt(1))
	if err != nil {
		return nil, fmt.Errorf("chain: pack transfer: %w", err)
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{To: &e.contract, Data: data})
	if err != nil || gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	return newFeeEstimate(gasLimit, gasPrice), nil
}

// Close releases the RPC connection.
func (e *EVM) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

func newFeeEstimate(gasLimit uint64, gasPrice *big.Int) *FeeEstimate {
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	return &FeeEstimate{
		GasLimit: gasLimit,
		GasPrice: gasPrice,
		FeeWei:   wei,
		Fee:      decimal.NewFromBigInt(wei, -18).String(),
	}
}

func parseKey(privateKeyHex string) (*ecdsa.PrivateKey, common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// AddressOf derives the address controlled by privateKeyHex.
func AddressOf(privateKeyHex string) (string, error) {
	_, addr, err := parseKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}
