package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Simulated is an in-memory token ledger used in development mode and tests.
// Keys are real secp256k1 keys, so wallets minted by HDProvisioner work.
type Simulated struct {
	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	transfers []*TransferResult
	pending   []*TransferResult
	hold      bool
	failNext  *TransferError
	nonce     uint64
	gasPrice  *big.Int
}

var _ Client = (*Simulated)(nil)

// NewSimulated returns an empty simulated chain.
func NewSimulated() *Simulated {
	return &Simulated{
		balances: make(map[common.Address]*big.Int),
		gasPrice: big.NewInt(1_000_000_000),
	}
}

// Credit adds amount to address, as if an outside deposit landed.
func (s *Simulated) Credit(address string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(common.HexToAddress(address), amount)
}

// SetBalance overwrites the balance of address.
func (s *Simulated) SetBalance(address string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[common.HexToAddress(address)] = new(big.Int).Set(amount)
}

// HoldTransfers makes later transfers broadcast without landing until Settle.
func (s *Simulated) HoldTransfers(hold bool) {
	s.mu.Lock()
	s.hold = hold
	s.mu.Unlock()
}

// Settle lands every held transfer.
func (s *Simulated) Settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.pending {
		s.apply(tr)
	}
	s.pending = nil
}

// FailNextTransfer makes the next Transfer fail at stage op.
func (s *Simulated) FailNextTransfer(op string, err error) {
	s.mu.Lock()
	s.failNext = &TransferError{Op: op, Err: err}
	s.mu.Unlock()
}

// Transfers returns every broadcast transfer, oldest first.
func (s *Simulated) Transfers() []TransferResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransferResult, len(s.transfers))
	for i, tr := range s.transfers {
		out[i] = *tr
	}
	return out
}

func (s *Simulated) IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

func (s *Simulated) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(address) {
		return nil, ErrInvalidAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[common.HexToAddress(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (s *Simulated) Transfer(ctx context.Context, privateKeyHex, to string, amount *big.Int) (*TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransferError{Op: OpKey, Err: err}
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, &TransferError{Op: OpKey, Err: ErrInvalidPrivateKey}
	}
	if !common.IsHexAddress(to) {
		return nil, &TransferError{Op: OpKey, Err: ErrInvalidAddress}
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, &TransferError{Op: OpPack, Err: fmt.Errorf("amount must be positive")}
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if f := s.failNext; f != nil {
		s.failNext = nil
		if f.Op == OpSend {
			s.nonce++
			f.TxHash = fakeHash(from, s.nonce)
		}
		return nil, f
	}

	bal := s.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return nil, &TransferError{Op: OpBalance, Err: ErrInsufficientBalance}
	}

	s.nonce++
	tr := &TransferResult{
		TxHash:    fakeHash(from, s.nonce),
		From:      from.Hex(),
		To:        common.HexToAddress(to).Hex(),
		AmountRaw: new(big.Int).Set(amount),
		Nonce:     s.nonce,
	}
	s.transfers = append(s.transfers, tr)
	if s.hold {
		// Debit now so the sender cannot double-spend while the credit is in flight.
		bal.Sub(bal, amount)
		s.pending = append(s.pending, &TransferResult{To: tr.To, AmountRaw: tr.AmountRaw})
	} else {
		s.apply(tr)
	}
	return tr, nil
}

func (s *Simulated) EstimateFee(ctx context.Context, to string) (*FeeEstimate, error) {
	if !common.IsHexAddress(to) {
		return nil, ErrInvalidAddress
	}
	return newFeeEstimate(DefaultGasLimit/2, new(big.Int).Set(s.gasPrice)), nil
}

// apply moves funds for tr. A held transfer has no From, its debit already
// happened. Caller holds s.mu.
func (s *Simulated) apply(tr *TransferResult) {
	if tr.From != "" {
		from := common.HexToAddress(tr.From)
		s.balances[from] = new(big.Int).Sub(s.balances[from], tr.AmountRaw)
	}
	s.add(common.HexToAddress(tr.To), tr.AmountRaw)
}

func (s *Simulated) add(addr common.Address, amount *big.Int) {
	cur, ok := s.balances[addr]
	if !ok {
		cur = big.NewInt(0)
	}
	s.balances[addr] = new(big.Int).Add(cur, amount)
}

func fakeHash(from common.Address, nonce uint64) string {
	return crypto.Keccak256Hash(from.Bytes(), new(big.Int).SetUint64(nonce).Bytes()).Hex()
}
