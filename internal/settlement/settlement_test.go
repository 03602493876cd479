package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/chain"
	"github.com/mbd888/custodia/internal/usdc"
)

type fixture struct {
	svc  *Service
	sim  *chain.Simulated
	from *chain.KeyMaterial
	to   *chain.KeyMaterial
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := chain.NewHDProvisioner()
	from, err := p.CreateWallet(context.Background())
	require.NoError(t, err)
	to, err := p.CreateWallet(context.Background())
	require.NoError(t, err)

	sim := chain.NewSimulated()
	sim.Credit(from.Address, usdc.FromWhole(100))
	return &fixture{svc: NewService(NewMemoryStore(), sim), sim: sim, from: from, to: to}
}

func (f *fixture) begin(t *testing.T, key string) *Record {
	t.Helper()
	r := NewRecord(key, KindP2P, "p2p_1", f.from.Address, f.to.Address, usdc.FromWhole(10))
	require.NoError(t, f.svc.Begin(context.Background(), r))
	return r
}

func TestBegin_DuplicateUnlessAborted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.begin(t, PayoutKey("p2p_1"))

	err := f.svc.Begin(ctx, r)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.True(t, IsDuplicate(err))
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))

	require.NoError(t, f.svc.Abort(ctx, r.Key, "state change failed"))
	assert.NoError(t, f.svc.Begin(ctx, r))

	got, err := f.svc.Get(ctx, r.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, got.Status)
}

func TestExecute_Broadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.begin(t, PayoutKey("p2p_1"))

	res, err := f.svc.Execute(ctx, r, f.from.PrivateKey)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)

	got, err := f.svc.Get(ctx, r.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcast, got.Status)
	assert.Equal(t, res.TxHash, got.TxHash)

	bal, err := f.sim.BalanceOf(ctx, f.to.Address)
	require.NoError(t, err)
	assert.Equal(t, 0, usdc.FromWhole(10).Cmp(bal))

	assert.ErrorIs(t, f.svc.Begin(ctx, r), ErrDuplicate)
}

func TestExecute_PreBroadcastFailureAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.begin(t, PayoutKey("p2p_1"))
	f.sim.FailNextTransfer(chain.OpNonce, errors.New("rpc timeout"))

	_, err := f.svc.Execute(ctx, r, f.from.PrivateKey)
	assert.ErrorIs(t, err, ErrAborted)

	got, err := f.svc.Get(ctx, r.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, got.Status)

	unresolved, err := f.svc.ListUnresolved(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestExecute_AmbiguousFailureIsUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.begin(t, PayoutKey("p2p_1"))
	f.sim.FailNextTransfer(chain.OpSend, errors.New("connection reset"))

	_, err := f.svc.Execute(ctx, r, f.from.PrivateKey)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.True(t, errors.Is(err, apperr.ErrChainUnconfirmed))

	got, err := f.svc.Get(ctx, r.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, got.Status)
	assert.NotEmpty(t, got.TxHash)

	unresolved, err := f.svc.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	assert.ErrorIs(t, f.svc.Begin(ctx, r), ErrDuplicate)

	resolved, err := f.svc.Resolve(ctx, r.Key, got.TxHash, "seen on explorer")
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcast, resolved.Status)

	_, err = f.svc.Resolve(ctx, r.Key, "", "again")
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
}

func TestResolve_StaleInitiated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.begin(t, RefundKey("dl_1"))

	// A fresh initiated record may still be mid-transfer.
	_, err := f.svc.Resolve(ctx, r.Key, "", "operator")
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
	assert.ErrorIs(t, f.svc.Begin(ctx, r), ErrDuplicate)

	f.svc.now = func() time.Time { return time.Now().Add(DefaultStaleAfter + time.Minute) }
	resolved, err := f.svc.Resolve(ctx, r.Key, "", "process died before sending")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, resolved.Status)

	// The key can be retried once aborted.
	assert.NoError(t, f.svc.Begin(ctx, r))
}

func TestMarkStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.WithStaleAfter(time.Minute)
	stuck := f.begin(t, PayoutKey("p2p_1"))

	n, err := f.svc.MarkStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	fresh := NewRecord(PayoutKey("p2p_2"), KindP2P, "p2p_2", f.from.Address, f.to.Address, usdc.FromWhole(1))
	fresh.UpdatedAt = f.svc.now()
	require.NoError(t, f.svc.Begin(ctx, fresh))

	n, err = f.svc.MarkStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, stuck.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, got.Status)
	assert.Contains(t, got.Detail, "no outcome recorded")
	other, err := f.svc.Get(ctx, fresh.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, other.Status)

	resolved, err := f.svc.Resolve(ctx, stuck.Key, "0xabc", "seen on explorer")
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcast, resolved.Status)
}

func TestTransitions(t *testing.T) {
	assert.True(t, Transitions.Can(StatusInitiated, StatusUnknown))
	assert.True(t, Transitions.Can(StatusUnknown, StatusAborted))
	assert.False(t, Transitions.Can(StatusBroadcast, StatusAborted))
	assert.False(t, Transitions.Can(StatusUnknown, StatusInitiated))
	assert.True(t, Transitions.IsTerminal(StatusBroadcast))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "p2p-payout:p2p_1", PayoutKey("p2p_1"))
	assert.Equal(t, "deal-fund:dl_x", FundKey("dl_x"))
	assert.Equal(t, "deal-refund:dl_x", RefundKey("dl_x"))
}
