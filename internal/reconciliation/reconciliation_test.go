package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/chain"
	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/p2p"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/usdc"
	"github.com/mbd888/custodia/internal/vault"
)

type fixture struct {
	svc         *Service
	users       *ledger.Service
	userStore   *ledger.MemoryStore
	p2p         *p2p.Service
	settlements *settlement.Service
	sim         *chain.Simulated
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.New("0123456789abcdef0123456789abcdef", vault.WithPINCost(bcrypt.MinCost))
	require.NoError(t, err)
	sim := chain.NewSimulated()
	userStore := ledger.NewMemoryStore()
	users := ledger.NewService(userStore, sim, chain.NewHDProvisioner(), v)
	settleStore := settlement.NewMemoryStore()
	settlements := settlement.NewService(settleStore, sim)
	p2pSvc := p2p.NewService(p2p.NewMemoryStore(userStore, settleStore), users, sim, settlements)

	ctx := context.Background()
	for _, id := range []string{"seller", "buyer"} {
		_, err := users.Register(ctx, ledger.RegisterRequest{ID: id, Handle: id, PIN: "1234"})
		require.NoError(t, err)
	}
	return &fixture{
		svc:         NewService(users, p2pSvc, settlements),
		users:       users,
		userStore:   userStore,
		p2p:         p2pSvc,
		settlements: settlements,
		sim:         sim,
	}
}

// openDeal starts a 40 USDC deal with seller holding 100.
func (f *fixture) openDeal(t *testing.T) *p2p.Deal {
	t.Helper()
	ctx := context.Background()
	seller, err := f.users.Get(ctx, "seller")
	require.NoError(t, err)
	f.sim.Credit(seller.WalletAddress, usdc.FromWhole(100))
	o, err := f.p2p.CreateOrder(ctx, "seller", p2p.CreateOrderRequest{
		Side: p2p.SideSell, Amount: "40", Rate: "92.5", PaymentDetails: "bank",
	})
	require.NoError(t, err)
	d, err := f.p2p.StartDeal(ctx, "buyer", p2p.StartDealRequest{OrderID: o.ID, Amount: "40"})
	require.NoError(t, err)
	return d
}

func TestRun_Clean(t *testing.T) {
	f := newFixture(t)
	f.openDeal(t)

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, "40.000000", report.FrozenTotal)
	assert.Zero(t, report.Finalized)
}

func TestRun_DetectsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openDeal(t)

	// A freeze with no deal behind it.
	require.NoError(t, f.userStore.Freeze(ctx, "seller", usdc.FromWhole(5), usdc.FromWhole(100), "lost"))
	// And a freeze against a user with no open deals at all.
	buyer, _ := f.users.Get(ctx, "buyer")
	f.sim.Credit(buyer.WalletAddress, usdc.FromWhole(3))
	require.NoError(t, f.userStore.Freeze(ctx, "buyer", usdc.FromWhole(3), usdc.FromWhole(3), "lost"))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 2)
	assert.Equal(t, Mismatch{UserID: "buyer", Frozen: "3.000000", Expected: "0.000000", Diff: "3.000000"}, report.Mismatches[0])
	assert.Equal(t, Mismatch{UserID: "seller", Frozen: "45.000000", Expected: "40.000000", Diff: "5.000000"}, report.Mismatches[1])
	assert.False(t, report.Clean())
}

func TestApply_RepairsWithOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openDeal(t)
	require.NoError(t, f.userStore.Freeze(ctx, "seller", usdc.FromWhole(5), usdc.FromWhole(100), "lost"))

	_, err := f.svc.Apply(ctx, "ops", "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	report, err := f.svc.Apply(ctx, "ops", "drift after restore")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	seller, _ := f.users.Get(ctx, "seller")
	assert.Equal(t, "40.000000", usdc.Format(seller.Frozen()))

	overrides, err := f.users.Overrides(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, overrides)
	assert.Equal(t, ledger.ActionRepairFrozen, overrides[0].Action)
	assert.Equal(t, "ops", overrides[0].ActorID)

	again, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.True(t, again.Clean())
}

func TestRun_SurfacesAndFinalizesStuckPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.openDeal(t)
	_, err := f.p2p.ConfirmDeposit(ctx, "seller", d.ID, "1234")
	require.NoError(t, err)
	_, err = f.p2p.MarkFiatSent(ctx, "buyer", d.ID)
	require.NoError(t, err)

	f.sim.FailNextTransfer(chain.OpSend, errors.New("connection reset"))
	_, err = f.p2p.ConfirmFiatReceived(ctx, "seller", d.ID, "1234")
	require.ErrorIs(t, err, p2p.ErrPayoutPending)

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Unresolved, 1)
	assert.Equal(t, settlement.PayoutKey(d.ID), report.Unresolved[0].Key)
	assert.Empty(t, report.Mismatches)

	_, err = f.settlements.Resolve(ctx, settlement.PayoutKey(d.ID), "", "never reached the node")
	require.NoError(t, err)

	report, err = f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finalized)
	assert.True(t, report.Clean())

	rolled, _ := f.p2p.Lookup(ctx, d.ID)
	assert.Equal(t, p2p.StatusFiatSent, rolled.Status)
}

func TestRun_SurfacesTransferStuckInitiated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The process died between Begin and the chain call.
	rec := settlement.NewRecord(settlement.RefundKey("dl_1"), settlement.KindDedicated, "dl_1", "0xfrom", "0xto", usdc.FromWhole(10))
	rec.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.settlements.Begin(ctx, rec))
	fresh := settlement.NewRecord(settlement.RefundKey("dl_2"), settlement.KindDedicated, "dl_2", "0xfrom", "0xto", usdc.FromWhole(10))
	require.NoError(t, f.settlements.Begin(ctx, fresh))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stale)
	require.Len(t, report.Unresolved, 2)
	byKey := map[string]settlement.Status{}
	for _, r := range report.Unresolved {
		byKey[r.Key] = r.Status
	}
	assert.Equal(t, settlement.StatusUnknown, byKey[rec.Key])
	assert.Equal(t, settlement.StatusInitiated, byKey[fresh.Key])

	_, err = f.settlements.Resolve(ctx, rec.Key, "", "never sent")
	require.NoError(t, err)
	got, err := f.settlements.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusAborted, got.Status)
}

func TestApply_ConcurrentCloseKeepsTotalsExact(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		d := f.openDeal(t)
		require.NoError(t, f.userStore.Freeze(ctx, "seller", usdc.FromWhole(5), usdc.FromWhole(100), "lost"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.p2p.CancelDeal(ctx, "buyer", d.ID)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.Apply(ctx, "ops", "drift")
			assert.NoError(t, err)
		}()
		wg.Wait()

		seller, err := f.users.Get(ctx, "seller")
		require.NoError(t, err)
		assert.Equal(t, "0.000000", usdc.Format(seller.Frozen()), "round %d", i)
	}
}

func TestTimer_SafeRun(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.svc, 0, slog.Default())
	assert.Equal(t, DefaultInterval, timer.interval)
	assert.False(t, timer.Running())
	assert.Nil(t, timer.Last())

	timer.safeRun(context.Background())
	last := timer.Last()
	require.NotNil(t, last)
	assert.Empty(t, last.Err)
	assert.Zero(t, last.Mismatches)
}

func TestTimer_RunsImmediatelyAndStops(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.svc, time.Hour, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return timer.Last() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
