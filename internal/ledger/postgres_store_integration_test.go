//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbd888/custodia/internal/chain"
	"github.com/mbd888/custodia/internal/testutil"
	"github.com/mbd888/custodia/internal/usdc"
	"github.com/mbd888/custodia/internal/vault"
)

func newPGService(t *testing.T) (*Service, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return newPGServiceOn(t, db)
}

func newPGServiceOn(t *testing.T, db *sql.DB) (*Service, *PostgresStore) {
	t.Helper()
	v, err := vault.New("0123456789abcdef0123456789abcdef", vault.WithPINCost(bcrypt.MinCost))
	require.NoError(t, err)
	store := NewPostgresStore(db)
	return NewService(store, chain.NewSimulated(), chain.NewHDProvisioner(), v), store
}

func TestPostgres_RegisterAndHandleUniqueness(t *testing.T) {
	svc, _ := newPGService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterRequest{ID: "u1", Handle: "sam", PIN: "1234"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, u.WalletAddress, got.WalletAddress)
	assert.Equal(t, "0.000000", usdc.Format(got.Frozen()))

	_, err = svc.Register(ctx, RegisterRequest{ID: "u2", Handle: "sam", PIN: "1234"})
	assert.ErrorIs(t, err, ErrHandleTaken)
	_, err = svc.Register(ctx, RegisterRequest{ID: "u1", Handle: "other", PIN: "1234"})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestPostgres_ConditionalFreeze(t *testing.T) {
	svc, store := newPGService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterRequest{ID: "u1", Handle: "sam", PIN: "1234"})
	require.NoError(t, err)

	onChain := usdc.FromWhole(100)
	require.NoError(t, store.Freeze(ctx, "u1", usdc.FromWhole(60), onChain, "d1"))
	assert.ErrorIs(t, store.Freeze(ctx, "u1", usdc.FromWhole(50), onChain, "d2"), ErrInsufficientFunds)
	require.NoError(t, store.Unfreeze(ctx, "u1", usdc.FromWhole(100), "d1"))

	u, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "0.000000", usdc.Format(u.Frozen()), "unfreeze floors at zero")

	events, err := store.ListEvents(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 2, "a refused freeze records nothing")
}

func TestPostgres_ConcurrentFreezesNeverOvercommit(t *testing.T) {
	svc, store := newPGService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterRequest{ID: "u1", Handle: "sam", PIN: "1234"})
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Freeze(ctx, "u1", usdc.FromWhole(20), usdc.FromWhole(100), "race") == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	totals, err := store.ListFrozen(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100.000000", usdc.Format(totals["u1"]))
}

func TestPostgres_RepairIsAudited(t *testing.T) {
	svc, store := newPGService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterRequest{ID: "u1", Handle: "sam", PIN: "1234"})
	require.NoError(t, err)

	o, err := NewRepairOverride("ops", "u1", "drift")
	require.NoError(t, err)
	require.NoError(t, store.SetFrozen(ctx, "u1", usdc.FromWhole(7), o))
	assert.Equal(t, "7.000000", o.After)
	_, err = svc.SetArbitrator(ctx, "ops", "u1", true, "trusted")
	require.NoError(t, err)

	overrides, err := svc.Overrides(ctx, 10)
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	assert.Equal(t, "u1", overrides[1].SubjectID)
	assert.Equal(t, ActionRepairFrozen, overrides[1].Action)

	u, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.IsArbitrator)
	assert.Equal(t, "7.000000", usdc.Format(u.Frozen()))
}

func TestPostgres_RunSerializableReplaysConflicts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	svc, _ := newPGServiceOn(t, db)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterRequest{ID: "u1", Handle: "sam", PIN: "1234"})
	require.NoError(t, err)

	attempts := 0
	err = RunSerializable(ctx, db, func(tx *sql.Tx) error {
		attempts++
		if err := FreezeTx(ctx, tx, "u1", usdc.FromWhole(5), usdc.FromWhole(100), "d1"); err != nil {
			return err
		}
		if attempts == 1 {
			return &pq.Error{Code: "40001", Message: "could not serialize access"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	totals, err := svc.FrozenTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5.000000", usdc.Format(totals["u1"]), "the failed attempt was rolled back")

	boom := errors.New("boom")
	attempts = 0
	err = RunSerializable(ctx, db, func(*sql.Tx) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}
