package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_TransferMovesFunds(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	key, from := testKey(t)
	to := "0x00000000000000000000000000000000000000b0"

	sim.Credit(from, big.NewInt(100))
	res, err := sim.Transfer(ctx, key, to, big.NewInt(60))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)

	fromBal, _ := sim.BalanceOf(ctx, from)
	toBal, _ := sim.BalanceOf(ctx, to)
	assert.Equal(t, int64(40), fromBal.Int64())
	assert.Equal(t, int64(60), toBal.Int64())
	assert.Len(t, sim.Transfers(), 1)
}

func TestSimulated_InsufficientIsNotBroadcast(t *testing.T) {
	sim := NewSimulated()
	key, _ := testKey(t)

	_, err := sim.Transfer(context.Background(), key, "0x00000000000000000000000000000000000000b0", big.NewInt(1))
	require.Error(t, err)
	assert.True(t, NotBroadcast(err))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestSimulated_HoldAndSettle(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	key, from := testKey(t)
	to := "0x00000000000000000000000000000000000000c0"
	sim.Credit(from, big.NewInt(10))

	sim.HoldTransfers(true)
	_, err := sim.Transfer(ctx, key, to, big.NewInt(10))
	require.NoError(t, err)

	toBal, _ := sim.BalanceOf(ctx, to)
	fromBal, _ := sim.BalanceOf(ctx, from)
	assert.Equal(t, int64(0), toBal.Int64(), "held transfer has not landed")
	assert.Equal(t, int64(0), fromBal.Int64())

	sim.Settle()
	toBal, _ = sim.BalanceOf(ctx, to)
	assert.Equal(t, int64(10), toBal.Int64())
}

func TestSimulated_FailNextTransfer(t *testing.T) {
	sim := NewSimulated()
	key, from := testKey(t)
	sim.Credit(from, big.NewInt(10))

	sim.FailNextTransfer(OpSend, errors.New("node timeout"))
	_, err := sim.Transfer(context.Background(), key, "0x00000000000000000000000000000000000000c0", big.NewInt(5))
	require.Error(t, err)
	assert.False(t, NotBroadcast(err))
	assert.NotEmpty(t, TxHashOf(err))

	_, err = sim.Transfer(context.Background(), key, "0x00000000000000000000000000000000000000c0", big.NewInt(5))
	assert.NoError(t, err, "failure applies to one transfer only")
}
