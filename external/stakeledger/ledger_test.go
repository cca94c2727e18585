package stakeledger

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumino/go-coordinator/entities"
)

func newTestLedger(t *testing.T) *Ledger {
	dbDir, err := os.MkdirTemp("", "pebble_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dbDir) })

	ledger, err := NewLedger(dbDir)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestLedger_DepositAndBalance(t *testing.T) {
	ledger := newTestLedger(t)

	balance, err := ledger.Balance("provider-alpha")
	require.NoError(t, err)
	assert.Zero(t, balance)

	err = ledger.Deposit("provider-alpha", 1000)
	require.NoError(t, err)
	err = ledger.Deposit("provider-alpha", 500)
	require.NoError(t, err)

	balance, err = ledger.Balance("provider-alpha")
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), balance)

	// Balances are per principal.
	balance, err = ledger.Balance("provider-beta")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestLedger_RequireBalance(t *testing.T) {
	ledger := newTestLedger(t)
	require.NoError(t, ledger.Deposit("provider-alpha", 1000))

	require.NoError(t, ledger.RequireBalance("provider-alpha", 1000))

	err := ledger.RequireBalance("provider-alpha", 1001)
	require.ErrorIs(t, err, entities.ErrInsufficientStake)
	err = ledger.RequireBalance("provider-beta", 1)
	require.ErrorIs(t, err, entities.ErrInsufficientStake)
}

func TestLedger_PenaltyFloorsAtZero(t *testing.T) {
	ledger := newTestLedger(t)
	require.NoError(t, ledger.Deposit("provider-alpha", 300))

	err := ledger.ApplyPenalty("provider-alpha", 200)
	require.NoError(t, err)
	balance, err := ledger.Balance("provider-alpha")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)

	err = ledger.ApplyPenalty("provider-alpha", 500)
	require.NoError(t, err)
	balance, err = ledger.Balance("provider-alpha")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestLedger_Reward(t *testing.T) {
	ledger := newTestLedger(t)

	err := ledger.ApplyReward("provider-alpha", 50)
	require.NoError(t, err)
	balance, err := ledger.Balance("provider-alpha")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), balance)
}

func TestLedger_Slash(t *testing.T) {
	ledger := newTestLedger(t)
	require.NoError(t, ledger.Deposit("provider-alpha", 1000))

	disqualified, err := ledger.IsDisqualified("provider-alpha")
	require.NoError(t, err)
	assert.False(t, disqualified)

	err = ledger.ApplySlash("provider-alpha")
	require.NoError(t, err)

	balance, err := ledger.Balance("provider-alpha")
	require.NoError(t, err)
	assert.Zero(t, balance)

	disqualified, err = ledger.IsDisqualified("provider-alpha")
	require.NoError(t, err)
	assert.True(t, disqualified)

	// Disqualification survives a later deposit.
	require.NoError(t, ledger.Deposit("provider-alpha", 100))
	disqualified, err = ledger.IsDisqualified("provider-alpha")
	require.NoError(t, err)
	assert.True(t, disqualified)
}
