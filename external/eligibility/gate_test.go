package eligibility

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumino/go-coordinator/entities"
)

func newTestGate(t *testing.T) *Gate {
	dbDir, err := os.MkdirTemp("", "pebble_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dbDir) })

	gate, err := NewGate(dbDir)
	require.NoError(t, err)
	t.Cleanup(func() { gate.Close() })
	return gate
}

func TestGate_AllowAndRevoke(t *testing.T) {
	gate := newTestGate(t)

	eligible, err := gate.IsEligible("provider-alpha")
	require.NoError(t, err)
	assert.False(t, eligible)

	require.NoError(t, gate.Allow("provider-alpha"))

	eligible, err = gate.IsEligible("provider-alpha")
	require.NoError(t, err)
	assert.True(t, eligible)

	require.NoError(t, gate.Revoke("provider-alpha"))

	eligible, err = gate.IsEligible("provider-alpha")
	require.NoError(t, err)
	assert.False(t, eligible)

	// Revoking an absent entry is not an error.
	require.NoError(t, gate.Revoke("provider-beta"))
}

func TestGate_RequireEligible(t *testing.T) {
	gate := newTestGate(t)
	require.NoError(t, gate.Allow("provider-alpha"))

	require.NoError(t, gate.RequireEligible("provider-alpha"))

	err := gate.RequireEligible("provider-beta")
	require.ErrorIs(t, err, entities.ErrNotEligible)
}
