package domain

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lumino/go-coordinator/entities"
	"github.com/lumino/go-coordinator/infrastructure/store/pebbledb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testGenesis = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Phase layout used by all tests: 10m commit, 10m reveal, 5m elect,
// 25m execute, 5m confirm, 5m dispute. One epoch lasts an hour.
var testPhaseOffsets = [6]time.Duration{
	0,
	10 * time.Minute,
	20 * time.Minute,
	25 * time.Minute,
	50 * time.Minute,
	55 * time.Minute,
}

func newTestClock(t *testing.T) *Clock {
	clock, err := NewClock(ClockConfig{
		Genesis: testGenesis,
		Commit:  10 * time.Minute,
		Reveal:  10 * time.Minute,
		Elect:   5 * time.Minute,
		Execute: 25 * time.Minute,
		Confirm: 5 * time.Minute,
		Dispute: 5 * time.Minute,
	})
	require.NoError(t, err)
	return clock
}

// timeIn returns a moment one minute into the given phase of the given epoch.
func timeIn(epoch uint32, phase entities.Phase) time.Time {
	return testGenesis.
		Add(time.Duration(epoch-1) * time.Hour).
		Add(testPhaseOffsets[phase]).
		Add(time.Minute)
}

func newTestStore(t *testing.T) *pebbledb.Store {
	dbDir, err := os.MkdirTemp("", "pebble_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dbDir) })

	store, err := pebbledb.NewStore(dbDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestLogger(t *testing.T) *zap.SugaredLogger {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logger.Sugar()
}

type MockDirectory struct {
	owners map[uint64]entities.Principal
	pools  map[uint32][]uint64
}

func (md *MockDirectory) OwnerOf(nodeID uint64) (entities.Principal, error) {
	owner, ok := md.owners[nodeID]
	if !ok {
		return "", fmt.Errorf("node %d: %w", nodeID, entities.ErrNotFound)
	}
	return owner, nil
}

func (md *MockDirectory) IsOwner(nodeID uint64, principal entities.Principal) (bool, error) {
	return md.owners[nodeID] == principal, nil
}

func (md *MockDirectory) NodesInPool(poolID uint32) ([]entities.Node, error) {
	var nodes []entities.Node
	for _, nodeID := range md.pools[poolID] {
		nodes = append(nodes, entities.Node{
			ID:     nodeID,
			Owner:  md.owners[nodeID],
			PoolID: poolID,
			Active: true,
		})
	}
	return nodes, nil
}

type MockLedger struct {
	balances     map[entities.Principal]uint64
	disqualified map[entities.Principal]bool
}

func newMockLedger() *MockLedger {
	return &MockLedger{
		balances:     make(map[entities.Principal]uint64),
		disqualified: make(map[entities.Principal]bool),
	}
}

func (ml *MockLedger) RequireBalance(principal entities.Principal, amount uint64) error {
	if ml.balances[principal] < amount {
		return fmt.Errorf("principal %s holds %d of required %d: %w",
			principal, ml.balances[principal], amount, entities.ErrInsufficientStake)
	}
	return nil
}

func (ml *MockLedger) ApplyPenalty(principal entities.Principal, amount uint64) error {
	if ml.balances[principal] < amount {
		ml.balances[principal] = 0
		return nil
	}
	ml.balances[principal] -= amount
	return nil
}

func (ml *MockLedger) ApplyReward(principal entities.Principal, amount uint64) error {
	ml.balances[principal] += amount
	return nil
}

func (ml *MockLedger) ApplySlash(principal entities.Principal) error {
	ml.balances[principal] = 0
	ml.disqualified[principal] = true
	return nil
}

func (ml *MockLedger) IsDisqualified(principal entities.Principal) (bool, error) {
	return ml.disqualified[principal], nil
}

type MockGate struct {
	allowed map[entities.Principal]bool
}

func (mg *MockGate) RequireEligible(principal entities.Principal) error {
	if !mg.allowed[principal] {
		return fmt.Errorf("principal %s is not whitelisted: %w", principal, entities.ErrNotEligible)
	}
	return nil
}
