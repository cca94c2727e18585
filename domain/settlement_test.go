package domain

import (
	"testing"

	"github.com/lumino/go-coordinator/entities"
	"github.com/lumino/go-coordinator/infrastructure/store/pebbledb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSettlementParams = SettlementParams{
	LeaderReward:              500,
	ParticipationReward:       50,
	DisputerReward:            25,
	MissedAssignmentPenalty:   1000,
	MissedConfirmationPenalty: 200,
	SlashThreshold:            3,
}

func newTestSettlement(t *testing.T, params SettlementParams) (*Settlement, *Assignment, *pebbledb.Store, *MockLedger) {
	store := newTestStore(t)
	directory := &MockDirectory{
		owners: map[uint64]entities.Principal{
			1: "provider-alpha",
			2: "provider-beta",
			3: "provider-gamma",
		},
		pools: map[uint32][]uint64{testPool: {1, 2, 3}},
	}
	ledger := newMockLedger()
	ledger.balances["client-one"] = 10_000
	ledger.balances["provider-alpha"] = 1000
	ledger.balances["provider-beta"] = 1000
	ledger.balances["provider-gamma"] = 1000

	clock := newTestClock(t)
	logger := newTestLogger(t)
	assignment := NewAssignment(clock, store, directory, ledger, AssignmentParams{MaxJobsPerNode: 4, JobDeposit: 100}, logger)
	settlement := NewSettlement(clock, store, assignment, directory, ledger, params, logger)
	return settlement, assignment, store, ledger
}

func TestSettlement_ProcessEpoch(t *testing.T) {

	settlement, assignment, store, ledger := newTestSettlement(t, testSettlementParams)

	seedElection(t, store, 1, 1, []uint64{1})
	jobs := submitJobs(t, assignment, 2)

	_, err := assignment.StartAssignmentRound(timeIn(1, entities.PhaseExecute), "provider-alpha")
	require.NoError(t, err)

	// One job confirmed, one left hanging.
	err = assignment.ConfirmJob(timeIn(1, entities.PhaseConfirm), "provider-alpha", jobs[0].ID)
	require.NoError(t, err)

	summary, err := settlement.ProcessEpoch(timeIn(1, entities.PhaseDispute), "watcher-one", 1)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), summary.Epoch)
	assert.Equal(t, uint64(1), summary.Leader)
	assert.True(t, summary.RoundStarted)
	assert.Equal(t, 1, summary.RosterSize)
	assert.Equal(t, 2, summary.AssignedJobs)
	assert.Equal(t, 1, summary.UnconfirmedJobs)
	assert.Equal(t, 1, summary.Penalties)
	assert.Equal(t, 3, summary.Rewards)
	assert.Empty(t, summary.Slashed)
	assert.Equal(t, entities.Principal("watcher-one"), summary.SettledBy)

	// Leader reward, participation reward and missed-confirmation penalty
	// all land on the single provider.
	assert.Equal(t, uint64(1000-200+500+50), ledger.balances["provider-alpha"])
	assert.Equal(t, uint64(25), ledger.balances["watcher-one"])

	last, err := settlement.LastSettledEpoch()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), last)
}

func TestSettlement_ExactlyOnce(t *testing.T) {

	settlement, _, store, ledger := newTestSettlement(t, testSettlementParams)
	seedElection(t, store, 1, 1, []uint64{1})

	// Premature: epoch 1 is still executing.
	_, err := settlement.ProcessEpoch(timeIn(1, entities.PhaseExecute), "watcher-one", 1)
	require.ErrorIs(t, err, entities.ErrPhaseViolation)

	// Out of order: epoch 2 before epoch 1.
	_, err = settlement.ProcessEpoch(timeIn(2, entities.PhaseDispute), "watcher-one", 2)
	require.ErrorIs(t, err, entities.ErrAlreadyProcessed)

	_, err = settlement.ProcessEpoch(timeIn(1, entities.PhaseDispute), "watcher-one", 1)
	require.NoError(t, err)
	balanceAfterFirst := ledger.balances["provider-alpha"]

	// Retrying a settled epoch changes nothing.
	_, err = settlement.ProcessEpoch(timeIn(1, entities.PhaseDispute), "watcher-two", 1)
	require.ErrorIs(t, err, entities.ErrAlreadyProcessed)
	assert.Equal(t, balanceAfterFirst, ledger.balances["provider-alpha"])
	assert.Zero(t, ledger.balances["watcher-two"])
}

func TestSettlement_SettleFromLaterEpoch(t *testing.T) {

	// Epoch 1 may still be settled once epoch 2 is underway.
	settlement, _, store, _ := newTestSettlement(t, testSettlementParams)
	seedElection(t, store, 1, 1, []uint64{1})

	summary, err := settlement.ProcessEpoch(timeIn(2, entities.PhaseCommit), "watcher-one", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), summary.Epoch)
}

func TestSettlement_MissedAssignmentRound(t *testing.T) {

	settlement, _, store, ledger := newTestSettlement(t, testSettlementParams)

	// Leader elected but the round never ran.
	seedElection(t, store, 1, 1, []uint64{1, 2})

	summary, err := settlement.ProcessEpoch(timeIn(1, entities.PhaseDispute), "watcher-one", 1)
	require.NoError(t, err)

	assert.False(t, summary.RoundStarted)
	assert.Equal(t, 1, summary.Penalties)
	// Participation rewards still flow; the leader reward does not.
	assert.Equal(t, 3, summary.Rewards)
	assert.Equal(t, uint64(1000-1000+50), ledger.balances["provider-alpha"])
	assert.Equal(t, uint64(1000+50), ledger.balances["provider-beta"])
}

func TestSettlement_NoElection(t *testing.T) {

	settlement, _, _, ledger := newTestSettlement(t, testSettlementParams)

	summary, err := settlement.ProcessEpoch(timeIn(1, entities.PhaseDispute), "watcher-one", 1)
	require.NoError(t, err)

	assert.Zero(t, summary.Leader)
	assert.Zero(t, summary.Penalties)
	assert.Equal(t, 1, summary.Rewards, "only the disputer is rewarded")
	assert.Equal(t, uint64(25), ledger.balances["watcher-one"])
}

func TestSettlement_SlashAtThreshold(t *testing.T) {

	params := testSettlementParams
	params.SlashThreshold = 2
	settlement, _, store, ledger := newTestSettlement(t, params)

	// Two consecutive epochs where the elected leader never runs the round.
	seedElection(t, store, 1, 1, []uint64{1})
	summary, err := settlement.ProcessEpoch(timeIn(1, entities.PhaseDispute), "watcher-one", 1)
	require.NoError(t, err)
	assert.Empty(t, summary.Slashed)

	seedElection(t, store, 2, 1, []uint64{1})
	summary, err = settlement.ProcessEpoch(timeIn(2, entities.PhaseDispute), "watcher-one", 2)
	require.NoError(t, err)

	require.Equal(t, []entities.Principal{"provider-alpha"}, summary.Slashed)
	assert.Zero(t, ledger.balances["provider-alpha"])
	disqualified, err := ledger.IsDisqualified("provider-alpha")
	require.NoError(t, err)
	assert.True(t, disqualified)

	// The dispute pass precedes the reward pass, so the epoch that slashed
	// the provider pays it nothing.
	assert.Equal(t, 0, summary.Rewards-1, "only the disputer reward remains")
}

func TestSettlement_DisqualifiedSkipsRewards(t *testing.T) {

	settlement, assignment, store, ledger := newTestSettlement(t, testSettlementParams)
	ledger.disqualified["provider-alpha"] = true

	seedElection(t, store, 1, 1, []uint64{1, 2})

	_, err := assignment.StartAssignmentRound(timeIn(1, entities.PhaseExecute), "provider-alpha")
	require.NoError(t, err)

	alphaBefore := ledger.balances["provider-alpha"]
	summary, err := settlement.ProcessEpoch(timeIn(1, entities.PhaseDispute), "watcher-one", 1)
	require.NoError(t, err)

	// Beta's participation reward and the disputer reward only.
	assert.Equal(t, 2, summary.Rewards)
	assert.Equal(t, uint64(1000+50), ledger.balances["provider-beta"])
	assert.Equal(t, alphaBefore, ledger.balances["provider-alpha"])
}
