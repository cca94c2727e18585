package domain

import (
	"testing"

	"github.com/lumino/go-coordinator/entities"
	"github.com/lumino/go-coordinator/infrastructure/store/pebbledb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPool uint32 = 7

func newTestAssignment(t *testing.T, maxJobsPerNode uint32) (*Assignment, *pebbledb.Store, *MockLedger) {
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

	assignment := NewAssignment(newTestClock(t), store, directory, ledger, AssignmentParams{
		MaxJobsPerNode: maxJobsPerNode,
		JobDeposit:     100,
	}, newTestLogger(t))
	return assignment, store, ledger
}

// seedElection stores a reveal roster and election result for the epoch,
// standing in for a full commit-reveal run.
func seedElection(t *testing.T, store *pebbledb.Store, epoch uint32, leader uint64, roster []uint64) {
	revealed := make([]uint64, 0, len(roster))
	for _, nodeID := range roster {
		revealed = append(revealed, nodeID)
		err := store.SetReveal(epoch, nodeID, []byte{byte(nodeID)}, revealed)
		require.NoError(t, err)
	}
	err := store.SetElectionResult(entities.ElectionResult{
		Epoch:       epoch,
		RandomValue: [32]byte{0x42},
		Leader:      leader,
	})
	require.NoError(t, err)
}

func submitJobs(t *testing.T, assignment *Assignment, count int) []entities.Job {
	jobs := make([]entities.Job, 0, count)
	for i := 0; i < count; i++ {
		job, err := assignment.SubmitJob(timeIn(1, entities.PhaseCommit), "client-one", "llama-70b", "{}", testPool, 10)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	return jobs
}

func TestAssignment_SubmitJob(t *testing.T) {

	assignment, _, ledger := newTestAssignment(t, 4)

	job, err := assignment.SubmitJob(timeIn(1, entities.PhaseReveal), "client-one", "llama-70b", `{"prompt":"hi"}`, testPool, 25)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), job.ID)
	assert.Equal(t, entities.JobStatusNew, job.Status)
	assert.Equal(t, entities.Principal("client-one"), job.Submitter)

	status, err := assignment.JobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusNew, status)

	// Ids are strictly increasing.
	second, err := assignment.SubmitJob(timeIn(1, entities.PhaseExecute), "client-one", "llama-70b", "{}", testPool, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.ID)

	// A submitter below the deposit is turned away.
	ledger.balances["client-poor"] = 99
	_, err = assignment.SubmitJob(timeIn(1, entities.PhaseCommit), "client-poor", "llama-70b", "{}", testPool, 5)
	require.ErrorIs(t, err, entities.ErrInsufficientStake)
}

func TestAssignment_StartAssignmentRound(t *testing.T) {

	assignment, store, _ := newTestAssignment(t, 4)
	seedElection(t, store, 1, 1, []uint64{1, 2})
	jobs := submitJobs(t, assignment, 3)

	executeAt := timeIn(1, entities.PhaseExecute)

	// Only the leader's owner may run the round.
	_, err := assignment.StartAssignmentRound(executeAt, "provider-beta")
	require.ErrorIs(t, err, entities.ErrNotAuthorized)

	assigned, err := assignment.StartAssignmentRound(executeAt, "provider-alpha")
	require.NoError(t, err)
	assert.Equal(t, 3, assigned)

	started, err := assignment.WasRoundStarted(1)
	require.NoError(t, err)
	assert.True(t, started)

	for _, job := range jobs {
		status, err := assignment.JobStatus(job.ID)
		require.NoError(t, err)
		assert.Equal(t, entities.JobStatusAssigned, status)

		nodeID, err := assignment.AssignedNodeOf(job.ID)
		require.NoError(t, err)
		// Node 3 never revealed and must not receive work.
		assert.Contains(t, []uint64{1, 2}, nodeID)
	}

	// A second round with nothing pending assigns nothing and is not an error.
	assigned, err = assignment.StartAssignmentRound(executeAt, "provider-alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, assigned)
}

func TestAssignment_StartAssignmentRound_Rejections(t *testing.T) {

	assignment, store, _ := newTestAssignment(t, 4)

	// No election result yet.
	_, err := assignment.StartAssignmentRound(timeIn(1, entities.PhaseExecute), "provider-alpha")
	require.ErrorIs(t, err, entities.ErrNotFound)

	seedElection(t, store, 1, 1, []uint64{1})

	// Wrong phase.
	_, err = assignment.StartAssignmentRound(timeIn(1, entities.PhaseConfirm), "provider-alpha")
	require.ErrorIs(t, err, entities.ErrPhaseViolation)
}

func TestAssignment_CapacityBound(t *testing.T) {

	// Single revealed node with room for two jobs.
	assignment, store, _ := newTestAssignment(t, 2)
	seedElection(t, store, 1, 1, []uint64{1})
	jobs := submitJobs(t, assignment, 5)

	assigned, err := assignment.StartAssignmentRound(timeIn(1, entities.PhaseExecute), "provider-alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, assigned)

	count, err := store.SlotCount(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)

	// Earliest submissions are served first; the rest wait.
	for i, job := range jobs {
		status, err := assignment.JobStatus(job.ID)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, entities.JobStatusAssigned, status)
		} else {
			assert.Equal(t, entities.JobStatusNew, status)
		}
	}
}

func TestAssignment_Determinism(t *testing.T) {

	run := func() []uint64 {
		assignment, store, _ := newTestAssignment(t, 4)
		seedElection(t, store, 1, 1, []uint64{1, 2, 3})
		jobs := submitJobs(t, assignment, 6)

		_, err := assignment.StartAssignmentRound(timeIn(1, entities.PhaseExecute), "provider-alpha")
		require.NoError(t, err)

		var nodes []uint64
		for _, job := range jobs {
			nodeID, err := assignment.AssignedNodeOf(job.ID)
			require.NoError(t, err)
			nodes = append(nodes, nodeID)
		}
		return nodes
	}

	assert.Equal(t, run(), run())
}

func TestAssignment_JobLifecycle(t *testing.T) {

	assignment, store, _ := newTestAssignment(t, 4)
	seedElection(t, store, 1, 1, []uint64{1})
	jobs := submitJobs(t, assignment, 2)

	_, err := assignment.StartAssignmentRound(timeIn(1, entities.PhaseExecute), "provider-alpha")
	require.NoError(t, err)

	confirmAt := timeIn(1, entities.PhaseConfirm)

	// Confirmation is phase gated.
	err = assignment.ConfirmJob(timeIn(1, entities.PhaseExecute), "provider-alpha", jobs[0].ID)
	require.ErrorIs(t, err, entities.ErrPhaseViolation)

	// Only the assigned node's owner may confirm.
	err = assignment.ConfirmJob(confirmAt, "provider-beta", jobs[0].ID)
	require.ErrorIs(t, err, entities.ErrNotAuthorized)

	err = assignment.ConfirmJob(confirmAt, "provider-alpha", jobs[0].ID)
	require.NoError(t, err)

	// Confirming twice is a transition violation.
	err = assignment.ConfirmJob(confirmAt, "provider-alpha", jobs[0].ID)
	require.ErrorIs(t, err, entities.ErrStateTransition)

	// Completion requires CONFIRMED.
	err = assignment.CompleteJob(confirmAt, "provider-alpha", jobs[1].ID)
	require.ErrorIs(t, err, entities.ErrStateTransition)

	err = assignment.CompleteJob(timeIn(1, entities.PhaseDispute), "provider-alpha", jobs[0].ID)
	require.NoError(t, err)

	status, err := assignment.JobStatus(jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusComplete, status)

	// The completed job released its slot; the failed one will too.
	err = assignment.FailJob(timeIn(1, entities.PhaseDispute), "provider-alpha", jobs[1].ID, "gpu OOM")
	require.NoError(t, err)

	count, err := store.SlotCount(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)

	// Terminal states admit no further transitions.
	err = assignment.FailJob(timeIn(1, entities.PhaseDispute), "provider-alpha", jobs[0].ID, "too late")
	require.ErrorIs(t, err, entities.ErrStateTransition)
}

func TestAssignment_UnconfirmedJobs(t *testing.T) {

	assignment, store, _ := newTestAssignment(t, 4)
	seedElection(t, store, 1, 1, []uint64{1})
	jobs := submitJobs(t, assignment, 3)

	_, err := assignment.StartAssignmentRound(timeIn(1, entities.PhaseExecute), "provider-alpha")
	require.NoError(t, err)

	err = assignment.ConfirmJob(timeIn(1, entities.PhaseConfirm), "provider-alpha", jobs[1].ID)
	require.NoError(t, err)

	unconfirmed, err := assignment.UnconfirmedJobs(1)
	require.NoError(t, err)
	require.Len(t, unconfirmed, 2)
	assert.Equal(t, jobs[0].ID, unconfirmed[0].ID)
	assert.Equal(t, jobs[2].ID, unconfirmed[1].ID)
}

func TestAssignment_ConfirmUnassignedJob(t *testing.T) {

	assignment, _, _ := newTestAssignment(t, 4)
	jobs := submitJobs(t, assignment, 1)

	err := assignment.ConfirmJob(timeIn(1, entities.PhaseConfirm), "provider-alpha", jobs[0].ID)
	require.ErrorIs(t, err, entities.ErrStateTransition)

	err = assignment.ConfirmJob(timeIn(1, entities.PhaseConfirm), "provider-alpha", 999)
	require.ErrorIs(t, err, entities.ErrNotFound)
}
