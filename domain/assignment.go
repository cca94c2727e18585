package domain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/lumino/go-coordinator/entities"
)

type assignmentStore interface {
	NextJobID() (uint64, error)
	CreateJob(job entities.Job) error
	GetJob(jobID uint64) (entities.Job, error)
	PendingJobs() ([]entities.Job, error)
	ApplyAssignmentRound(epoch uint32, assigned []entities.Job, markStarted bool) error
	UpdateJob(job entities.Job, slotDelta int) error
	SlotCount(nodeID uint64) (uint32, error)
	WasRoundStarted(epoch uint32) (bool, error)
	AssignedJobs(epoch uint32) ([]entities.Job, error)
	GetElectionResult(epoch uint32) (entities.ElectionResult, error)
	GetRevealRoster(epoch uint32) ([]uint64, error)
}

// AssignmentParams bound node capacity and the stake a submitter must hold.
type AssignmentParams struct {
	MaxJobsPerNode uint32
	JobDeposit     uint64
}

// Assignment distributes pending jobs to reveal-qualified, capacity-available
// pool members and tracks the job lifecycle to completion. Selection combines
// the epoch randomness with the job id, so assignments cannot be front-run
// and are reproducible from epoch history alone.
type Assignment struct {
	clock     *Clock
	store     assignmentStore
	directory NodeDirectory
	ledger    StakeLedger
	params    AssignmentParams
	logger    *zap.SugaredLogger
}

func NewAssignment(clock *Clock, store assignmentStore, directory NodeDirectory, ledger StakeLedger, params AssignmentParams, logger *zap.SugaredLogger) *Assignment {
	return &Assignment{
		clock:     clock,
		store:     store,
		directory: directory,
		ledger:    ledger,
		params:    params,
		logger:    logger,
	}
}

// SubmitJob queues a new job. Accepted in any phase; the submitter must hold
// the job deposit.
func (a *Assignment) SubmitJob(t time.Time, submitter entities.Principal, modelName, args string, requiredPool uint32, workUnits uint64) (entities.Job, error) {
	var job entities.Job

	if _, _, _, err := a.clock.PhaseAt(t); err != nil {
		return job, err
	}
	if err := a.ledger.RequireBalance(submitter, a.params.JobDeposit); err != nil {
		return job, err
	}

	id, err := a.store.NextJobID()
	if err != nil {
		return job, fmt.Errorf("allocating job id: %v", err)
	}

	job = entities.Job{
		ID:           id,
		Submitter:    submitter,
		ModelName:    modelName,
		Args:         args,
		RequiredPool: requiredPool,
		WorkUnits:    workUnits,
		Status:       entities.JobStatusNew,
		CreatedAt:    t.Unix(),
	}
	if err := a.store.CreateJob(job); err != nil {
		return job, fmt.Errorf("storing job: %v", err)
	}

	a.logger.Infow("Job submitted", "job", id, "pool", requiredPool, "submitter", submitter)
	return job, nil
}

// StartAssignmentRound assigns every pending job that has an eligible node,
// in submission order. Only the epoch's elected leader may call it. Jobs with
// no eligible node stay NEW for a later round; that is a normal, retryable
// condition. The round-started marker is set on the first call per epoch and
// later calls simply continue processing remaining jobs.
func (a *Assignment) StartAssignmentRound(t time.Time, actor entities.Principal) (int, error) {
	epoch, err := a.clock.ValidatePhase(t, entities.PhaseExecute)
	if err != nil {
		return 0, err
	}

	result, err := a.store.GetElectionResult(epoch)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return 0, fmt.Errorf("no leader elected for epoch %d: %w", epoch, entities.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("getting election result: %v", err)
	}

	owns, err := a.directory.IsOwner(result.Leader, actor)
	if err != nil {
		return 0, err
	}
	if !owns {
		return 0, fmt.Errorf("principal %s is not the epoch %d leader: %w", actor, epoch, entities.ErrNotAuthorized)
	}

	roster, err := a.store.GetRevealRoster(epoch)
	if err != nil {
		return 0, fmt.Errorf("getting roster: %v", err)
	}
	revealed := make(map[uint64]bool, len(roster))
	for _, nodeID := range roster {
		revealed[nodeID] = true
	}

	pending, err := a.store.PendingJobs()
	if err != nil {
		return 0, fmt.Errorf("getting pending jobs: %v", err)
	}

	// Slot counts as they evolve during this round, seeded lazily from the
	// store so earlier picks constrain later ones.
	slots := make(map[uint64]uint32)
	slotCount := func(nodeID uint64) (uint32, error) {
		if count, ok := slots[nodeID]; ok {
			return count, nil
		}
		count, err := a.store.SlotCount(nodeID)
		if err != nil {
			return 0, err
		}
		slots[nodeID] = count
		return count, nil
	}

	var assigned []entities.Job
	for _, job := range pending {
		members, err := a.directory.NodesInPool(job.RequiredPool)
		if err != nil {
			return 0, fmt.Errorf("getting pool %d members: %v", job.RequiredPool, err)
		}

		var eligible []uint64
		for _, node := range members {
			if !revealed[node.ID] {
				continue
			}
			count, err := slotCount(node.ID)
			if err != nil {
				return 0, fmt.Errorf("getting slot count: %v", err)
			}
			if count >= a.params.MaxJobsPerNode {
				continue
			}
			eligible = append(eligible, node.ID)
		}
		if len(eligible) == 0 {
			continue
		}

		nodeID := eligible[selectionIndex(result.RandomValue, job.ID, len(eligible))]
		job.AssignedNode = nodeID
		job.Status = entities.JobStatusAssigned
		slots[nodeID]++
		assigned = append(assigned, job)
	}

	started, err := a.store.WasRoundStarted(epoch)
	if err != nil {
		return 0, fmt.Errorf("getting round-started marker: %v", err)
	}

	if err := a.store.ApplyAssignmentRound(epoch, assigned, !started); err != nil {
		return 0, fmt.Errorf("applying assignment round: %v", err)
	}

	a.logger.Infow("Assignment round processed", "epoch", epoch, "assigned", len(assigned), "left", len(pending)-len(assigned))
	return len(assigned), nil
}

// selectionIndex picks deterministically from the eligible set by hashing
// the epoch randomness together with the job id.
func selectionIndex(randomValue [32]byte, jobID uint64, size int) int64 {
	input := make([]byte, 0, 40)
	input = append(input, randomValue[:]...)
	input = binary.BigEndian.AppendUint64(input, jobID)
	digest := sha3.Sum256(input)

	return new(big.Int).Mod(
		new(big.Int).SetBytes(digest[:]),
		big.NewInt(int64(size)),
	).Int64()
}

// ConfirmJob moves an ASSIGNED job to CONFIRMED during the CONFIRM phase.
func (a *Assignment) ConfirmJob(t time.Time, actor entities.Principal, jobID uint64) error {
	if _, err := a.clock.ValidatePhase(t, entities.PhaseConfirm); err != nil {
		return err
	}

	job, err := a.loadJobForOwner(actor, jobID)
	if err != nil {
		return err
	}
	if job.Status != entities.JobStatusAssigned {
		return fmt.Errorf("job %d is %s, cannot confirm: %w", jobID, job.Status, entities.ErrStateTransition)
	}

	job.Status = entities.JobStatusConfirmed
	if err := a.store.UpdateJob(job, 0); err != nil {
		return fmt.Errorf("storing job: %v", err)
	}

	a.logger.Infow("Job confirmed", "job", jobID, "node", job.AssignedNode)
	return nil
}

// CompleteJob moves a CONFIRMED job to COMPLETE and releases the node's
// capacity slot.
func (a *Assignment) CompleteJob(t time.Time, actor entities.Principal, jobID uint64) error {
	if _, _, _, err := a.clock.PhaseAt(t); err != nil {
		return err
	}

	job, err := a.loadJobForOwner(actor, jobID)
	if err != nil {
		return err
	}
	if job.Status != entities.JobStatusConfirmed {
		return fmt.Errorf("job %d is %s, cannot complete: %w", jobID, job.Status, entities.ErrStateTransition)
	}

	job.Status = entities.JobStatusComplete
	if err := a.store.UpdateJob(job, -1); err != nil {
		return fmt.Errorf("storing job: %v", err)
	}

	a.logger.Infow("Job completed", "job", jobID, "node", job.AssignedNode)
	return nil
}

// FailJob moves an ASSIGNED or CONFIRMED job to FAILED and releases the
// node's capacity slot. Only the assigned node's owner may fail a job.
func (a *Assignment) FailJob(t time.Time, actor entities.Principal, jobID uint64, reason string) error {
	if _, _, _, err := a.clock.PhaseAt(t); err != nil {
		return err
	}

	job, err := a.loadJobForOwner(actor, jobID)
	if err != nil {
		return err
	}
	if job.Status != entities.JobStatusAssigned && job.Status != entities.JobStatusConfirmed {
		return fmt.Errorf("job %d is %s, cannot fail: %w", jobID, job.Status, entities.ErrStateTransition)
	}

	job.Status = entities.JobStatusFailed
	job.FailReason = reason
	if err := a.store.UpdateJob(job, -1); err != nil {
		return fmt.Errorf("storing job: %v", err)
	}

	a.logger.Infow("Job failed", "job", jobID, "node", job.AssignedNode, "reason", reason)
	return nil
}

func (a *Assignment) JobStatus(jobID uint64) (entities.JobStatus, error) {
	job, err := a.job(jobID)
	if err != nil {
		return 0, err
	}
	return job.Status, nil
}

func (a *Assignment) AssignedNodeOf(jobID uint64) (uint64, error) {
	job, err := a.job(jobID)
	if err != nil {
		return 0, err
	}
	return job.AssignedNode, nil
}

func (a *Assignment) WasRoundStarted(epoch uint32) (bool, error) {
	return a.store.WasRoundStarted(epoch)
}

// AssignedJobsIn returns every job handed out during the epoch, in any status.
func (a *Assignment) AssignedJobsIn(epoch uint32) ([]entities.Job, error) {
	return a.store.AssignedJobs(epoch)
}

// UnconfirmedJobs returns the jobs assigned in the epoch that are still
// ASSIGNED, neither confirmed nor terminal.
func (a *Assignment) UnconfirmedJobs(epoch uint32) ([]entities.Job, error) {
	jobs, err := a.store.AssignedJobs(epoch)
	if err != nil {
		return nil, fmt.Errorf("getting assigned jobs: %v", err)
	}

	unconfirmed := make([]entities.Job, 0)
	for _, job := range jobs {
		if job.Status == entities.JobStatusAssigned {
			unconfirmed = append(unconfirmed, job)
		}
	}
	return unconfirmed, nil
}

func (a *Assignment) job(jobID uint64) (entities.Job, error) {
	job, err := a.store.GetJob(jobID)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return job, fmt.Errorf("job %d: %w", jobID, entities.ErrNotFound)
	}
	if err != nil {
		return job, fmt.Errorf("getting job: %v", err)
	}
	return job, nil
}

func (a *Assignment) loadJobForOwner(actor entities.Principal, jobID uint64) (entities.Job, error) {
	job, err := a.job(jobID)
	if err != nil {
		return job, err
	}
	if job.AssignedNode == 0 {
		return job, fmt.Errorf("job %d is not assigned: %w", jobID, entities.ErrStateTransition)
	}

	owns, err := a.directory.IsOwner(job.AssignedNode, actor)
	if err != nil {
		return job, err
	}
	if !owns {
		return job, fmt.Errorf("principal %s does not own node %d: %w", actor, job.AssignedNode, entities.ErrNotAuthorized)
	}
	return job, nil
}
