package domain

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumino/go-coordinator/entities"
)

// Settlement claim categories guarding duplicate reward/penalty application
// per (epoch, principal, category, ref).
const (
	claimLeaderReward        byte = 0x01
	claimParticipationReward byte = 0x02
	claimDisputerReward      byte = 0x03
	claimMissedAssignment    byte = 0x04
	claimMissedConfirmation  byte = 0x05
)

type settlementStore interface {
	GetElectionResult(epoch uint32) (entities.ElectionResult, error)
	GetRevealRoster(epoch uint32) ([]uint64, error)
	LastSettledEpoch() (uint32, error)
	IsEpochSettled(epoch uint32) (bool, error)
	MarkEpochSettled(epoch uint32) error
	IncrementViolations(principal entities.Principal) (uint32, error)
	HasClaim(epoch uint32, category byte, ref uint64, principal entities.Principal) (bool, error)
	SetClaim(epoch uint32, category byte, ref uint64, principal entities.Principal) error
}

type assignmentQueries interface {
	WasRoundStarted(epoch uint32) (bool, error)
	UnconfirmedJobs(epoch uint32) ([]entities.Job, error)
	AssignedJobsIn(epoch uint32) ([]entities.Job, error)
}

// SettlementParams are the incentive magnitudes. Tuning them is a governance
// concern, not a coordination one.
type SettlementParams struct {
	LeaderReward              uint64
	ParticipationReward       uint64
	DisputerReward            uint64
	MissedAssignmentPenalty   uint64
	MissedConfirmationPenalty uint64
	SlashThreshold            uint32
}

// Settlement applies rewards and penalties exactly once per epoch. Epochs
// settle strictly in order through the lastSettledEpoch counter; the settled
// flag is written before any effect so a retried call is a guaranteed no-op.
// The dispute pass runs before the reward pass, so a principal slashed this
// epoch is excluded from this epoch's rewards.
type Settlement struct {
	clock      *Clock
	store      settlementStore
	assignment assignmentQueries
	directory  NodeDirectory
	ledger     StakeLedger
	params     SettlementParams
	logger     *zap.SugaredLogger
}

func NewSettlement(clock *Clock, store settlementStore, assignment assignmentQueries, directory NodeDirectory, ledger StakeLedger, params SettlementParams, logger *zap.SugaredLogger) *Settlement {
	return &Settlement{
		clock:      clock,
		store:      store,
		assignment: assignment,
		directory:  directory,
		ledger:     ledger,
		params:     params,
		logger:     logger,
	}
}

func (s *Settlement) LastSettledEpoch() (uint32, error) {
	return s.store.LastSettledEpoch()
}

// ProcessEpoch settles the target epoch. The target must be the single
// most-recently-completed epoch not yet settled: exactly lastSettledEpoch+1,
// with its DISPUTE phase open or past.
func (s *Settlement) ProcessEpoch(t time.Time, actor entities.Principal, target uint32) (entities.EpochSummary, error) {
	summary := entities.EpochSummary{Epoch: target, SettledBy: actor}

	epoch, phase, _, err := s.clock.PhaseAt(t)
	if err != nil {
		return summary, err
	}
	if epoch < target || (epoch == target && phase != entities.PhaseDispute) {
		return summary, fmt.Errorf("dispute phase of epoch %d not reached: %w", target, entities.ErrPhaseViolation)
	}

	last, err := s.store.LastSettledEpoch()
	if err != nil {
		return summary, fmt.Errorf("getting last settled epoch: %v", err)
	}
	if target != last+1 {
		return summary, fmt.Errorf("epoch %d out of order, next settleable is %d: %w", target, last+1, entities.ErrAlreadyProcessed)
	}
	settled, err := s.store.IsEpochSettled(target)
	if err != nil {
		return summary, fmt.Errorf("getting settled flag: %v", err)
	}
	if settled {
		return summary, fmt.Errorf("epoch %d already settled: %w", target, entities.ErrAlreadyProcessed)
	}

	// Settled is marked before any effect is applied; combined with the
	// per-category claim flags this makes retries no-ops.
	if err := s.store.MarkEpochSettled(target); err != nil {
		return summary, fmt.Errorf("marking epoch settled: %v", err)
	}

	result, err := s.store.GetElectionResult(target)
	hasLeader := err == nil
	if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return summary, fmt.Errorf("getting election result: %v", err)
	}
	if hasLeader {
		summary.Leader = result.Leader
	}

	roundStarted, err := s.assignment.WasRoundStarted(target)
	if err != nil {
		return summary, fmt.Errorf("getting round-started marker: %v", err)
	}
	summary.RoundStarted = roundStarted

	assigned, err := s.assignment.AssignedJobsIn(target)
	if err != nil {
		return summary, fmt.Errorf("getting assigned jobs: %v", err)
	}
	summary.AssignedJobs = len(assigned)

	if err := s.disputePass(target, hasLeader, result.Leader, roundStarted, &summary); err != nil {
		return summary, err
	}
	if err := s.rewardPass(target, actor, hasLeader, result.Leader, roundStarted, &summary); err != nil {
		return summary, err
	}

	s.logger.Infow("Epoch settled",
		"epoch", target,
		"leader", summary.Leader,
		"roundStarted", summary.RoundStarted,
		"penalties", summary.Penalties,
		"rewards", summary.Rewards,
		"slashed", len(summary.Slashed),
		"settledBy", actor,
	)
	return summary, nil
}

func (s *Settlement) disputePass(target uint32, hasLeader bool, leader uint64, roundStarted bool, summary *entities.EpochSummary) error {
	if hasLeader && !roundStarted {
		owner, err := s.directory.OwnerOf(leader)
		if err != nil {
			return fmt.Errorf("resolving leader owner: %v", err)
		}
		if err := s.penalize(target, claimMissedAssignment, 0, owner, s.params.MissedAssignmentPenalty, summary); err != nil {
			return err
		}
	}

	unconfirmed, err := s.assignment.UnconfirmedJobs(target)
	if err != nil {
		return fmt.Errorf("getting unconfirmed jobs: %v", err)
	}
	summary.UnconfirmedJobs = len(unconfirmed)

	for _, job := range unconfirmed {
		owner, err := s.directory.OwnerOf(job.AssignedNode)
		if err != nil {
			return fmt.Errorf("resolving owner of node %d: %v", job.AssignedNode, err)
		}
		if err := s.penalize(target, claimMissedConfirmation, job.ID, owner, s.params.MissedConfirmationPenalty, summary); err != nil {
			return err
		}
	}
	return nil
}

func (s *Settlement) rewardPass(target uint32, actor entities.Principal, hasLeader bool, leader uint64, roundStarted bool, summary *entities.EpochSummary) error {
	if hasLeader && roundStarted {
		owner, err := s.directory.OwnerOf(leader)
		if err != nil {
			return fmt.Errorf("resolving leader owner: %v", err)
		}
		if err := s.reward(target, claimLeaderReward, 0, owner, s.params.LeaderReward, true, summary); err != nil {
			return err
		}
	}

	roster, err := s.store.GetRevealRoster(target)
	if err != nil {
		return fmt.Errorf("getting roster: %v", err)
	}
	summary.RosterSize = len(roster)

	for _, nodeID := range roster {
		owner, err := s.directory.OwnerOf(nodeID)
		if err != nil {
			return fmt.Errorf("resolving owner of node %d: %v", nodeID, err)
		}
		if err := s.reward(target, claimParticipationReward, nodeID, owner, s.params.ParticipationReward, true, summary); err != nil {
			return err
		}
	}

	// The disputer reward is unconditional so somebody always has an
	// incentive to advance settlement.
	return s.reward(target, claimDisputerReward, 0, actor, s.params.DisputerReward, false, summary)
}

// penalize applies a penalty once per (epoch, category, ref, principal),
// increments the violation counter and slashes the moment the counter
// reaches the threshold.
func (s *Settlement) penalize(target uint32, category byte, ref uint64, principal entities.Principal, amount uint64, summary *entities.EpochSummary) error {
	claimed, err := s.store.HasClaim(target, category, ref, principal)
	if err != nil {
		return fmt.Errorf("getting claim flag: %v", err)
	}
	if claimed {
		return nil
	}
	if err := s.store.SetClaim(target, category, ref, principal); err != nil {
		return fmt.Errorf("setting claim flag: %v", err)
	}

	if err := s.ledger.ApplyPenalty(principal, amount); err != nil {
		return fmt.Errorf("applying penalty to %s: %v", principal, err)
	}
	summary.Penalties++

	count, err := s.store.IncrementViolations(principal)
	if err != nil {
		return fmt.Errorf("incrementing violations for %s: %v", principal, err)
	}
	s.logger.Warnw("Penalty applied", "epoch", target, "principal", principal, "violations", count)

	if count >= s.params.SlashThreshold {
		disqualified, err := s.ledger.IsDisqualified(principal)
		if err != nil {
			return fmt.Errorf("getting disqualified flag for %s: %v", principal, err)
		}
		if !disqualified {
			if err := s.ledger.ApplySlash(principal); err != nil {
				return fmt.Errorf("slashing %s: %v", principal, err)
			}
			summary.Slashed = append(summary.Slashed, principal)
			s.logger.Warnw("Principal slashed", "epoch", target, "principal", principal, "violations", count)
		}
	}
	return nil
}

// reward applies a reward once per (epoch, category, ref, principal).
// Disqualified principals are silently skipped unless the reward is
// unconditional.
func (s *Settlement) reward(target uint32, category byte, ref uint64, principal entities.Principal, amount uint64, skipDisqualified bool, summary *entities.EpochSummary) error {
	if skipDisqualified {
		disqualified, err := s.ledger.IsDisqualified(principal)
		if err != nil {
			return fmt.Errorf("getting disqualified flag for %s: %v", principal, err)
		}
		if disqualified {
			return nil
		}
	}

	claimed, err := s.store.HasClaim(target, category, ref, principal)
	if err != nil {
		return fmt.Errorf("getting claim flag: %v", err)
	}
	if claimed {
		return nil
	}
	if err := s.store.SetClaim(target, category, ref, principal); err != nil {
		return fmt.Errorf("setting claim flag: %v", err)
	}

	if err := s.ledger.ApplyReward(principal, amount); err != nil {
		return fmt.Errorf("applying reward to %s: %v", principal, err)
	}
	summary.Rewards++
	return nil
}
