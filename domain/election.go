package domain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/lumino/go-coordinator/entities"
)

type electionStore interface {
	SetCommitment(epoch uint32, nodeID uint64, commitment [32]byte) error
	GetCommitment(epoch uint32, nodeID uint64) ([32]byte, error)
	SetReveal(epoch uint32, nodeID uint64, secret []byte, roster []uint64) error
	GetReveal(epoch uint32, nodeID uint64) ([]byte, error)
	GetRevealRoster(epoch uint32) ([]uint64, error)
	SetElectionResult(result entities.ElectionResult) error
	GetElectionResult(epoch uint32) (entities.ElectionResult, error)
}

// Election runs commit-reveal leader election per epoch. Nodes commit a hash
// of a secret in COMMIT, disclose it in REVEAL, and ELECT derives the epoch
// randomness and leader from the revealed secrets. Only reveal-qualified
// nodes can be elected.
type Election struct {
	clock     *Clock
	store     electionStore
	directory NodeDirectory
	gate      EligibilityGate
	logger    *zap.SugaredLogger
}

func NewElection(clock *Clock, store electionStore, directory NodeDirectory, gate EligibilityGate, logger *zap.SugaredLogger) *Election {
	return &Election{
		clock:     clock,
		store:     store,
		directory: directory,
		gate:      gate,
		logger:    logger,
	}
}

// HashSecret derives the commitment for a secret.
func HashSecret(secret []byte) [32]byte {
	return sha3.Sum256(secret)
}

// SubmitCommitment stores the actor's commitment for the current epoch.
// First write wins: re-submission within the epoch fails so a node cannot
// swap its secret after seeing others commit.
func (e *Election) SubmitCommitment(t time.Time, actor entities.Principal, nodeID uint64, commitment [32]byte) error {
	epoch, err := e.clock.ValidatePhase(t, entities.PhaseCommit)
	if err != nil {
		return err
	}
	if err := e.gate.RequireEligible(actor); err != nil {
		return err
	}
	if err := e.requireOwner(actor, nodeID); err != nil {
		return err
	}

	if _, err := e.store.GetCommitment(epoch, nodeID); err == nil {
		return fmt.Errorf("commitment exists for epoch %d node %d: %w", epoch, nodeID, entities.ErrAlreadyProcessed)
	} else if !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return fmt.Errorf("getting commitment: %v", err)
	}

	if err := e.store.SetCommitment(epoch, nodeID, commitment); err != nil {
		return fmt.Errorf("storing commitment: %v", err)
	}

	e.logger.Infow("Commitment submitted", "epoch", epoch, "node", nodeID)
	return nil
}

// RevealSecret verifies the secret against the stored commitment and appends
// the node to the epoch's reveal roster.
func (e *Election) RevealSecret(t time.Time, actor entities.Principal, nodeID uint64, secret []byte) error {
	epoch, err := e.clock.ValidatePhase(t, entities.PhaseReveal)
	if err != nil {
		return err
	}
	if err := e.gate.RequireEligible(actor); err != nil {
		return err
	}
	if err := e.requireOwner(actor, nodeID); err != nil {
		return err
	}

	commitment, err := e.store.GetCommitment(epoch, nodeID)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return fmt.Errorf("no commitment for epoch %d node %d: %w", epoch, nodeID, entities.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("getting commitment: %v", err)
	}

	if _, err := e.store.GetReveal(epoch, nodeID); err == nil {
		return fmt.Errorf("reveal exists for epoch %d node %d: %w", epoch, nodeID, entities.ErrAlreadyProcessed)
	} else if !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return fmt.Errorf("getting reveal: %v", err)
	}

	if HashSecret(secret) != commitment {
		return fmt.Errorf("secret hash does not match commitment for epoch %d node %d: %w", epoch, nodeID, entities.ErrIntegrity)
	}

	roster, err := e.store.GetRevealRoster(epoch)
	if err != nil {
		return fmt.Errorf("getting roster: %v", err)
	}
	roster = append(roster, nodeID)

	if err := e.store.SetReveal(epoch, nodeID, secret, roster); err != nil {
		return fmt.Errorf("storing reveal: %v", err)
	}

	e.logger.Infow("Secret revealed", "epoch", epoch, "node", nodeID, "rosterSize", len(roster))
	return nil
}

// ElectLeader derives the epoch randomness from the revealed secrets and
// elects the leader. Idempotent: once a result exists for the epoch it is
// returned unchanged, re-invocation never re-randomizes.
func (e *Election) ElectLeader(t time.Time) (entities.ElectionResult, error) {
	var result entities.ElectionResult

	epoch, err := e.clock.ValidatePhase(t, entities.PhaseElect)
	if err != nil {
		return result, err
	}

	result, err = e.store.GetElectionResult(epoch)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return result, fmt.Errorf("getting election result: %v", err)
	}

	roster, err := e.store.GetRevealRoster(epoch)
	if err != nil {
		return result, fmt.Errorf("getting roster: %v", err)
	}
	if len(roster) == 0 {
		return result, fmt.Errorf("epoch %d: %w", epoch, entities.ErrNoParticipants)
	}

	// Concatenate the secrets in reveal order; hashing the concatenation
	// yields the epoch randomness no single participant controls.
	var concatenated []byte
	for _, nodeID := range roster {
		secret, err := e.store.GetReveal(epoch, nodeID)
		if err != nil {
			return result, fmt.Errorf("getting reveal for node %d: %v", nodeID, err)
		}
		concatenated = append(concatenated, secret...)
	}
	randomValue := sha3.Sum256(concatenated)

	index := new(big.Int).Mod(
		new(big.Int).SetBytes(randomValue[:]),
		big.NewInt(int64(len(roster))),
	).Int64()

	result = entities.ElectionResult{
		Epoch:       epoch,
		RandomValue: randomValue,
		Leader:      roster[index],
	}
	if err := e.store.SetElectionResult(result); err != nil {
		return result, fmt.Errorf("storing election result: %v", err)
	}

	e.logger.Infow("Leader elected", "epoch", epoch, "leader", result.Leader, "rosterSize", len(roster))
	return result, nil
}

// CurrentLeader returns the leader elected for the epoch at t.
func (e *Election) CurrentLeader(t time.Time) (uint64, error) {
	epoch, _, _, err := e.clock.PhaseAt(t)
	if err != nil {
		return 0, err
	}
	result, err := e.store.GetElectionResult(epoch)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return 0, fmt.Errorf("no leader elected for epoch %d: %w", epoch, entities.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("getting election result: %v", err)
	}
	return result.Leader, nil
}

func (e *Election) FinalRandomValue(epoch uint32) ([32]byte, error) {
	result, err := e.store.GetElectionResult(epoch)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return [32]byte{}, fmt.Errorf("no election result for epoch %d: %w", epoch, entities.ErrNotFound)
	}
	if err != nil {
		return [32]byte{}, fmt.Errorf("getting election result: %v", err)
	}
	return result.RandomValue, nil
}

func (e *Election) RevealRoster(epoch uint32) ([]uint64, error) {
	return e.store.GetRevealRoster(epoch)
}

func (e *Election) requireOwner(actor entities.Principal, nodeID uint64) error {
	owns, err := e.directory.IsOwner(nodeID, actor)
	if err != nil {
		return err
	}
	if !owns {
		return fmt.Errorf("principal %s does not own node %d: %w", actor, nodeID, entities.ErrNotAuthorized)
	}
	return nil
}
