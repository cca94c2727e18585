package pebbledb

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/lumino/go-coordinator/entities"
)

// key prefixes of the coordination arena. All composite keys are big-endian
// so that prefix iteration yields submission / id order.
const (
	commitmentKey    = 0x01 // epoch(4) nodeID(8) -> commitment hash
	revealKey        = 0x02 // epoch(4) nodeID(8) -> secret bytes
	rosterKey        = 0x03 // epoch(4) -> gob []uint64, reveal order
	electionKey      = 0x04 // epoch(4) -> gob entities.ElectionResult
	jobKey           = 0x05 // jobID(8) -> gob entities.Job
	pendingJobKey    = 0x06 // jobID(8) -> nil, removed on assignment
	epochAssignedKey = 0x07 // epoch(4) jobID(8) -> nil
	slotCountKey     = 0x08 // nodeID(8) -> uint32
	roundStartedKey  = 0x09 // epoch(4) -> 0x01
	violationsKey    = 0x0a // principal -> uint32
	settledKey       = 0x0b // epoch(4) -> 0x01
	lastSettledKey   = 0x0c // -> uint32
	claimKey         = 0x0d // epoch(4) category(1) ref(8) principal -> nil
	jobCounterKey    = 0x0e // -> uint64
)

// Store is the append-only arena holding all coordination state: commitments,
// reveals, rosters, election results, jobs, capacity slots, violation
// counters and settlement flags. Multi-key mutations go through a single
// pebble batch so a failed operation writes nothing.
type Store struct {
	db *pebble.DB
}

func NewStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "coordinator-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}

	return &Store{db: db}, nil
}

func epochNodeKey(prefix byte, epoch uint32, id uint64) []byte {
	key := []byte{prefix}
	key = binary.BigEndian.AppendUint32(key, epoch)
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

func epochKey(prefix byte, epoch uint32) []byte {
	key := []byte{prefix}
	key = binary.BigEndian.AppendUint32(key, epoch)
	return key
}

func idKey(prefix byte, id uint64) []byte {
	key := []byte{prefix}
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

func (s *Store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting value")
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func encodeGob(v interface{}) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := gob.NewEncoder(buffer).Encode(v); err != nil {
		return nil, errors.Wrap(err, "gob encoding")
	}
	return buffer.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewBuffer(data)).Decode(v)
}

// commitments

func (s *Store) SetCommitment(epoch uint32, nodeID uint64, commitment [32]byte) error {
	err := s.db.Set(epochNodeKey(commitmentKey, epoch, nodeID), commitment[:], pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting commitment for epoch [%d] node [%d]", epoch, nodeID)
	}
	return nil
}

func (s *Store) GetCommitment(epoch uint32, nodeID uint64) ([32]byte, error) {
	var commitment [32]byte
	value, err := s.get(epochNodeKey(commitmentKey, epoch, nodeID))
	if err != nil {
		return commitment, err
	}
	if len(value) != 32 {
		return commitment, fmt.Errorf("malformed commitment for epoch %d node %d", epoch, nodeID)
	}
	copy(commitment[:], value)
	return commitment, nil
}

// reveals and roster

// SetReveal stores the revealed secret and the updated roster in one batch,
// so the roster never references a missing reveal.
func (s *Store) SetReveal(epoch uint32, nodeID uint64, secret []byte, roster []uint64) error {
	encoded, err := encodeGob(roster)
	if err != nil {
		return errors.Wrap(err, "encoding roster")
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(epochNodeKey(revealKey, epoch, nodeID), secret, nil); err != nil {
		return errors.Wrap(err, "batching reveal")
	}
	if err := batch.Set(epochKey(rosterKey, epoch), encoded, nil); err != nil {
		return errors.Wrap(err, "batching roster")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "committing reveal for epoch [%d] node [%d]", epoch, nodeID)
	}
	return nil
}

func (s *Store) GetReveal(epoch uint32, nodeID uint64) ([]byte, error) {
	return s.get(epochNodeKey(revealKey, epoch, nodeID))
}

// GetRevealRoster returns the node ids that revealed in the epoch, in
// submission order. An epoch without reveals yields an empty roster.
func (s *Store) GetRevealRoster(epoch uint32) ([]uint64, error) {
	value, err := s.get(epochKey(rosterKey, epoch))
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return []uint64{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting roster for epoch [%d]", epoch)
	}

	var roster []uint64
	if err := decodeGob(value, &roster); err != nil {
		return nil, errors.Wrap(err, "decoding roster")
	}
	return roster, nil
}

// election results

func (s *Store) SetElectionResult(result entities.ElectionResult) error {
	encoded, err := encodeGob(result)
	if err != nil {
		return errors.Wrap(err, "encoding election result")
	}
	err = s.db.Set(epochKey(electionKey, result.Epoch), encoded, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting election result for epoch [%d]", result.Epoch)
	}
	return nil
}

func (s *Store) GetElectionResult(epoch uint32) (entities.ElectionResult, error) {
	var result entities.ElectionResult
	value, err := s.get(epochKey(electionKey, epoch))
	if err != nil {
		return result, err
	}
	if err := decodeGob(value, &result); err != nil {
		return result, errors.Wrap(err, "decoding election result")
	}
	return result, nil
}

// jobs

func (s *Store) NextJobID() (uint64, error) {
	var nextID uint64 = 1
	value, err := s.get([]byte{jobCounterKey})
	if err == nil {
		nextID = binary.BigEndian.Uint64(value) + 1
	} else if !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return 0, errors.Wrap(err, "getting job counter")
	}

	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, nextID)
	if err := s.db.Set([]byte{jobCounterKey}, next, pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "setting job counter")
	}
	return nextID, nil
}

// CreateJob stores a new job and indexes it as pending in one batch.
func (s *Store) CreateJob(job entities.Job) error {
	encoded, err := encodeGob(job)
	if err != nil {
		return errors.Wrap(err, "encoding job")
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(idKey(jobKey, job.ID), encoded, nil); err != nil {
		return errors.Wrap(err, "batching job")
	}
	if err := batch.Set(idKey(pendingJobKey, job.ID), nil, nil); err != nil {
		return errors.Wrap(err, "batching pending index")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "committing job [%d]", job.ID)
	}
	return nil
}

func (s *Store) GetJob(jobID uint64) (entities.Job, error) {
	var job entities.Job
	value, err := s.get(idKey(jobKey, jobID))
	if err != nil {
		return job, err
	}
	if err := decodeGob(value, &job); err != nil {
		return job, errors.Wrap(err, "decoding job")
	}
	return job, nil
}

// PendingJobs returns all jobs still NEW, in submission (id) order.
func (s *Store) PendingJobs() ([]entities.Job, error) {
	ids, err := s.iterateIDs([]byte{pendingJobKey}, []byte{pendingJobKey + 1}, 1)
	if err != nil {
		return nil, errors.Wrap(err, "iterating pending jobs")
	}

	jobs := make([]entities.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(id)
		if err != nil {
			return nil, errors.Wrapf(err, "loading pending job [%d]", id)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ApplyAssignmentRound applies a whole assignment round atomically: updated
// jobs, pending index removals, slot increments, the per-epoch assignment
// index and (on the first call per epoch) the round-started marker.
func (s *Store) ApplyAssignmentRound(epoch uint32, assigned []entities.Job, markStarted bool) error {
	slotDeltas := make(map[uint64]uint32)

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, job := range assigned {
		encoded, err := encodeGob(job)
		if err != nil {
			return errors.Wrap(err, "encoding job")
		}
		if err := batch.Set(idKey(jobKey, job.ID), encoded, nil); err != nil {
			return errors.Wrap(err, "batching job")
		}
		if err := batch.Delete(idKey(pendingJobKey, job.ID), nil); err != nil {
			return errors.Wrap(err, "batching pending removal")
		}
		if err := batch.Set(epochNodeKey(epochAssignedKey, epoch, job.ID), nil, nil); err != nil {
			return errors.Wrap(err, "batching epoch assignment index")
		}
		slotDeltas[job.AssignedNode]++
	}

	for nodeID, delta := range slotDeltas {
		count, err := s.SlotCount(nodeID)
		if err != nil {
			return errors.Wrapf(err, "getting slot count for node [%d]", nodeID)
		}
		var value []byte
		value = binary.BigEndian.AppendUint32(value, count+delta)
		if err := batch.Set(idKey(slotCountKey, nodeID), value, nil); err != nil {
			return errors.Wrap(err, "batching slot count")
		}
	}

	if markStarted {
		if err := batch.Set(epochKey(roundStartedKey, epoch), []byte{0x01}, nil); err != nil {
			return errors.Wrap(err, "batching round-started marker")
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "committing assignment round for epoch [%d]", epoch)
	}
	return nil
}

// UpdateJob stores the job and shifts its assigned node's slot count by
// slotDelta in one batch.
func (s *Store) UpdateJob(job entities.Job, slotDelta int) error {
	encoded, err := encodeGob(job)
	if err != nil {
		return errors.Wrap(err, "encoding job")
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(idKey(jobKey, job.ID), encoded, nil); err != nil {
		return errors.Wrap(err, "batching job")
	}

	if slotDelta != 0 {
		count, err := s.SlotCount(job.AssignedNode)
		if err != nil {
			return errors.Wrapf(err, "getting slot count for node [%d]", job.AssignedNode)
		}
		next := int(count) + slotDelta
		if next < 0 {
			next = 0
		}
		var value []byte
		value = binary.BigEndian.AppendUint32(value, uint32(next))
		if err := batch.Set(idKey(slotCountKey, job.AssignedNode), value, nil); err != nil {
			return errors.Wrap(err, "batching slot count")
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "committing job update [%d]", job.ID)
	}
	return nil
}

func (s *Store) SlotCount(nodeID uint64) (uint32, error) {
	value, err := s.get(idKey(slotCountKey, nodeID))
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "getting slot count for node [%d]", nodeID)
	}
	return binary.BigEndian.Uint32(value), nil
}

func (s *Store) WasRoundStarted(epoch uint32) (bool, error) {
	_, err := s.get(epochKey(roundStartedKey, epoch))
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting round-started marker for epoch [%d]", epoch)
	}
	return true, nil
}

// AssignedJobs returns the jobs assigned during the epoch, in id order.
func (s *Store) AssignedJobs(epoch uint32) ([]entities.Job, error) {
	lower := epochKey(epochAssignedKey, epoch)
	upper := epochKey(epochAssignedKey, epoch+1)
	ids, err := s.iterateIDs(lower, upper, 5)
	if err != nil {
		return nil, errors.Wrapf(err, "iterating assignments for epoch [%d]", epoch)
	}

	jobs := make([]entities.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(id)
		if err != nil {
			return nil, errors.Wrapf(err, "loading assigned job [%d]", id)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// iterateIDs collects the trailing uint64 of every key in [lower, upper),
// skipping idOffset bytes of key prefix.
func (s *Store) iterateIDs(lower, upper []byte, idOffset int) ([]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var ids []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < idOffset+8 {
			continue
		}
		ids = append(ids, binary.BigEndian.Uint64(key[idOffset:idOffset+8]))
	}
	return ids, nil
}

// violations and settlement

func (s *Store) ViolationCount(principal entities.Principal) (uint32, error) {
	key := append([]byte{violationsKey}, principal...)
	value, err := s.get(key)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "getting violation count for [%s]", principal)
	}
	return binary.BigEndian.Uint32(value), nil
}

// IncrementViolations bumps the principal's counter and returns the new
// value. The counter never resets, a slash only disqualifies.
func (s *Store) IncrementViolations(principal entities.Principal) (uint32, error) {
	count, err := s.ViolationCount(principal)
	if err != nil {
		return 0, err
	}
	count++

	key := append([]byte{violationsKey}, principal...)
	var value []byte
	value = binary.BigEndian.AppendUint32(value, count)
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "setting violation count for [%s]", principal)
	}
	return count, nil
}

func (s *Store) LastSettledEpoch() (uint32, error) {
	value, err := s.get([]byte{lastSettledKey})
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "getting last settled epoch")
	}
	return binary.BigEndian.Uint32(value), nil
}

func (s *Store) IsEpochSettled(epoch uint32) (bool, error) {
	_, err := s.get(epochKey(settledKey, epoch))
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting settled flag for epoch [%d]", epoch)
	}
	return true, nil
}

// MarkEpochSettled writes the settled flag and advances the last-settled
// counter atomically. Written before any settlement effect is applied.
func (s *Store) MarkEpochSettled(epoch uint32) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(epochKey(settledKey, epoch), []byte{0x01}, nil); err != nil {
		return errors.Wrap(err, "batching settled flag")
	}
	var value []byte
	value = binary.BigEndian.AppendUint32(value, epoch)
	if err := batch.Set([]byte{lastSettledKey}, value, nil); err != nil {
		return errors.Wrap(err, "batching last settled epoch")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "committing settled marker for epoch [%d]", epoch)
	}
	return nil
}

func claimCompositeKey(epoch uint32, category byte, ref uint64, principal entities.Principal) []byte {
	key := epochKey(claimKey, epoch)
	key = append(key, category)
	key = binary.BigEndian.AppendUint64(key, ref)
	return append(key, principal...)
}

func (s *Store) HasClaim(epoch uint32, category byte, ref uint64, principal entities.Principal) (bool, error) {
	_, err := s.get(claimCompositeKey(epoch, category, ref, principal))
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "getting claim flag")
	}
	return true, nil
}

func (s *Store) SetClaim(epoch uint32, category byte, ref uint64, principal entities.Principal) error {
	err := s.db.Set(claimCompositeKey(epoch, category, ref, principal), []byte{0x01}, pebble.Sync)
	if err != nil {
		return errors.Wrap(err, "setting claim flag")
	}
	return nil
}

// PruneEpochsBelow drops all epoch-keyed records for epochs before the given
// one. Jobs, slot counts and violation counters are epoch-independent and
// are kept.
func (s *Store) PruneEpochsBelow(epoch uint32) error {
	prefixes := []byte{commitmentKey, revealKey, rosterKey, electionKey, epochAssignedKey, roundStartedKey, settledKey, claimKey}
	for _, prefix := range prefixes {
		if err := s.db.DeleteRange(epochKey(prefix, 0), epochKey(prefix, epoch), pebble.Sync); err != nil {
			return errors.Wrapf(err, "pruning prefix [%x]", prefix)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
