package directory

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

const (
	nodeKeyPrefix = 0x01 // nodeID(8) -> gob entities.Node
	poolKeyPrefix = 0x02 // poolID(4) nodeID(8) -> nil
	nodeCounter   = 0x03 // -> uint64
)

// StakeChecker verifies the registering principal holds enough stake.
type StakeChecker interface {
	RequireBalance(principal entities.Principal, amount uint64) error
}

// EligibilityChecker gates registration on the whitelist.
type EligibilityChecker interface {
	RequireEligible(principal entities.Principal) error
}

// Directory tracks node identity, owning principal, compute-pool membership
// and active status. Ownership is exclusive per node.
type Directory struct {
	db       *pebble.DB
	stake    StakeChecker
	gate     EligibilityChecker
	minStake uint64
}

func NewDirectory(storeDir string, stake StakeChecker, gate EligibilityChecker, minStake uint64) (*Directory, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "node-directory"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}

	return &Directory{db: db, stake: stake, gate: gate, minStake: minStake}, nil
}

func nodeKey(nodeID uint64) []byte {
	key := []byte{nodeKeyPrefix}
	return binary.BigEndian.AppendUint64(key, nodeID)
}

func poolKey(poolID uint32, nodeID uint64) []byte {
	key := []byte{poolKeyPrefix}
	key = binary.BigEndian.AppendUint32(key, poolID)
	return binary.BigEndian.AppendUint64(key, nodeID)
}

func (d *Directory) nextNodeID() (uint64, error) {
	var nextID uint64 = 1
	value, closer, err := d.db.Get([]byte{nodeCounter})
	if err == nil {
		nextID = binary.BigEndian.Uint64(value) + 1
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, errors.Wrap(err, "getting node counter")
	}

	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, nextID)
	if err := d.db.Set([]byte{nodeCounter}, next, pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "setting node counter")
	}
	return nextID, nil
}

// RegisterNode creates an active node owned by the principal. The owner must
// be whitelisted and hold the minimum stake.
func (d *Directory) RegisterNode(owner entities.Principal, computeRating, poolID uint32) (entities.Node, error) {
	var node entities.Node

	if err := d.gate.RequireEligible(owner); err != nil {
		return node, err
	}
	if err := d.stake.RequireBalance(owner, d.minStake); err != nil {
		return node, err
	}

	id, err := d.nextNodeID()
	if err != nil {
		return node, err
	}

	node = entities.Node{
		ID:            id,
		Owner:         owner,
		ComputeRating: computeRating,
		PoolID:        poolID,
		Active:        true,
	}

	encoded, err := encodeNode(node)
	if err != nil {
		return node, err
	}

	batch := d.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(nodeKey(id), encoded, nil); err != nil {
		return node, errors.Wrap(err, "batching node")
	}
	if err := batch.Set(poolKey(poolID, id), nil, nil); err != nil {
		return node, errors.Wrap(err, "batching pool index")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return node, errors.Wrapf(err, "committing node [%d]", id)
	}
	return node, nil
}

// UnregisterNode deactivates the node. Only the owner may unregister; the
// node record is kept so historic epochs stay resolvable.
func (d *Directory) UnregisterNode(actor entities.Principal, nodeID uint64) error {
	node, err := d.NodeByID(nodeID)
	if err != nil {
		return err
	}
	if node.Owner != actor {
		return fmt.Errorf("principal %s does not own node %d: %w", actor, nodeID, entities.ErrNotAuthorized)
	}

	node.Active = false
	encoded, err := encodeNode(node)
	if err != nil {
		return err
	}

	batch := d.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(nodeKey(nodeID), encoded, nil); err != nil {
		return errors.Wrap(err, "batching node")
	}
	if err := batch.Delete(poolKey(node.PoolID, nodeID), nil); err != nil {
		return errors.Wrap(err, "batching pool index removal")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "committing unregister [%d]", nodeID)
	}
	return nil
}

func (d *Directory) NodeByID(nodeID uint64) (entities.Node, error) {
	var node entities.Node
	value, closer, err := d.db.Get(nodeKey(nodeID))
	if errors.Is(err, pebble.ErrNotFound) {
		return node, fmt.Errorf("node %d: %w", nodeID, entities.ErrNotFound)
	}
	if err != nil {
		return node, errors.Wrapf(err, "getting node [%d]", nodeID)
	}
	defer closer.Close()

	if err := gob.NewDecoder(bytes.NewBuffer(value)).Decode(&node); err != nil {
		return node, errors.Wrap(err, "decoding node")
	}
	return node, nil
}

func (d *Directory) OwnerOf(nodeID uint64) (entities.Principal, error) {
	node, err := d.NodeByID(nodeID)
	if err != nil {
		return "", err
	}
	return node.Owner, nil
}

func (d *Directory) IsOwner(nodeID uint64, principal entities.Principal) (bool, error) {
	node, err := d.NodeByID(nodeID)
	if err != nil {
		return false, err
	}
	return node.Owner == principal, nil
}

// NodesInPool returns the active members of the pool in node id order.
func (d *Directory) NodesInPool(poolID uint32) ([]entities.Node, error) {
	lower := poolKey(poolID, 0)
	upper := poolKey(poolID+1, 0)
	iter, err := d.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var nodes []entities.Node
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		nodeID := binary.BigEndian.Uint64(key[5:])
		node, err := d.NodeByID(nodeID)
		if err != nil {
			return nil, errors.Wrapf(err, "loading pool member [%d]", nodeID)
		}
		if node.Active {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

func encodeNode(node entities.Node) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := gob.NewEncoder(buffer).Encode(node); err != nil {
		return nil, errors.Wrap(err, "encoding node")
	}
	return buffer.Bytes(), nil
}

func (d *Directory) Close() error {
	return d.db.Close()
}
