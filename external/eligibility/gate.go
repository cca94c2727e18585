package eligibility

import (
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/lumino/go-coordinator/entities"
)

// Gate is the participation whitelist consulted before a principal may take
// part in commit-reveal or register nodes.
type Gate struct {
	db *pebble.DB
}

func NewGate(storeDir string) (*Gate, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "eligibility-gate"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}

	return &Gate{db: db}, nil
}

func (g *Gate) Allow(principal entities.Principal) error {
	err := g.db.Set([]byte(principal), []byte{0x01}, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "whitelisting [%s]", principal)
	}
	return nil
}

func (g *Gate) Revoke(principal entities.Principal) error {
	err := g.db.Delete([]byte(principal), pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "revoking [%s]", principal)
	}
	return nil
}

func (g *Gate) IsEligible(principal entities.Principal) (bool, error) {
	_, closer, err := g.db.Get([]byte(principal))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting whitelist entry for [%s]", principal)
	}
	defer closer.Close()
	return true, nil
}

func (g *Gate) RequireEligible(principal entities.Principal) error {
	eligible, err := g.IsEligible(principal)
	if err != nil {
		return err
	}
	if !eligible {
		return fmt.Errorf("principal %s: %w", principal, entities.ErrNotEligible)
	}
	return nil
}

func (g *Gate) Close() error {
	return g.db.Close()
}
