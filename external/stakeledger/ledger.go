package stakeledger

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/lumino/go-coordinator/entities"
)

const (
	balanceKeyPrefix      = 0x01
	disqualifiedKeyPrefix = 0x02
)

// Ledger holds stake balances by principal. It implements the ledger
// contract the coordination core settles against: penalties floor at zero,
// a slash zeroes the balance and disqualifies the principal permanently.
type Ledger struct {
	db *pebble.DB
}

func NewLedger(storeDir string) (*Ledger, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "stake-ledger"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}

	return &Ledger{db: db}, nil
}

func principalKey(prefix byte, principal entities.Principal) []byte {
	return append([]byte{prefix}, principal...)
}

func (l *Ledger) Balance(principal entities.Principal) (uint64, error) {
	value, closer, err := l.db.Get(principalKey(balanceKeyPrefix, principal))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "getting balance for [%s]", principal)
	}
	defer closer.Close()

	return binary.BigEndian.Uint64(value), nil
}

func (l *Ledger) setBalance(principal entities.Principal, amount uint64) error {
	var value []byte
	value = binary.BigEndian.AppendUint64(value, amount)
	err := l.db.Set(principalKey(balanceKeyPrefix, principal), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting balance for [%s]", principal)
	}
	return nil
}

func (l *Ledger) Deposit(principal entities.Principal, amount uint64) error {
	balance, err := l.Balance(principal)
	if err != nil {
		return err
	}
	return l.setBalance(principal, balance+amount)
}

// RequireBalance fails with entities.ErrInsufficientStake when the principal
// holds less than amount.
func (l *Ledger) RequireBalance(principal entities.Principal, amount uint64) error {
	balance, err := l.Balance(principal)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("principal %s holds %d, needs %d: %w", principal, balance, amount, entities.ErrInsufficientStake)
	}
	return nil
}

func (l *Ledger) ApplyPenalty(principal entities.Principal, amount uint64) error {
	balance, err := l.Balance(principal)
	if err != nil {
		return err
	}
	if amount > balance {
		amount = balance
	}
	return l.setBalance(principal, balance-amount)
}

func (l *Ledger) ApplyReward(principal entities.Principal, amount uint64) error {
	return l.Deposit(principal, amount)
}

// ApplySlash zeroes the stake and marks the principal disqualified in one
// batch. Disqualification is permanent.
func (l *Ledger) ApplySlash(principal entities.Principal) error {
	var zero []byte
	zero = binary.BigEndian.AppendUint64(zero, 0)

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(principalKey(balanceKeyPrefix, principal), zero, nil); err != nil {
		return errors.Wrap(err, "batching balance")
	}
	if err := batch.Set(principalKey(disqualifiedKeyPrefix, principal), []byte{0x01}, nil); err != nil {
		return errors.Wrap(err, "batching disqualified flag")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "committing slash for [%s]", principal)
	}
	return nil
}

func (l *Ledger) IsDisqualified(principal entities.Principal) (bool, error) {
	_, closer, err := l.db.Get(principalKey(disqualifiedKeyPrefix, principal))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting disqualified flag for [%s]", principal)
	}
	defer closer.Close()
	return true, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
