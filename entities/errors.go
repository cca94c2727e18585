package entities

import "errors"

var ErrStoreEntityNotFound = errors.New("store resource not found")

// Coordination errors. An operation aborts with exactly one of these and
// leaves no partial writes behind. Callers match with errors.Is.
var (
	ErrPhaseViolation    = errors.New("operation not allowed in current phase")
	ErrNotAuthorized     = errors.New("principal not authorized")
	ErrNotFound          = errors.New("entity not found")
	ErrIntegrity         = errors.New("reveal does not match commitment")
	ErrStateTransition   = errors.New("illegal state transition")
	ErrAlreadyProcessed  = errors.New("already processed")
	ErrCapacityExceeded  = errors.New("node capacity exceeded")
	ErrNoParticipants    = errors.New("no participants revealed this epoch")
	ErrInsufficientStake = errors.New("insufficient stake")
	ErrNotEligible       = errors.New("principal not whitelisted")
)
