package domain

import "github.com/lumino/go-coordinator/entities"

// Contracts of the external collaborators the coordination core is injected
// with at construction. Token custody, identity gating and node bookkeeping
// live behind these; the core never reaches them ambiently.

// StakeLedger realizes reward, penalty and slash effects on principals'
// stake.
type StakeLedger interface {
	RequireBalance(principal entities.Principal, amount uint64) error
	ApplyPenalty(principal entities.Principal, amount uint64) error
	ApplyReward(principal entities.Principal, amount uint64) error
	ApplySlash(principal entities.Principal) error
	IsDisqualified(principal entities.Principal) (bool, error)
}

// NodeDirectory resolves node ownership and compute-pool membership.
type NodeDirectory interface {
	OwnerOf(nodeID uint64) (entities.Principal, error)
	IsOwner(nodeID uint64, principal entities.Principal) (bool, error)
	NodesInPool(poolID uint32) ([]entities.Node, error)
}

// EligibilityGate is the participation whitelist consulted before a
// principal may commit or reveal.
type EligibilityGate interface {
	RequireEligible(principal entities.Principal) error
}
