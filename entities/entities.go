package entities

// Principal identifies an account that can own nodes, submit jobs, hold
// stake and act on the coordinator. There is no ambient caller identity:
// every mutating operation carries its acting principal explicitly.
type Principal string

// Phase is one of the six ordered phases an epoch cycles through.
type Phase uint8

const (
	PhaseCommit Phase = iota
	PhaseReveal
	PhaseElect
	PhaseExecute
	PhaseConfirm
	PhaseDispute
)

func (p Phase) String() string {
	switch p {
	case PhaseCommit:
		return "COMMIT"
	case PhaseReveal:
		return "REVEAL"
	case PhaseElect:
		return "ELECT"
	case PhaseExecute:
		return "EXECUTE"
	case PhaseConfirm:
		return "CONFIRM"
	case PhaseDispute:
		return "DISPUTE"
	}
	return "UNKNOWN"
}

// JobStatus is the lifecycle state of a job. Transitions are strictly
// NEW -> ASSIGNED -> CONFIRMED -> {COMPLETE, FAILED}, with FAILED also
// reachable from ASSIGNED.
type JobStatus uint8

const (
	JobStatusNew JobStatus = iota
	JobStatusAssigned
	JobStatusConfirmed
	JobStatusComplete
	JobStatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusNew:
		return "NEW"
	case JobStatusAssigned:
		return "ASSIGNED"
	case JobStatusConfirmed:
		return "CONFIRMED"
	case JobStatusComplete:
		return "COMPLETE"
	case JobStatusFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusNew:
		return next == JobStatusAssigned
	case JobStatusAssigned:
		return next == JobStatusConfirmed || next == JobStatusFailed
	case JobStatusConfirmed:
		return next == JobStatusComplete || next == JobStatusFailed
	}
	return false
}

// Node is a registered compute node. Ownership is exclusive: one owning
// principal per node, enforced by the directory.
type Node struct {
	ID            uint64    `json:"id"`
	Owner         Principal `json:"owner"`
	ComputeRating uint32    `json:"computeRating"`
	PoolID        uint32    `json:"poolId"`
	Active        bool      `json:"active"`
}

// Job is a unit of pending work. AssignedNode is zero exactly while the
// job is NEW.
type Job struct {
	ID           uint64    `json:"id"`
	Submitter    Principal `json:"submitter"`
	ModelName    string    `json:"modelName"`
	Args         string    `json:"args"`
	RequiredPool uint32    `json:"requiredPool"`
	WorkUnits    uint64    `json:"workUnits"`
	AssignedNode uint64    `json:"assignedNode"`
	Status       JobStatus `json:"status"`
	FailReason   string    `json:"failReason,omitempty"`
	CreatedAt    int64     `json:"createdAt"`
}

// ElectionResult is the per-epoch outcome of commit-reveal leader election.
// Written at most once per epoch; re-derivation returns it unchanged.
type ElectionResult struct {
	Epoch       uint32   `json:"epoch"`
	RandomValue [32]byte `json:"randomValue"`
	Leader      uint64   `json:"leader"`
}

// EpochSummary describes what settlement observed and applied for one epoch.
type EpochSummary struct {
	Epoch           uint32      `json:"epoch"`
	Leader          uint64      `json:"leader"`
	RoundStarted    bool        `json:"roundStarted"`
	RosterSize      int         `json:"rosterSize"`
	AssignedJobs    int         `json:"assignedJobs"`
	UnconfirmedJobs int         `json:"unconfirmedJobs"`
	Penalties       int         `json:"penalties"`
	Rewards         int         `json:"rewards"`
	Slashed         []Principal `json:"slashed,omitempty"`
	SettledBy       Principal   `json:"settledBy"`
}
