package entities

// Event types published to the coordination topic.
const (
	EventCommitmentSubmitted = "commitment-submitted"
	EventSecretRevealed      = "secret-revealed"
	EventLeaderElected       = "leader-elected"
	EventJobSubmitted        = "job-submitted"
	EventJobAssigned         = "job-assigned"
	EventJobConfirmed        = "job-confirmed"
	EventJobCompleted        = "job-completed"
	EventJobFailed           = "job-failed"
	EventEpochSettled        = "epoch-settled"
	EventPrincipalSlashed    = "principal-slashed"
)

// Event is the wire form of a coordination event. Fields not relevant to a
// given type are omitted from the payload.
type Event struct {
	Type      string    `json:"type"`
	Epoch     uint32    `json:"epoch"`
	NodeID    uint64    `json:"nodeId,omitempty"`
	JobID     uint64    `json:"jobId,omitempty"`
	Principal Principal `json:"principal,omitempty"`
	Leader    uint64    `json:"leader,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp int64     `json:"timestamp"`
}
