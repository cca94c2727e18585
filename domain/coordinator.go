package domain

import (
	"context"
	"sync"
	"time"

	"github.com/lumino/go-coordinator/entities"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventPublisher delivers lifecycle events to downstream consumers. Publishing
// is best effort, a failed publish never rolls back the operation it reports.
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []entities.Event) error
}

// ArchiveSink stores settled epoch summaries for later inspection.
type ArchiveSink interface {
	ArchiveEpochSummary(ctx context.Context, summary entities.EpochSummary) error
}

type OperationMetrics interface {
	SetClockPosition(epoch uint32, phase uint8)
	SetLastSettledEpoch(epoch uint32)
	SetPaused(paused bool)
	IncCommitments()
	IncReveals()
	IncElections()
	IncJobsSubmitted()
	AddJobsAssigned(count int)
	IncAssignmentRounds()
	IncSettlements()
	AddSlashes(count int)
	IncRejectedOperations()
}

// ClockStatus is a point-in-time snapshot of the coordinator position.
type ClockStatus struct {
	Epoch            uint32         `json:"epoch"`
	Phase            entities.Phase `json:"phase"`
	PhaseName        string         `json:"phaseName"`
	RemainingInPhase time.Duration  `json:"remainingInPhase"`
	Paused           bool           `json:"paused"`
	LastSettledEpoch uint32         `json:"lastSettledEpoch"`
}

// Coordinator is the single entry point for all state changing operations.
// A mutex serializes them so every operation observes the store either fully
// before or fully after any other.
type Coordinator struct {
	mu sync.Mutex

	now            func() time.Time
	clock          *Clock
	election       *Election
	assignment     *Assignment
	settlement     *Settlement
	publisher      EventPublisher
	archive        ArchiveSink
	metrics        OperationMetrics
	authority      entities.Principal
	publishTimeout time.Duration
	logger         *zap.SugaredLogger
}

func NewCoordinator(
	clock *Clock,
	election *Election,
	assignment *Assignment,
	settlement *Settlement,
	publisher EventPublisher,
	archive ArchiveSink,
	metrics OperationMetrics,
	authority entities.Principal,
	publishTimeout time.Duration,
	logger *zap.SugaredLogger,
) *Coordinator {
	return &Coordinator{
		now:            time.Now,
		clock:          clock,
		election:       election,
		assignment:     assignment,
		settlement:     settlement,
		publisher:      publisher,
		archive:        archive,
		metrics:        metrics,
		authority:      authority,
		publishTimeout: publishTimeout,
		logger:         logger,
	}
}

// SetNowFunc overrides the wall clock source. Intended for tests.
func (c *Coordinator) SetNowFunc(now func() time.Time) {
	c.now = now
}

func (c *Coordinator) SubmitCommitment(actor entities.Principal, nodeID uint64, commitment [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if err := c.election.SubmitCommitment(t, actor, nodeID, commitment); err != nil {
		return c.reject(err)
	}

	epoch, _, _, _ := c.clock.PhaseAt(t)
	c.metrics.IncCommitments()
	c.publish(entities.Event{
		Type:      entities.EventCommitmentSubmitted,
		Epoch:     epoch,
		NodeID:    nodeID,
		Principal: actor,
		Timestamp: t.UnixMilli(),
	})
	return nil
}

func (c *Coordinator) RevealSecret(actor entities.Principal, nodeID uint64, secret []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if err := c.election.RevealSecret(t, actor, nodeID, secret); err != nil {
		return c.reject(err)
	}

	epoch, _, _, _ := c.clock.PhaseAt(t)
	c.metrics.IncReveals()
	c.publish(entities.Event{
		Type:      entities.EventSecretRevealed,
		Epoch:     epoch,
		NodeID:    nodeID,
		Principal: actor,
		Timestamp: t.UnixMilli(),
	})
	return nil
}

func (c *Coordinator) ElectLeader(actor entities.Principal) (entities.ElectionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	result, err := c.election.ElectLeader(t)
	if err != nil {
		return entities.ElectionResult{}, c.reject(err)
	}

	c.metrics.IncElections()
	c.publish(entities.Event{
		Type:      entities.EventLeaderElected,
		Epoch:     result.Epoch,
		Leader:    result.Leader,
		Principal: actor,
		Timestamp: t.UnixMilli(),
	})
	return result, nil
}

func (c *Coordinator) SubmitJob(submitter entities.Principal, modelName, args string, requiredPool uint32, workUnits uint64) (entities.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	job, err := c.assignment.SubmitJob(t, submitter, modelName, args, requiredPool, workUnits)
	if err != nil {
		return entities.Job{}, c.reject(err)
	}

	epoch, _, _, _ := c.clock.PhaseAt(t)
	c.metrics.IncJobsSubmitted()
	c.publish(entities.Event{
		Type:      entities.EventJobSubmitted,
		Epoch:     epoch,
		JobID:     job.ID,
		Principal: submitter,
		Timestamp: t.UnixMilli(),
	})
	return job, nil
}

func (c *Coordinator) StartAssignmentRound(actor entities.Principal) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	assigned, err := c.assignment.StartAssignmentRound(t, actor)
	if err != nil {
		return 0, c.reject(err)
	}

	epoch, _, _, _ := c.clock.PhaseAt(t)
	c.metrics.IncAssignmentRounds()
	c.metrics.AddJobsAssigned(assigned)

	events := make([]entities.Event, 0, assigned)
	jobs, jobsErr := c.assignment.AssignedJobsIn(epoch)
	if jobsErr != nil {
		c.logger.Errorw("error listing assigned jobs for event emission", "epoch", epoch, "error", jobsErr)
	}
	for _, job := range jobs {
		if job.Status != entities.JobStatusAssigned {
			continue
		}
		events = append(events, entities.Event{
			Type:      entities.EventJobAssigned,
			Epoch:     epoch,
			JobID:     job.ID,
			NodeID:    job.AssignedNode,
			Principal: actor,
			Timestamp: t.UnixMilli(),
		})
	}
	c.publish(events...)
	return assigned, nil
}

func (c *Coordinator) ConfirmJob(actor entities.Principal, jobID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if err := c.assignment.ConfirmJob(t, actor, jobID); err != nil {
		return c.reject(err)
	}

	epoch, _, _, _ := c.clock.PhaseAt(t)
	c.publish(entities.Event{
		Type:      entities.EventJobConfirmed,
		Epoch:     epoch,
		JobID:     jobID,
		Principal: actor,
		Timestamp: t.UnixMilli(),
	})
	return nil
}

func (c *Coordinator) CompleteJob(actor entities.Principal, jobID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if err := c.assignment.CompleteJob(t, actor, jobID); err != nil {
		return c.reject(err)
	}

	epoch, _, _, _ := c.clock.PhaseAt(t)
	c.publish(entities.Event{
		Type:      entities.EventJobCompleted,
		Epoch:     epoch,
		JobID:     jobID,
		Principal: actor,
		Timestamp: t.UnixMilli(),
	})
	return nil
}

func (c *Coordinator) FailJob(actor entities.Principal, jobID uint64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if err := c.assignment.FailJob(t, actor, jobID, reason); err != nil {
		return c.reject(err)
	}

	epoch, _, _, _ := c.clock.PhaseAt(t)
	c.publish(entities.Event{
		Type:      entities.EventJobFailed,
		Epoch:     epoch,
		JobID:     jobID,
		Principal: actor,
		Reason:    reason,
		Timestamp: t.UnixMilli(),
	})
	return nil
}

func (c *Coordinator) SettleEpoch(actor entities.Principal, target uint32) (entities.EpochSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	summary, err := c.settlement.ProcessEpoch(t, actor, target)
	if err != nil {
		return entities.EpochSummary{}, c.reject(err)
	}

	c.metrics.IncSettlements()
	c.metrics.SetLastSettledEpoch(target)
	c.metrics.AddSlashes(len(summary.Slashed))

	events := make([]entities.Event, 0, len(summary.Slashed)+1)
	events = append(events, entities.Event{
		Type:      entities.EventEpochSettled,
		Epoch:     target,
		Principal: actor,
		Timestamp: t.UnixMilli(),
	})
	for _, slashed := range summary.Slashed {
		events = append(events, entities.Event{
			Type:      entities.EventPrincipalSlashed,
			Epoch:     target,
			Principal: slashed,
			Timestamp: t.UnixMilli(),
		})
	}
	c.publish(events...)

	if c.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
		defer cancel()
		if archiveErr := c.archive.ArchiveEpochSummary(ctx, summary); archiveErr != nil {
			c.logger.Errorw("error archiving epoch summary", "epoch", target, "error", archiveErr)
		}
	}
	return summary, nil
}

// Pause freezes the clock. Only the configured authority may call it.
func (c *Coordinator) Pause(actor entities.Principal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if actor != c.authority {
		return c.reject(errors.Wrapf(entities.ErrNotAuthorized, "principal %s cannot pause", actor))
	}
	c.clock.Pause()
	c.metrics.SetPaused(true)
	c.logger.Infow("Coordinator paused", "actor", actor)
	return nil
}

func (c *Coordinator) Resume(actor entities.Principal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if actor != c.authority {
		return c.reject(errors.Wrapf(entities.ErrNotAuthorized, "principal %s cannot resume", actor))
	}
	c.clock.Resume()
	c.metrics.SetPaused(false)
	c.logger.Infow("Coordinator resumed", "actor", actor)
	return nil
}

func (c *Coordinator) Status() (ClockStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lastSettled, err := c.settlement.LastSettledEpoch()
	if err != nil {
		return ClockStatus{}, errors.Wrap(err, "getting last settled epoch")
	}

	status := ClockStatus{
		Paused:           c.clock.IsPaused(),
		LastSettledEpoch: lastSettled,
	}
	epoch, phase, remaining, clockErr := c.clock.PhaseAt(c.now())
	if clockErr == nil {
		status.Epoch = epoch
		status.Phase = phase
		status.PhaseName = phase.String()
		status.RemainingInPhase = remaining
		c.metrics.SetClockPosition(epoch, uint8(phase))
	}
	c.metrics.SetLastSettledEpoch(lastSettled)
	return status, nil
}

func (c *Coordinator) CurrentLeader() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.election.CurrentLeader(c.now())
}

func (c *Coordinator) RevealRoster(epoch uint32) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.election.RevealRoster(epoch)
}

func (c *Coordinator) FinalRandomValue(epoch uint32) ([32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.election.FinalRandomValue(epoch)
}

func (c *Coordinator) JobStatus(jobID uint64) (entities.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment.JobStatus(jobID)
}

func (c *Coordinator) AssignedNodeOf(jobID uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment.AssignedNodeOf(jobID)
}

func (c *Coordinator) UnconfirmedJobs(epoch uint32) ([]entities.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment.UnconfirmedJobs(epoch)
}

func (c *Coordinator) reject(err error) error {
	c.metrics.IncRejectedOperations()
	return err
}

func (c *Coordinator) publish(events ...entities.Event) {
	if c.publisher == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()

	if err := c.publisher.PublishEvents(ctx, events); err != nil {
		c.logger.Errorw("error publishing events", "count", len(events), "error", err)
	}
}
