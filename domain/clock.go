package domain

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lumino/go-coordinator/entities"
)

// ClockConfig fixes the genesis time and the six phase durations of an
// epoch. Epoch 1 begins at Genesis.
type ClockConfig struct {
	Genesis time.Time
	Commit  time.Duration
	Reveal  time.Duration
	Elect   time.Duration
	Execute time.Duration
	Confirm time.Duration
	Dispute time.Duration
}

// Clock maps wall time to an epoch number and phase. It holds no epoch
// state: phase boundaries are recomputed from the time source on every call.
// The pause flag freezes the computation for emergency halts; while paused
// every phase-gated operation fails with ErrPhaseViolation.
type Clock struct {
	cfg           ClockConfig
	phases        [6]time.Duration
	epochDuration time.Duration
	paused        atomic.Bool
}

func NewClock(cfg ClockConfig) (*Clock, error) {
	phases := [6]time.Duration{cfg.Commit, cfg.Reveal, cfg.Elect, cfg.Execute, cfg.Confirm, cfg.Dispute}

	var total time.Duration
	for i, d := range phases {
		if d <= 0 {
			return nil, fmt.Errorf("phase %s duration must be positive, got %v", entities.Phase(i), d)
		}
		total += d
	}
	if cfg.Genesis.IsZero() {
		return nil, fmt.Errorf("genesis time must be set")
	}

	return &Clock{cfg: cfg, phases: phases, epochDuration: total}, nil
}

func (c *Clock) EpochDuration() time.Duration {
	return c.epochDuration
}

// PhaseAt returns the epoch, phase and time remaining in the phase at t.
// A paused clock or a time before genesis yields epoch 0 and
// ErrPhaseViolation.
func (c *Clock) PhaseAt(t time.Time) (uint32, entities.Phase, time.Duration, error) {
	if c.paused.Load() {
		return 0, 0, 0, fmt.Errorf("coordinator is paused: %w", entities.ErrPhaseViolation)
	}

	elapsed := t.Sub(c.cfg.Genesis)
	if elapsed < 0 {
		return 0, 0, 0, fmt.Errorf("time %v is before genesis: %w", t, entities.ErrPhaseViolation)
	}

	epoch := uint32(elapsed/c.epochDuration) + 1
	offset := elapsed % c.epochDuration
	for i, d := range c.phases {
		if offset < d {
			return epoch, entities.Phase(i), d - offset, nil
		}
		offset -= d
	}
	// unreachable: offset < epochDuration by construction
	return epoch, entities.PhaseDispute, 0, nil
}

// ValidatePhase returns the epoch at t if the current phase matches
// expected, ErrPhaseViolation otherwise.
func (c *Clock) ValidatePhase(t time.Time, expected entities.Phase) (uint32, error) {
	epoch, phase, _, err := c.PhaseAt(t)
	if err != nil {
		return 0, err
	}
	if phase != expected {
		return 0, fmt.Errorf("expected phase %s, current phase is %s: %w", expected, phase, entities.ErrPhaseViolation)
	}
	return epoch, nil
}

func (c *Clock) Pause() {
	c.paused.Store(true)
}

func (c *Clock) Resume() {
	c.paused.Store(false)
}

func (c *Clock) IsPaused() bool {
	return c.paused.Load()
}
