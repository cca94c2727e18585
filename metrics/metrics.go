package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	currentEpochGauge     prometheus.Gauge
	currentPhaseGauge     prometheus.Gauge
	lastSettledEpochGauge prometheus.Gauge
	pausedGauge           prometheus.Gauge

	commitmentsCounter      prometheus.Counter
	revealsCounter          prometheus.Counter
	electionsCounter        prometheus.Counter
	jobsSubmittedCounter    prometheus.Counter
	jobsAssignedCounter     prometheus.Counter
	assignmentRoundsCounter prometheus.Counter
	settlementsCounter      prometheus.Counter
	slashesCounter          prometheus.Counter
	rejectedOpsCounter      prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		// metrics for epoch clock position
		currentEpochGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_current_epoch", namespace),
			Help: "The epoch the clock currently reports",
		}),
		currentPhaseGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_current_phase", namespace),
			Help: "The phase the clock currently reports (0=COMMIT .. 5=DISPUTE)",
		}),
		lastSettledEpochGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_settled_epoch", namespace),
			Help: "The highest epoch for which settlement has completed",
		}),
		pausedGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_paused", namespace),
			Help: "1 while the coordinator is paused, 0 otherwise",
		}),
		// metrics for operation volume
		commitmentsCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_commitments_total", namespace),
			Help: "The number of accepted commitments",
		}),
		revealsCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_reveals_total", namespace),
			Help: "The number of accepted secret reveals",
		}),
		electionsCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_elections_total", namespace),
			Help: "The number of completed leader elections",
		}),
		jobsSubmittedCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_jobs_submitted_total", namespace),
			Help: "The number of accepted job submissions",
		}),
		jobsAssignedCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_jobs_assigned_total", namespace),
			Help: "The number of jobs handed to nodes by assignment rounds",
		}),
		assignmentRoundsCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_assignment_rounds_total", namespace),
			Help: "The number of executed assignment rounds",
		}),
		settlementsCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_settlements_total", namespace),
			Help: "The number of settled epochs",
		}),
		slashesCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_slashes_total", namespace),
			Help: "The number of slashed principals",
		}),
		rejectedOpsCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rejected_operations_total", namespace),
			Help: "The number of operations rejected with an error",
		}),
	}
	return &m
}

func (metrics *Metrics) SetClockPosition(epoch uint32, phase uint8) {
	metrics.currentEpochGauge.Set(float64(epoch))
	metrics.currentPhaseGauge.Set(float64(phase))
}

func (metrics *Metrics) SetLastSettledEpoch(epoch uint32) {
	metrics.lastSettledEpochGauge.Set(float64(epoch))
}

func (metrics *Metrics) SetPaused(paused bool) {
	if paused {
		metrics.pausedGauge.Set(1)
	} else {
		metrics.pausedGauge.Set(0)
	}
}

func (metrics *Metrics) IncCommitments() {
	metrics.commitmentsCounter.Inc()
}

func (metrics *Metrics) IncReveals() {
	metrics.revealsCounter.Inc()
}

func (metrics *Metrics) IncElections() {
	metrics.electionsCounter.Inc()
}

func (metrics *Metrics) IncJobsSubmitted() {
	metrics.jobsSubmittedCounter.Inc()
}

func (metrics *Metrics) AddJobsAssigned(count int) {
	metrics.jobsAssignedCounter.Add(float64(count))
}

func (metrics *Metrics) IncAssignmentRounds() {
	metrics.assignmentRoundsCounter.Inc()
}

func (metrics *Metrics) IncSettlements() {
	metrics.settlementsCounter.Inc()
}

func (metrics *Metrics) AddSlashes(count int) {
	metrics.slashesCounter.Add(float64(count))
}

func (metrics *Metrics) IncRejectedOperations() {
	metrics.rejectedOpsCounter.Inc()
}
