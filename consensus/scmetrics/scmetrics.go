// Package scmetrics implements the named counters spec section 9 calls
// for, wired to prometheus/client_golang. Both scstate.Metrics and
// scheight.Metrics are satisfied by the single Metrics type here, so a
// Manager only needs to construct and register one.
package scmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// Metrics holds every Prometheus collector the consensus engine exports.
// It satisfies both scstate.Metrics and the scheight package's Metrics
// interface.
type Metrics struct {
	round            prometheus.Gauge
	roundAboveZero   prometheus.Counter
	newValueLocks    prometheus.Counter
	heldLocks        prometheus.Gauge
	timeouts         *prometheus.CounterVec
	conflictingVotes prometheus.Counter
	proposalsValid   prometheus.Counter
	proposalsInvalid prometheus.Counter
	proposalsInterrupted prometheus.Counter
	reproposals      prometheus.Counter
	buildTotal       prometheus.Counter
	buildFailed      prometheus.Counter
}

// New constructs Metrics and registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_round",
			Help: "Current consensus round for the active height.",
		}),
		roundAboveZero: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_round_above_zero_total",
			Help: "Number of times a height has entered a round above zero.",
		}),
		newValueLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_new_value_locks_total",
			Help: "Number of times the state machine locked a newly-seen value.",
		}),
		heldLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_held_locks",
			Help: "Whether the current height holds a locked value (0 or 1).",
		}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_timeouts_total",
			Help: "Number of step timeouts fired, by step.",
		}, []string{"step"}),
		conflictingVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_conflicting_votes_total",
			Help: "Number of equivocating votes dropped by the SHC registry.",
		}),
		proposalsValid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_proposals_validated_total",
			Help: "Number of proposals that validated successfully.",
		}),
		proposalsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_proposals_invalid_total",
			Help: "Number of proposals rejected by validation.",
		}),
		proposalsInterrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_proposals_interrupted_total",
			Help: "Number of proposal validations cancelled before completion.",
		}),
		reproposals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_reproposals_total",
			Help: "Number of times a locked value was reproposed in a later round.",
		}),
		buildTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_build_proposal_total",
			Help: "Number of BuildProposal tasks started.",
		}),
		buildFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_build_proposal_failed_total",
			Help: "Number of BuildProposal tasks that failed or were interrupted.",
		}),
	}

	reg.MustRegister(
		m.round, m.roundAboveZero, m.newValueLocks, m.heldLocks, m.timeouts,
		m.conflictingVotes, m.proposalsValid, m.proposalsInvalid, m.proposalsInterrupted,
		m.reproposals, m.buildTotal, m.buildFailed,
	)

	return m
}

// scstate.Metrics

func (m *Metrics) IncRound()          { m.round.Inc() }
func (m *Metrics) IncRoundAboveZero() { m.roundAboveZero.Inc() }
func (m *Metrics) IncNewValueLock()   { m.newValueLocks.Inc() }
func (m *Metrics) IncHeldLock()       { m.heldLocks.Set(1) }
func (m *Metrics) IncTimeout(step scmsg.Step) {
	m.timeouts.WithLabelValues(step.String()).Inc()
}

// scheight.Metrics

func (m *Metrics) IncConflictingVote()     { m.conflictingVotes.Inc() }
func (m *Metrics) IncProposalValidated()   { m.proposalsValid.Inc() }
func (m *Metrics) IncProposalInvalid()     { m.proposalsInvalid.Inc() }
func (m *Metrics) IncProposalInterrupted() { m.proposalsInterrupted.Inc() }
func (m *Metrics) IncRepropose()           { m.reproposals.Inc() }

// IncBuildProposalStarted and IncBuildProposalFailed are called directly
// by the Manager around its BuildProposalTask execution, since that task
// lives outside the SHC's own request/task translation.
func (m *Metrics) IncBuildProposalStarted() { m.buildTotal.Inc() }
func (m *Metrics) IncBuildProposalFailed()  { m.buildFailed.Inc() }
