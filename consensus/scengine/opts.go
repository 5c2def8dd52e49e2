package scengine

import (
	"github.com/starkware-libs/sequencer-sub003/consensus/scdriver"
	"github.com/starkware-libs/sequencer-sub003/consensus/scengine/internal/scheight"
	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/consensus/scstore"
)

// Opt configures a Manager at construction time, mirroring the teacher's
// functional-options pattern (tmengine.Opt).
type Opt func(*Manager) error

// WithConsensusContext sets the capability adapter the SHC uses to build,
// validate, broadcast, and repropose. Required.
func WithConsensusContext(cc scdriver.ConsensusContext) Opt {
	return func(m *Manager) error {
		m.cc = cc
		return nil
	}
}

// WithValidatorSetSource sets the per-height validator set provider.
// Required.
func WithValidatorSetSource(src ValidatorSetSource) Opt {
	return func(m *Manager) error {
		m.valSrc = src
		return nil
	}
}

// WithBatchedWriter sets the storage backend. Required.
func WithBatchedWriter(store scstore.BatchedWriter) Opt {
	return func(m *Manager) error {
		m.store = store
		return nil
	}
}

// WithSelfValidator sets this node's own validator identity. Omit (or
// pass WithObserver) to run as a non-voting observer.
func WithSelfValidator(id scmsg.ValidatorID) Opt {
	return func(m *Manager) error {
		m.selfID = id
		m.observer = false
		return nil
	}
}

// WithObserver configures the Manager to never build, vote, or
// repropose, while still tracking quorums and decisions. Used for
// follower nodes and test harnesses.
func WithObserver() Opt {
	return func(m *Manager) error {
		m.selfID = ""
		m.observer = true
		return nil
	}
}

// WithTimeoutConfig overrides the default per-step timeout scaling.
func WithTimeoutConfig(cfg scheight.TimeoutConfig) Opt {
	return func(m *Manager) error {
		m.timeouts = cfg
		return nil
	}
}

// WithMetrics wires a metrics implementation satisfying both the state
// machine's and the SHC's metrics interfaces, plus the Manager's own
// build-proposal counters (see scmetrics.Metrics).
func WithMetrics(metrics managerMetrics) Opt {
	return func(m *Manager) error {
		m.metrics = metrics
		return nil
	}
}
