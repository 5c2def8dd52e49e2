package scheight

import (
	"time"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// TimeoutParams is one {base, delta, cap} triple governing how a step's
// timeout grows with the round (spec section 4.2, "Proposal timeout
// scaling"; section 9 lists propose/prevote/precommit each configured
// this way).
type TimeoutParams struct {
	Base  time.Duration
	Delta time.Duration
	Cap   time.Duration
}

// For returns min(Base + round*Delta, Cap). A zero Cap means uncapped.
func (p TimeoutParams) For(round scmsg.Round) time.Duration {
	d := p.Base + time.Duration(round)*p.Delta
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// TimeoutConfig bundles the three step timeouts plus the build timeout and
// the rebroadcast interval.
type TimeoutConfig struct {
	Propose   TimeoutParams
	Prevote   TimeoutParams
	Precommit TimeoutParams

	// Build is the timeout passed to BuildProposal. It never scales with
	// round: the spec pins it to the round-0 propose base.
	Build time.Duration

	// Rebroadcast is how long the SHC waits after sending a self-vote
	// before resending it (spec section 4.2, "Rebroadcast of votes").
	Rebroadcast time.Duration
}

// DefaultTimeoutConfig returns reasonable defaults for a local test
// network; production deployments should tune these per spec section 9.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Propose:     TimeoutParams{Base: 3 * time.Second, Delta: 500 * time.Millisecond, Cap: 30 * time.Second},
		Prevote:     TimeoutParams{Base: 1 * time.Second, Delta: 500 * time.Millisecond, Cap: 30 * time.Second},
		Precommit:   TimeoutParams{Base: 1 * time.Second, Delta: 500 * time.Millisecond, Cap: 30 * time.Second},
		Build:       3 * time.Second,
		Rebroadcast: 2 * time.Second,
	}
}
