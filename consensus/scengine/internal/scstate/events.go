package scstate

import "github.com/starkware-libs/sequencer-sub003/consensus/scmsg"

// Event is anything the state machine can be asked to process. It is a
// closed set; see machine.go's applyOne for the dispatch.
type Event interface {
	isEvent()
}

// GetProposalEvent is the completion of this node's own StartBuildProposal
// request: either the built commitment, or nil if building failed.
type GetProposalEvent struct {
	Round      scmsg.Round
	Commitment *scmsg.Commitment
}

func (GetProposalEvent) isEvent() {}

// ProposalEvent is a (possibly reproposed) proposal whose content has
// already been validated by the context; Commitment is nil if validation
// failed or was interrupted.
type ProposalEvent struct {
	Round       scmsg.Round
	Commitment  *scmsg.Commitment
	ValidRound  *scmsg.Round
	Interrupted bool
}

func (ProposalEvent) isEvent() {}

// PrevoteEvent is a single validator's prevote, already deduplicated and
// de-equivocated by the SHC.
type PrevoteEvent struct {
	Round      scmsg.Round
	Voter      scmsg.ValidatorID
	Commitment *scmsg.Commitment
}

func (PrevoteEvent) isEvent() {}

// PrecommitEvent is a single validator's precommit, already deduplicated
// and de-equivocated by the SHC.
type PrecommitEvent struct {
	Round      scmsg.Round
	Voter      scmsg.ValidatorID
	Commitment *scmsg.Commitment
}

func (PrecommitEvent) isEvent() {}

// TimeoutProposeEvent fires when a scheduled TimeoutPropose elapses.
type TimeoutProposeEvent struct {
	Round scmsg.Round
}

func (TimeoutProposeEvent) isEvent() {}

// TimeoutPrevoteEvent fires when a scheduled TimeoutPrevote elapses.
type TimeoutPrevoteEvent struct {
	Round scmsg.Round
}

func (TimeoutPrevoteEvent) isEvent() {}

// TimeoutPrecommitEvent fires when a scheduled TimeoutPrecommit elapses.
type TimeoutPrecommitEvent struct {
	Round scmsg.Round
}

func (TimeoutPrecommitEvent) isEvent() {}

// DecisionEvent informs the state machine that a decision for this height
// was already reached (e.g. by the Manager catching up from a peer),
// so it should stop participating.
type DecisionEvent struct {
	Commitment scmsg.Commitment
	Round      scmsg.Round
}

func (DecisionEvent) isEvent() {}
