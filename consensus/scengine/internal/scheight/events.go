package scheight

import (
	"github.com/starkware-libs/sequencer-sub003/consensus/scengine/internal/scstate"
	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// InboundEvent is everything that can arrive at the SHC from outside:
// timer fires, task completions, and self-rebroadcast checks (spec
// section 4.2, handle_event). Proposal and vote arrivals have their own
// dedicated entry points (HandleProposal, HandleVote) since they need
// registry bookkeeping the other events don't.
type InboundEvent interface {
	isInboundEvent()
}

// TimerFireEvent is delivered when a TimeoutTask's sleep elapses.
type TimerFireEvent struct {
	Step  scstate.Step
	Round scmsg.Round
}

func (TimerFireEvent) isInboundEvent() {}

// FinishedBuildingEvent is delivered when a BuildProposalTask resolves.
type FinishedBuildingEvent struct {
	Round       scmsg.Round
	Commitment  *scmsg.Commitment
	Interrupted bool
}

func (FinishedBuildingEvent) isInboundEvent() {}

// FinishedValidationEvent is delivered when a ValidateProposalTask
// resolves.
type FinishedValidationEvent struct {
	Init        scmsg.ProposalInit
	Commitment  *scmsg.Commitment
	Interrupted bool
}

func (FinishedValidationEvent) isInboundEvent() {}

// RebroadcastFireEvent is delivered when a RebroadcastTask's sleep
// elapses; the SHC only actually resends if its current self-vote of
// this kind is still at least as new as Round (spec section 4.2).
type RebroadcastFireEvent struct {
	Kind  scmsg.VoteKind
	Round scmsg.Round
}

func (RebroadcastFireEvent) isInboundEvent() {}
