package scstate

import "github.com/starkware-libs/sequencer-sub003/consensus/scmsg"

// Request is something the state machine asks the outside world (the
// SHC) to do. Emitting a Request never blocks the state machine; it is
// pure data appended to the slice Apply returns.
type Request interface {
	isRequest()
}

// StartBuildProposalRequest asks the SHC to kick off a BuildProposal task
// for round.
type StartBuildProposalRequest struct {
	Round scmsg.Round
}

func (StartBuildProposalRequest) isRequest() {}

// BroadcastVoteRequest asks the SHC to broadcast a self-vote. The SHC must
// persist LastVotedHeight before the broadcast returns (spec section
// 4.2/5).
type BroadcastVoteRequest struct {
	Kind       scmsg.VoteKind
	Round      scmsg.Round
	Commitment *scmsg.Commitment
}

func (BroadcastVoteRequest) isRequest() {}

// ScheduleTimeoutRequest asks the SHC to schedule a timeout for the given
// step and round.
type ScheduleTimeoutRequest struct {
	Step  Step
	Round scmsg.Round
}

func (ScheduleTimeoutRequest) isRequest() {}

// DecisionReachedRequest asks the SHC to assemble and return a Decision
// for (round, commitment); the SHC verifies the supporting precommit
// count independently before honoring this (spec section 4.2).
type DecisionReachedRequest struct {
	Round      scmsg.Round
	Commitment scmsg.Commitment
}

func (DecisionReachedRequest) isRequest() {}

// ReproposeRequest asks the SHC to re-send a previously accepted
// proposal's content on round, carrying validRound as the round at which
// it won its prevote quorum.
type ReproposeRequest struct {
	Round      scmsg.Round
	Commitment scmsg.Commitment
	ValidRound scmsg.Round
}

func (ReproposeRequest) isRequest() {}
