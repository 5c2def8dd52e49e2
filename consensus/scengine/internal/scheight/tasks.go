// Package scheight implements the Single-Height Consensus mediator (SHC):
// it folds network and timer events into scstate.Machine events, and
// translates the Machine's requests into Tasks the Manager runs without
// blocking the SHC's own goroutine.
package scheight

import (
	"io"
	"time"

	"github.com/starkware-libs/sequencer-sub003/consensus/scengine/internal/scstate"
	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// Task is work the Manager must carry out asynchronously and report back
// to the SHC via HandleEvent once it resolves.
type Task interface {
	isTask()
}

// TimeoutTask asks the Manager to sleep for Duration and then deliver a
// TimerFireEvent for Step and Round back to the SHC.
type TimeoutTask struct {
	Step     scstate.Step
	Round    scmsg.Round
	Duration time.Duration
}

func (TimeoutTask) isTask() {}

// RebroadcastTask asks the Manager to sleep for Duration and then deliver
// a RebroadcastFireEvent. If Vote is still the current self-vote of its
// kind when HandleEvent processes that event, the SHC emits a
// BroadcastTask for it and schedules the next RebroadcastTask.
type RebroadcastTask struct {
	Vote     scmsg.Vote
	Duration time.Duration
}

func (RebroadcastTask) isTask() {}

// BuildProposalTask asks the Manager to call context.BuildProposal for
// Round and report the result back as a FinishedBuildingEvent.
type BuildProposalTask struct {
	Round    scmsg.Round
	Init     scmsg.ProposalInit
	Timeout  time.Duration
}

func (BuildProposalTask) isTask() {}

// ValidateProposalTask asks the Manager to call context.ValidateProposal
// and report the result back as a FinishedValidationEvent.
type ValidateProposalTask struct {
	Init    scmsg.ProposalInit
	Timeout time.Duration
	Content io.Reader
}

func (ValidateProposalTask) isTask() {}

// BroadcastTask asks the Manager to broadcast a self-vote. The SHC has
// already durably persisted LastVotedHeight before emitting this task.
type BroadcastTask struct {
	Vote scmsg.Vote
}

func (BroadcastTask) isTask() {}

// ReproposeTask asks the Manager to resend previously accepted proposal
// content on a new round.
type ReproposeTask struct {
	Commitment scmsg.Commitment
	Init       scmsg.ProposalInit
}

func (ReproposeTask) isTask() {}
