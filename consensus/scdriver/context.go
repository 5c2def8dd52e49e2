// Package scdriver defines the capability surface the Single-Height
// Consensus mediator depends on (spec section 4.6): proposer rotation,
// proposal build/validate, broadcast, and reproposal. This package only
// declares the contract; concrete adapters (wrapping a mempool, an
// execution engine, a gossip network) live outside this module.
package scdriver

import (
	"context"
	"io"
	"time"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/consensus/scstore"
)

// ConsensusContext is the capability set the SHC folds SM requests
// through. Every method must be safe to call concurrently with itself,
// since BuildProposal and ValidateProposal run as background tasks while
// other context calls continue on the Manager's goroutine.
type ConsensusContext interface {
	// Proposer returns the deterministic proposer for (height, round).
	// Every correct validator must compute the same answer.
	Proposer(height scmsg.Height, round scmsg.Round) scmsg.ValidatorID

	// SetHeightAndRound is a best-effort notification that the SHC has
	// moved to a new (height, round). Implementations may no-op.
	SetHeightAndRound(height scmsg.Height, round scmsg.Round)

	// BuildProposal asks the context to assemble a new block for init and
	// return its commitment within timeout. The returned channel receives
	// exactly one BuildProposalResult, or is closed without a send if the
	// context gives up (treated identically to an error result).
	BuildProposal(ctx context.Context, init scmsg.ProposalInit, timeout time.Duration) <-chan BuildProposalResult

	// ValidateProposal asks the context to validate a proposal whose
	// content arrives on content, returning a commitment within timeout.
	// The returned channel behaves like BuildProposal's.
	ValidateProposal(ctx context.Context, init scmsg.ProposalInit, timeout time.Duration, content io.Reader) <-chan ValidateProposalResult

	// Broadcast sends vote to the network. The caller (the SHC) has
	// already durably persisted LastVotedHeight before calling Broadcast
	// for a self-vote; Broadcast must not be called for any other reason
	// that would make that ordering meaningless.
	Broadcast(ctx context.Context, vote scmsg.Vote) error

	// Repropose re-sends a previously accepted proposal's content on a
	// new round, carrying the same commitment.
	Repropose(ctx context.Context, commitment scmsg.Commitment, init scmsg.ProposalInit) error

	// FinalizedRecord returns the full block record for a commitment this
	// context previously built or validated, so the Manager can persist
	// it through the Batched Writer once the state machine decides it
	// (spec section 4.3, "persist the block atomically").
	FinalizedRecord(ctx context.Context, commitment scmsg.Commitment) (scstore.BlockRecord, error)
}

// BuildProposalResult is delivered on the channel returned by
// ConsensusContext.BuildProposal.
type BuildProposalResult struct {
	// Commitment is nil if the context failed to build a proposal in
	// time or was cancelled.
	Commitment  *scmsg.Commitment
	Interrupted bool
	Err         error
}

// ValidateProposalResult is delivered on the channel returned by
// ConsensusContext.ValidateProposal.
type ValidateProposalResult struct {
	// Commitment is nil if validation failed or was interrupted.
	Commitment *scmsg.Commitment

	// Interrupted distinguishes "the task was cancelled before it could
	// finish" from "the proposer's content was evaluated and rejected".
	// Both collapse to the same nil-commitment SM event, but are counted
	// as distinct telemetry (design note in spec section 9).
	Interrupted bool

	Err error
}
