// Package scgossip defines the gossip-strategy contract the Manager's
// vote and proposal broadcasts flow through, plus a default
// flood-to-peers implementation. A real P2P transport lives outside this
// module (spec Non-goals); this package only frames what the Manager
// expects from one.
package scgossip

import (
	"context"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// Strategy receives outbound votes and proposal content from the Manager
// and is responsible for getting them to peers. Implementations may
// dedupe, fan out, or apply backpressure however fits their transport;
// this module never assumes anything about delivery beyond "eventually,
// or not at all".
type Strategy interface {
	// BroadcastVote sends vote to every peer this node knows about.
	BroadcastVote(ctx context.Context, vote scmsg.Vote) error

	// BroadcastProposal sends a proposal's framing and content to every
	// peer. init.ValidRound is nil for a fresh proposal.
	BroadcastProposal(ctx context.Context, init scmsg.ProposalInit, content []byte) error

	// Start begins any background fan-out goroutines the strategy needs,
	// and returns once they're running.
	Start(ctx context.Context)

	// Wait blocks until the strategy's background work has stopped,
	// following a context cancellation passed to Start.
	Wait()
}

// PeerSink is the minimal send capability FloodStrategy needs from a
// single peer connection; a real transport adapter implements this over
// its own wire format.
type PeerSink interface {
	SendVote(ctx context.Context, vote scmsg.Vote) error
	SendProposal(ctx context.Context, init scmsg.ProposalInit, content []byte) error
}

// FloodStrategy is the simplest Strategy: every vote and proposal is sent
// to every currently known peer, with no deduplication or retry. It
// mirrors the teacher's placeholder gossip strategies (tmgossiptest),
// generalized into something usable outside tests.
type FloodStrategy struct {
	peers func() []PeerSink

	done chan struct{}
}

// NewFloodStrategy returns a FloodStrategy that fans out to whatever
// peers() returns at the time of each broadcast.
func NewFloodStrategy(peers func() []PeerSink) *FloodStrategy {
	return &FloodStrategy{peers: peers, done: make(chan struct{})}
}

func (f *FloodStrategy) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		close(f.done)
	}()
}

func (f *FloodStrategy) Wait() { <-f.done }

func (f *FloodStrategy) BroadcastVote(ctx context.Context, vote scmsg.Vote) error {
	var firstErr error
	for _, p := range f.peers() {
		if err := p.SendVote(ctx, vote); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *FloodStrategy) BroadcastProposal(ctx context.Context, init scmsg.ProposalInit, content []byte) error {
	var firstErr error
	for _, p := range f.peers() {
		if err := p.SendProposal(ctx, init, content); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
