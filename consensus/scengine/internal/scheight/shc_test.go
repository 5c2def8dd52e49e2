package scheight

import (
	"context"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub003/consensus/scengine/internal/scstate"
	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

type fakeLVH struct {
	height scmsg.Height
}

func (f *fakeLVH) LastVotedHeight(context.Context) (scmsg.Height, error) { return f.height, nil }
func (f *fakeLVH) SetLastVotedHeight(_ context.Context, h scmsg.Height) error {
	f.height = h
	return nil
}

func mustValSet(t *testing.T, ids ...scmsg.ValidatorID) scmsg.ValidatorSet {
	t.Helper()
	vs := make([]scmsg.Validator, len(ids))
	for i, id := range ids {
		vs[i] = scmsg.Validator{ID: id, Weight: 1}
	}
	set, err := scmsg.NewValidatorSet(vs)
	require.NoError(t, err)
	return set
}

func commitFor(b byte) *scmsg.Commitment {
	var c scmsg.Commitment
	c[0] = b
	return &c
}

func roundRobin(order []scmsg.ValidatorID) scstate.ProposerFunc {
	return func(_ scmsg.Height, round scmsg.Round) scmsg.ValidatorID {
		return order[int(round)%len(order)]
	}
}

// A self-vote must be persisted to LastVotedHeight before the
// BroadcastTask is emitted (spec section 4.2, "Persistence of last-voted
// height").
func TestSelfVotePersistsBeforeBroadcast(t *testing.T) {
	ids := []scmsg.ValidatorID{"self", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	lvh := &fakeLVH{}

	shc := New(slogt.New(t), 7, valSet, scmsg.Byzantine, "self", false, roundRobin(ids), lvh, DefaultTimeoutConfig(), nil, nil)

	tasks := shc.Start(context.Background())
	var buildTask *BuildProposalTask
	for i := range tasks {
		if bt, ok := tasks[i].(BuildProposalTask); ok {
			buildTask = &bt
		}
	}
	require.NotNil(t, buildTask)

	commit := commitFor(1)
	tasks = shc.HandleEvent(context.Background(), FinishedBuildingEvent{Round: 0, Commitment: commit})

	var sawBroadcast bool
	for _, tk := range tasks {
		if bt, ok := tk.(BroadcastTask); ok {
			sawBroadcast = true
			require.Equal(t, scmsg.Prevote, bt.Vote.Kind)
		}
	}
	require.True(t, sawBroadcast)
	require.Equal(t, scmsg.Height(7), lvh.height)
}

// An equivocating second vote from the same validator in the same round
// is dropped and counted, never forwarded to the state machine.
func TestEquivocationDropped(t *testing.T) {
	ids := []scmsg.ValidatorID{"a", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	lvh := &fakeLVH{}

	shc := New(slogt.New(t), 1, valSet, scmsg.Byzantine, "", true, roundRobin(ids), lvh, DefaultTimeoutConfig(), nil, nil)
	_ = shc.Start(context.Background())

	c1 := commitFor(1)
	c2 := commitFor(2)

	_ = shc.HandleVote(context.Background(), scmsg.Vote{Kind: scmsg.Prevote, Height: 1, Round: 0, Commitment: c1, Voter: "a"})
	tasks := shc.HandleVote(context.Background(), scmsg.Vote{Kind: scmsg.Prevote, Height: 1, Round: 0, Commitment: c2, Voter: "a"})

	require.Empty(t, tasks)
	require.Equal(t, uint64(1), shc.Equivocations())
}

// A duplicate proposal for a round already accepted is rejected without
// a second ValidateProposalTask.
func TestDuplicateProposalRejected(t *testing.T) {
	ids := []scmsg.ValidatorID{"a", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	lvh := &fakeLVH{}

	shc := New(slogt.New(t), 1, valSet, scmsg.Byzantine, "", true, roundRobin(ids), lvh, DefaultTimeoutConfig(), nil, nil)

	init := scmsg.ProposalInit{Height: 1, Round: 0, Proposer: "a"}
	tasks := shc.HandleProposal(init, nil)
	require.Len(t, tasks, 1)

	tasks = shc.HandleProposal(init, nil)
	require.Empty(t, tasks)
}

// Decision re-verifies quorum before honoring it; with fewer than quorum
// recorded precommits it returns ErrInternalInconsistency.
func TestDecisionRequiresQuorum(t *testing.T) {
	ids := []scmsg.ValidatorID{"a", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	lvh := &fakeLVH{}

	shc := New(slogt.New(t), 1, valSet, scmsg.Byzantine, "", true, roundRobin(ids), lvh, DefaultTimeoutConfig(), nil, nil)
	commit := commitFor(4)

	_, err := shc.Decision(0, *commit)
	require.ErrorIs(t, err, ErrInternalInconsistency)

	for _, v := range ids[:3] {
		_ = shc.HandleVote(context.Background(), scmsg.Vote{Kind: scmsg.Precommit, Height: 1, Round: 0, Commitment: commit, Voter: v})
	}
	d, err := shc.Decision(0, *commit)
	require.NoError(t, err)
	require.Len(t, d.Precommits, 3)
}
