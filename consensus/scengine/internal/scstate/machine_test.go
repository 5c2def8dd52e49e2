package scstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

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

func roundRobin(order []scmsg.ValidatorID) ProposerFunc {
	return func(_ scmsg.Height, round scmsg.Round) scmsg.ValidatorID {
		return order[int(round)%len(order)]
	}
}

// S5: "self" is the round-0 proposer in a 4-validator set. It builds a
// proposal, the state machine prevotes it, and upon a full set of
// matching prevotes and precommits the height decides.
func TestProposerHappyPath(t *testing.T) {
	ids := []scmsg.ValidatorID{"self", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	proposer := roundRobin(ids)

	m := New(1, valSet, scmsg.Byzantine, "self", false, nil)

	reqs := m.Start(proposer)
	require.Len(t, reqs, 2)
	require.IsType(t, ScheduleTimeoutRequest{}, reqs[0])
	require.IsType(t, StartBuildProposalRequest{}, reqs[1])
	require.True(t, m.awaitingGetProposal)

	commit := commitFor(1)
	reqs = m.Apply(GetProposalEvent{Round: 0, Commitment: commit}, proposer)

	// Own prevote broadcast, plus the vote folded back into the tally
	// (which, with only one of four validators voting, produces no
	// further requests yet).
	require.Len(t, reqs, 1)
	bv, ok := reqs[0].(BroadcastVoteRequest)
	require.True(t, ok)
	require.Equal(t, scmsg.Prevote, bv.Kind)
	require.Equal(t, commit, bv.Commitment)
	require.Equal(t, StepPrevote, m.Step())

	for _, v := range []scmsg.ValidatorID{"b", "c", "d"} {
		reqs = m.Apply(PrevoteEvent{Round: 0, Voter: v, Commitment: commit}, proposer)
		_ = reqs
	}

	// The third prevote (3/4 weight on commit) already crossed the quorum:
	// TimeoutPrevote scheduled, value locked, and our own precommit
	// broadcast as part of that vote's requests; the fourth changes nothing.
	require.Equal(t, StepPrecommit, m.Step())
	require.NotNil(t, m.lockedValue)
	require.Equal(t, *commit, *m.lockedValue)

	var decided bool
	for _, v := range []scmsg.ValidatorID{"b", "c", "d"} {
		reqs = m.Apply(PrecommitEvent{Round: 0, Voter: v, Commitment: commit}, proposer)
		for _, r := range reqs {
			if dr, ok := r.(DecisionReachedRequest); ok {
				decided = true
				require.Equal(t, *commit, dr.Commitment)
				require.Equal(t, scmsg.Round(0), dr.Round)
			}
		}
	}
	require.True(t, decided)
}

// S6: round 0 times out with no proposal reaching quorum; once
// TimeoutPrecommit for round 0 fires, the machine advances to round 1.
func TestRoundSkipOnPrecommitTimeout(t *testing.T) {
	ids := []scmsg.ValidatorID{"a", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	proposer := roundRobin(ids)

	m := New(5, valSet, scmsg.Byzantine, "", true, nil) // observer: never builds or votes
	_ = m.Start(proposer)

	reqs := m.Apply(TimeoutProposeEvent{Round: 0}, proposer)
	require.Empty(t, reqs) // observers never emit their own nil prevote
	require.Equal(t, StepPrevote, m.Step())

	reqs = m.Apply(TimeoutPrevoteEvent{Round: 0}, proposer)
	require.Empty(t, reqs)
	require.Equal(t, StepPrecommit, m.Step())

	reqs = m.Apply(TimeoutPrecommitEvent{Round: 0}, proposer)
	require.Empty(t, reqs)
	require.Equal(t, scmsg.Round(0), m.Round()) // advancing rounds is the caller's job

	reqs = m.EnterNextRound(proposer)
	require.Equal(t, scmsg.Round(1), m.Round())
	require.Equal(t, StepPropose, m.Step())
	require.Len(t, reqs, 1)
	require.IsType(t, ScheduleTimeoutRequest{}, reqs[0])
}

// Round-skip: prevotes for round 2 from more than one third of the
// weight, while still in round 0, jump straight to round 2.
func TestRoundSkipOnFutureVoteWeight(t *testing.T) {
	ids := []scmsg.ValidatorID{"a", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	proposer := roundRobin(ids)

	m := New(9, valSet, scmsg.Byzantine, "", true, nil)
	_ = m.Start(proposer)
	require.Equal(t, scmsg.Round(0), m.Round())

	commit := commitFor(7)
	_ = m.Apply(PrevoteEvent{Round: 2, Voter: "a", Commitment: commit}, proposer)
	require.Equal(t, scmsg.Round(0), m.Round()) // 1/4 weight: below the >1/3 threshold

	reqs := m.Apply(PrevoteEvent{Round: 2, Voter: "b", Commitment: commit}, proposer)
	require.Equal(t, scmsg.Round(2), m.Round()) // 2/4 weight: strictly above 1/3
	var sawEnter bool
	for _, r := range reqs {
		if _, ok := r.(ScheduleTimeoutRequest); ok {
			sawEnter = true
		}
	}
	require.True(t, sawEnter)
}

// Decision detection is retroactive: a precommit quorum for round 0 still
// decides the height even after the machine has moved on to round 2.
func TestDecisionDetectedOnStaleRound(t *testing.T) {
	ids := []scmsg.ValidatorID{"a", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	proposer := roundRobin(ids)

	m := New(3, valSet, scmsg.Byzantine, "", true, nil)
	_ = m.Start(proposer)

	commit := commitFor(3)
	m.proposals[0] = proposalRecord{commitment: commit}

	// Force the machine into round 2 without resolving round 0.
	_ = m.Apply(PrevoteEvent{Round: 2, Voter: "a", Commitment: commit}, proposer)
	reqs := m.Apply(PrevoteEvent{Round: 2, Voter: "b", Commitment: commit}, proposer)
	require.Equal(t, scmsg.Round(2), m.Round())
	_ = reqs

	var decided bool
	for _, v := range ids {
		reqs = m.Apply(PrecommitEvent{Round: 0, Voter: v, Commitment: commit}, proposer)
		for _, r := range reqs {
			if _, ok := r.(DecisionReachedRequest); ok {
				decided = true
			}
		}
	}
	require.True(t, decided)
}

// Replaying the same vote twice must not change tallied weight or
// re-trigger a one-shot rule a second time.
func TestReplayedVoteIsIdempotent(t *testing.T) {
	ids := []scmsg.ValidatorID{"a", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	proposer := roundRobin(ids)

	m := New(1, valSet, scmsg.Byzantine, "", true, nil)
	_ = m.Start(proposer)

	commit := commitFor(9)
	m.proposals[0] = proposalRecord{commitment: commit}

	_ = m.Apply(PrevoteEvent{Round: 0, Voter: "a", Commitment: commit}, proposer)
	before := m.tallies[0].weightFor(scmsg.Prevote, keyOf(commit))

	reqs := m.Apply(PrevoteEvent{Round: 0, Voter: "a", Commitment: commit}, proposer)
	after := m.tallies[0].weightFor(scmsg.Prevote, keyOf(commit))

	require.Equal(t, before, after)
	require.Empty(t, reqs)
}

// An observer machine never emits BroadcastVoteRequest or
// StartBuildProposalRequest, even when it is nominally the round's
// proposer by ID (an observer passes the empty ValidatorID, so it never
// matches).
func TestObserverNeverActs(t *testing.T) {
	ids := []scmsg.ValidatorID{"a", "b", "c", "d"}
	valSet := mustValSet(t, ids...)
	proposer := roundRobin(ids)

	m := New(1, valSet, scmsg.Byzantine, "", true, nil)
	reqs := m.Start(proposer)
	for _, r := range reqs {
		require.NotContains(t, []Request{StartBuildProposalRequest{Round: 0}}, r)
	}

	commit := commitFor(2)
	for _, v := range ids {
		reqs := m.Apply(PrevoteEvent{Round: 0, Voter: v, Commitment: commit}, proposer)
		for _, r := range reqs {
			_, isVote := r.(BroadcastVoteRequest)
			require.False(t, isVote)
		}
	}
}
