package scheight

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// voteKey identifies a single validator's vote of one kind within one
// round; it is the registry's de-duplication and equivocation-detection
// unit (spec section 4.2, handle_vote).
type voteKey struct {
	round scmsg.Round
	voter scmsg.ValidatorID
	kind  scmsg.VoteKind
}

// registry tracks everything the SHC has already seen for this height: the
// exact votes recorded (for equivocation comparison and for Decision
// assembly), and a per-round/per-kind bitset of which validator indices
// have voted, giving an O(1) "have we ever seen this validator here"
// check ahead of the detailed map lookup.
type registry struct {
	valSet  scmsg.ValidatorSet
	idIndex map[scmsg.ValidatorID]uint

	votes map[voteKey]scmsg.Vote

	seenPrevote   map[scmsg.Round]*bitset.BitSet
	seenPrecommit map[scmsg.Round]*bitset.BitSet

	equivocations uint64

	// proposals tracks the one proposal this SHC has accepted per round,
	// so a duplicate handle_proposal call for the same round is rejected
	// without re-invoking ValidateProposal.
	proposals map[scmsg.Round]struct{}
}

func newRegistry(valSet scmsg.ValidatorSet) *registry {
	idIndex := make(map[scmsg.ValidatorID]uint, valSet.Len())
	for i, v := range valSet.Validators() {
		idIndex[v.ID] = uint(i)
	}
	return &registry{
		valSet:        valSet,
		idIndex:       idIndex,
		votes:         make(map[voteKey]scmsg.Vote),
		seenPrevote:   make(map[scmsg.Round]*bitset.BitSet),
		seenPrecommit: make(map[scmsg.Round]*bitset.BitSet),
		proposals:     make(map[scmsg.Round]struct{}),
	}
}

func (r *registry) bitsetFor(kind scmsg.VoteKind, round scmsg.Round) *bitset.BitSet {
	m := r.seenPrevote
	if kind == scmsg.Precommit {
		m = r.seenPrecommit
	}
	bs, ok := m[round]
	if !ok {
		bs = bitset.New(uint(r.valSet.Len()))
		m[round] = bs
	}
	return bs
}

// voteOutcome is the classification handle_vote needs to decide what to
// do with an inbound vote.
type voteOutcome int

const (
	voteAccepted voteOutcome = iota
	voteDroppedNotValidator
	voteDroppedReplay
	voteDroppedEquivocation
)

// record classifies and, if accepted, stores vote. It never forwards
// equivocating votes to the state machine (spec section 4.2).
func (r *registry) record(vote scmsg.Vote) voteOutcome {
	idx, ok := r.idIndex[vote.Voter]
	if !ok {
		return voteDroppedNotValidator
	}

	bs := r.bitsetFor(vote.Kind, vote.Round)
	key := voteKey{round: vote.Round, voter: vote.Voter, kind: vote.Kind}

	if bs.Test(idx) {
		prior, ok := r.votes[key]
		if ok && prior.Equal(vote) {
			return voteDroppedReplay
		}
		r.equivocations++
		return voteDroppedEquivocation
	}

	bs.Set(idx)
	r.votes[key] = vote
	return voteAccepted
}

// Equivocations returns the number of equivocating votes dropped so far.
func (r *registry) Equivocations() uint64 { return r.equivocations }

// acceptProposal records that round has an accepted proposal, returning
// false if one was already accepted (the SHC must reject the duplicate
// without invoking ValidateProposal again).
func (r *registry) acceptProposal(round scmsg.Round) bool {
	if _, ok := r.proposals[round]; ok {
		return false
	}
	r.proposals[round] = struct{}{}
	return true
}

// precommitsFor returns every recorded precommit for (round, commitment),
// used to assemble a Decision's supporting vote set.
func (r *registry) precommitsFor(round scmsg.Round, commitment scmsg.Commitment) []scmsg.Vote {
	var out []scmsg.Vote
	for key, v := range r.votes {
		if key.kind != scmsg.Precommit || key.round != round {
			continue
		}
		if v.Commitment != nil && *v.Commitment == commitment {
			out = append(out, v)
		}
	}
	return out
}

// weightOf sums the weight behind vs, used to re-verify a Decision meets
// quorum before the SHC honors it.
func (r *registry) weightOf(vs []scmsg.Vote) uint64 {
	var total uint64
	for _, v := range vs {
		total += r.valSet.WeightOf(v.Voter)
	}
	return total
}
