package scstate

import "github.com/starkware-libs/sequencer-sub003/consensus/scmsg"

// ckey is the map key for a tallied commitment; the empty string stands
// for a vote on nil.
type ckey string

func keyOf(c *scmsg.Commitment) ckey {
	if c == nil {
		return ""
	}
	return ckey(c.String())
}

// roundTally accumulates prevote and precommit weight for a single round.
// Each validator's first vote of a given kind in this round is counted;
// a later vote from the same validator in the same round and kind is
// ignored by the tally (the SHC is responsible for filtering and counting
// equivocations separately; the SM only needs to be idempotent against a
// replayed or duplicate event reaching it directly, per the testable
// property in spec section 8).
type roundTally struct {
	prevoteOf  map[scmsg.ValidatorID]ckey
	prevoteWt  map[ckey]uint64
	prevoteTotal uint64

	precommitOf  map[scmsg.ValidatorID]ckey
	precommitWt  map[ckey]uint64
	precommitTotal uint64
}

func newRoundTally() *roundTally {
	return &roundTally{
		prevoteOf:   make(map[scmsg.ValidatorID]ckey),
		prevoteWt:   make(map[ckey]uint64),
		precommitOf: make(map[scmsg.ValidatorID]ckey),
		precommitWt: make(map[ckey]uint64),
	}
}

// add records voter's vote of the given kind for key, weighted by weight.
// It returns false if voter already has a recorded vote of this kind in
// this round (a no-op, whether the vote is a replay or an equivocation
// attempt that should never have reached the tally).
func (t *roundTally) add(kind scmsg.VoteKind, voter scmsg.ValidatorID, key ckey, weight uint64) bool {
	switch kind {
	case scmsg.Prevote:
		if _, ok := t.prevoteOf[voter]; ok {
			return false
		}
		t.prevoteOf[voter] = key
		t.prevoteWt[key] += weight
		t.prevoteTotal += weight
		return true
	case scmsg.Precommit:
		if _, ok := t.precommitOf[voter]; ok {
			return false
		}
		t.precommitOf[voter] = key
		t.precommitWt[key] += weight
		t.precommitTotal += weight
		return true
	default:
		return false
	}
}

// weightFor returns the accumulated weight for key of the given kind.
func (t *roundTally) weightFor(kind scmsg.VoteKind, key ckey) uint64 {
	if kind == scmsg.Prevote {
		return t.prevoteWt[key]
	}
	return t.precommitWt[key]
}

// totalFor returns the accumulated weight across every key of the given
// kind (used for the round-skip and "any value" quorum checks).
func (t *roundTally) totalFor(kind scmsg.VoteKind) uint64 {
	if kind == scmsg.Prevote {
		return t.prevoteTotal
	}
	return t.precommitTotal
}
