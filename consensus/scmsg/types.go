// Package scmsg defines the wire/domain types shared by every layer of the
// consensus engine: heights, rounds, validator identities, votes, proposal
// framing, and decisions. Nothing in this package performs I/O.
package scmsg

import (
	"encoding/hex"
	"fmt"
)

// Height is a block number. Monotonic for a given chain.
type Height uint64

// Round is a per-height counter. Starts at zero and strictly increases
// within a height.
type Round uint32

// ValidatorID is an opaque, totally ordered validator address.
type ValidatorID string

// Less reports whether v sorts before other. ValidatorID has no inherent
// numeric meaning; this is byte-lexicographic, which is enough to give
// proposer-rotation schedules a deterministic tiebreak.
func (v ValidatorID) Less(other ValidatorID) bool {
	return v < other
}

// Commitment is the opaque 256-bit identity of a proposed block. It is
// compared only for equality; this package never inspects its bytes.
type Commitment [32]byte

// IsZero reports whether c is the zero commitment. The zero value is never
// a legal commitment produced by a hash scheme, so it is safe to use as an
// internal "no commitment" sentinel in maps keyed by Commitment.
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// VoteKind distinguishes a Prevote from a Precommit.
type VoteKind uint8

const (
	_ VoteKind = iota
	Prevote
	Precommit
)

func (k VoteKind) String() string {
	switch k {
	case Prevote:
		return "prevote"
	case Precommit:
		return "precommit"
	default:
		return fmt.Sprintf("VoteKind(%d)", uint8(k))
	}
}

// Vote is a single signed (height, round, kind) statement from a validator.
// Commitment is nil for a vote on "nil" (no block).
type Vote struct {
	Kind       VoteKind
	Height     Height
	Round      Round
	Commitment *Commitment
	Voter      ValidatorID
	Signature  []byte
}

// Equal reports whether two votes carry the same (kind, height, round,
// voter, commitment); it ignores the signature bytes, since two valid
// signatures over the same content are interchangeable for SHC/SM purposes.
func (v Vote) Equal(o Vote) bool {
	if v.Kind != o.Kind || v.Height != o.Height || v.Round != o.Round || v.Voter != o.Voter {
		return false
	}
	return commitmentEqual(v.Commitment, o.Commitment)
}

func commitmentEqual(a, b *Commitment) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

// ProposalInit is the first part of a proposal stream: who is proposing,
// at what (height, round), and whether this is a reproposal of a value
// that already won a prevote quorum at an earlier round (ValidRound).
type ProposalInit struct {
	Height     Height
	Round      Round
	Proposer   ValidatorID
	ValidRound *Round
}

// Decision is the output of a successful height: the agreed commitment and
// the precommits that justify it under the configured quorum.
type Decision struct {
	Commitment Commitment
	Precommits []Vote
}
