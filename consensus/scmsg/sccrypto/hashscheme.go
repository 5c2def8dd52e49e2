// Package sccrypto provides the hash and signature schemes the reference
// ConsensusContext implementation uses at the boundary the consensus core
// never crosses: by the time a Vote or ProposalInit reaches the SHC, its
// signature has already been checked (spec section 6). This package exists
// for implementers of that boundary, and for tests that need a real scheme
// instead of a stub.
package sccrypto

import (
	"golang.org/x/crypto/blake2b"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// HashScheme produces the opaque 256-bit commitment for a block's byte
// encoding.
type HashScheme interface {
	Commitment(encodedBlock []byte) scmsg.Commitment
}

// Blake2bHashScheme computes commitments with BLAKE2b-256, which is a
// 256-bit, non-length-extendable hash well suited to standing in for a
// chain's real block-identity commitment (spec section 1 treats the real
// hash as opaque and out of scope).
type Blake2bHashScheme struct{}

func (Blake2bHashScheme) Commitment(encodedBlock []byte) scmsg.Commitment {
	return scmsg.Commitment(blake2b.Sum256(encodedBlock))
}
