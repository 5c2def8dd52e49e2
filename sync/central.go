// Package sync implements the Block-Sync Pipeline (spec section 4.4): it
// pulls headers, bodies, state diffs, and compiled classes from a central
// source, reconciles them against an L1 base layer, and feeds complete
// blocks to the batched writer in height order.
package sync

import (
	"context"
	"io"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// Central is the source of truth the pipeline pulls from. A production
// adapter talks to a feeder gateway; two variants (current and
// deprecated) may exist behind one Central, with the deprecated path
// tried only after the current one reports ErrMalformedRequest (spec
// section 6, "new variant is attempted first").
type Central interface {
	// LatestBlock returns the most recent height and commitment Central
	// knows about, or ok=false if Central has no blocks at all.
	LatestBlock(ctx context.Context) (height scmsg.Height, commitment scmsg.Commitment, ok bool, err error)

	// StreamNewBlocks yields blocks in (from, to) in ascending height
	// order, closing the returned channel when the range is exhausted or
	// ctx is cancelled. A send error on the channel terminates the stream.
	StreamNewBlocks(ctx context.Context, from, to scmsg.Height) (<-chan BlockItem, <-chan error)

	// StreamStateUpdates yields state diffs and any deployed deprecated
	// classes for (from, to), in ascending height order.
	StreamStateUpdates(ctx context.Context, from, to scmsg.Height) (<-chan StateUpdateItem, <-chan error)

	// StreamCompiledClasses yields compiled-class pairings as Central
	// produces them; delivery order is not guaranteed to match
	// declaration order, so the pipeline pairs by class hash rather than
	// by position (spec section 4.4 step 5).
	StreamCompiledClasses(ctx context.Context, from, to scmsg.Height) (<-chan CompiledClassItem, <-chan error)

	// GetBlockHash re-fetches the canonical hash for height, for the
	// sanity re-check against a just-downloaded header. ok is false if
	// Central has no opinion on height (treated as "None" per spec
	// section 4.4 step 1, not an error).
	GetBlockHash(ctx context.Context, height scmsg.Height) (hash scmsg.Commitment, ok bool, err error)

	// GetSequencerPubKey returns the public key the pipeline verifies
	// every block's sequencer signature against.
	GetSequencerPubKey(ctx context.Context) ([]byte, error)
}

// BlockItem is one entry from Central.StreamNewBlocks.
type BlockItem struct {
	Height    scmsg.Height
	Header    BlockHeaderData
	Body      io.Reader
	Signature []byte
}

// BlockHeaderData is the subset of header fields the pipeline needs to
// verify and chain, independent of scstore.Header so this package has no
// dependency on the storage layer's shape beyond what it explicitly
// imports in pipeline.go.
type BlockHeaderData struct {
	BlockHash  scmsg.Commitment
	ParentHash scmsg.Commitment
}

// StateUpdateItem is one entry from Central.StreamStateUpdates.
type StateUpdateItem struct {
	Height                 scmsg.Height
	Commitment             scmsg.Commitment
	Diff                   []byte
	DeclaredClassHashes    []scmsg.Commitment
	DeployedDeprecated     []DeprecatedClassData
}

// DeprecatedClassData is a Cairo0 class deployed or declared directly in
// a state update, bypassing the compiled-class stream entirely.
type DeprecatedClassData struct {
	ClassHash  scmsg.Commitment
	Executable []byte
}

// CompiledClassItem is one entry from Central.StreamCompiledClasses.
type CompiledClassItem struct {
	ClassHash         scmsg.Commitment
	CompiledClassHash scmsg.Commitment
	Casm              []byte
}
