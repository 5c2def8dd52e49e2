package scstore

import (
	"context"
	"errors"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// ErrHeightNotFound is returned by a Load* method when the requested
// height has not been written yet.
var ErrHeightNotFound = errors.New("scstore: height not found")

// HeaderStore stores committed block headers.
type HeaderStore interface {
	MarkerReader
	LoadHeader(ctx context.Context, height scmsg.Height) (Header, error)
}

// BodyStore stores committed block bodies and their sequencer signatures.
type BodyStore interface {
	MarkerReader
	LoadBody(ctx context.Context, height scmsg.Height) (body []byte, signature []byte, err error)
}

// StateStore stores committed state diffs and the classes they declare.
type StateStore interface {
	MarkerReader
	LoadStateDiff(ctx context.Context, height scmsg.Height) (StateDiff, error)

	// CompiledClassHash returns the compiled-class hash recorded for
	// classHash, as of the most recent state write that declared it.
	CompiledClassHash(ctx context.Context, classHash scmsg.Commitment) (scmsg.Commitment, error)

	// DeprecatedClassDeclarationHeight returns the height at which
	// classHash was first declared as a deprecated (Cairo0) class.
	DeprecatedClassDeclarationHeight(ctx context.Context, classHash scmsg.Commitment) (scmsg.Height, error)
}

// BaseLayerStore tracks how far the L1-proved-height marker has advanced.
type BaseLayerStore interface {
	MarkerReader
}

// BatchWriteStore is the write side every component above gets its data
// onto storage through. It is never safe to write a block's tables
// individually; see BatchedWriter.
type BatchWriteStore interface {
	HeaderStore
	BodyStore
	StateStore
	BaseLayerStore
	LastVotedHeightStore
}
