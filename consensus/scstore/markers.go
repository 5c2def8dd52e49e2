// Package scstore defines the storage contracts the consensus manager,
// the single-height consensus mediator, and the block-sync pipeline all
// depend on: per-table markers, the batched writer, and LastVotedHeight.
// Concrete implementations (e.g. the sibling scsqlite module) satisfy
// these interfaces; this package only states the contract.
package scstore

import (
	"context"
	"errors"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// ErrStoreUninitialized is returned by a marker read on a store that has
// never been written to.
var ErrStoreUninitialized = errors.New("scstore: store uninitialized")

// Table names the independently-marked tables a block write touches.
// Every table's marker must advance together, once per block, per the
// invariant in spec section 3.
type Table string

const (
	TableHeader       Table = "header"
	TableBody         Table = "body"
	TableState        Table = "state"
	TableBaseLayer    Table = "base_layer"
	TableClass        Table = "class"
	TableDeprecated   Table = "deprecated_class"
	TableCompiledClass Table = "compiled_class"
)

// MarkerReader exposes the next-height-to-write marker for a single table.
type MarkerReader interface {
	// Marker returns the smallest height not yet written for this table.
	// It returns ErrStoreUninitialized if the table has never been
	// written.
	Marker(ctx context.Context, table Table) (scmsg.Height, error)
}

// LastVotedHeightStore persists the single durable LastVotedHeight cell.
// It must be written through the same writer lock as the block tables
// (spec section 6): in this module, that means every write goes through
// the BatchedWriter, never around it.
type LastVotedHeightStore interface {
	// LastVotedHeight returns the persisted value, or zero if none has
	// ever been recorded.
	LastVotedHeight(ctx context.Context) (scmsg.Height, error)

	// SetLastVotedHeight persists h. The caller must never call this with
	// a value lower than the last persisted one; implementations should
	// treat a regression as a programmer error (panic or return a typed
	// error), since LastVotedHeight only ever increases (spec section 3).
	SetLastVotedHeight(ctx context.Context, h scmsg.Height) error
}
