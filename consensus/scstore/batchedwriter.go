package scstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// BatchingAPIMixingError is returned when a caller attempts to open a
// direct transaction while queued operations are pending. Enqueue* do not
// return it. The two write modes are mutually exclusive (spec section
// 4.5): either drain the queue or never mix.
type BatchingAPIMixingError struct {
	QueueLen int
}

func (e BatchingAPIMixingError) Error() string {
	return fmt.Sprintf("scstore: cannot mix transactional and queued writes: %d operations already queued", e.QueueLen)
}

// ErrOutOfOrderAppend is returned when append_*(height) is called with a
// height other than the table's current marker.
var ErrOutOfOrderAppend = errors.New("scstore: append height does not match current marker")

// BatchedWriter stages block writes and flushes them atomically. It is the
// only legal way to mutate the block tables or LastVotedHeight (spec
// section 4.5 and section 6).
//
// A BatchedWriter has two mutually exclusive modes. Direct: Transact opens
// one transaction spanning potentially several table writes, and the
// caller commits or rolls it back. Queued: Enqueue* methods stage
// operations that are not visible to readers until Flush applies them
// inside one transaction. Enqueue* never flush on their own; callers
// call Flush once QueueLen() reaches BatchSize().
type BatchedWriter interface {
	BatchWriteStore

	// Transact opens a direct transaction and passes it to fn. It returns
	// BatchingAPIMixingError if the queue is non-empty.
	Transact(ctx context.Context, fn func(Tx) error) error

	// EnqueueBlock stages a complete block write. It does not touch
	// storage until Flush runs.
	EnqueueBlock(rec BlockRecord) error

	// EnqueueBaseLayerMarker stages an advance of the base-layer marker
	// to newMarker.
	EnqueueBaseLayerMarker(newMarker scmsg.Height) error

	// EnqueueLastVotedHeight stages a LastVotedHeight write.
	EnqueueLastVotedHeight(h scmsg.Height) error

	// QueueLen reports how many operations are currently staged.
	QueueLen() int

	// Flush applies every staged operation in one transaction, in order,
	// and advances the relevant markers. It is a no-op if the queue is
	// empty.
	Flush(ctx context.Context) error

	// BatchSize is the flush threshold callers compare QueueLen() against
	// before calling Flush. Reaching it does not trigger a flush by
	// itself.
	BatchSize() int
}

// Tx is the handle passed to BatchedWriter.Transact's callback. It exposes
// the same table writes queued operations would stage, but applies them
// immediately within the open transaction.
type Tx interface {
	AppendHeader(ctx context.Context, h Header) error
	AppendBody(ctx context.Context, body []byte, signature []byte) error
	AppendState(ctx context.Context, diff StateDiff) error
	AppendBaseLayerMarker(ctx context.Context, newMarker scmsg.Height) error
	SetLastVotedHeight(ctx context.Context, h scmsg.Height) error
}
