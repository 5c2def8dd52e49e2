package scsqlite_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/consensus/scstore"
	"github.com/starkware-libs/sequencer-sub003/scsqlite"
)

func openTestWriter(t *testing.T, batchSize int) *scsqlite.BatchedWriter {
	t.Helper()
	db := openTestDB(t)

	w, err := scsqlite.NewBatchedWriter(context.Background(), db, batchSize)
	require.NoError(t, err)
	return w
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := scsqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(h scmsg.Height) scstore.BlockRecord {
	var hash, parent scmsg.Commitment
	hash[0] = byte(h + 1)
	if h > 0 {
		parent[0] = byte(h)
	}
	return scstore.BlockRecord{
		Header: scstore.Header{Height: h, BlockHash: hash, ParentHash: parent, SequencerSig: []byte("sig")},
		Body:   []byte("body-bytes"),
		State: scstore.StateDiff{
			Height:     h,
			Commitment: hash,
			Diff:       []byte("diff-bytes"),
		},
	}
}

// S7 -- crash mid-block: operations queued but never flushed must never
// be visible to readers, and a fresh writer over the same database sees
// storage exactly as it was after the last successful Flush.
func TestCrashMidBlockLeavesNoPartialWrite(t *testing.T) {
	w := openTestWriter(t, 10)
	ctx := context.Background()

	require.NoError(t, w.EnqueueBlock(testRecord(0)))
	require.NoError(t, w.Flush(ctx))

	require.NoError(t, w.EnqueueBlock(testRecord(1)))
	require.Equal(t, 1, w.QueueLen())

	// Simulate "the process died before the flush ran": never
	// call Flush for height 1, and confirm nothing about it leaked to
	// storage.
	_, err := w.LoadHeader(ctx, 1)
	require.ErrorIs(t, err, scstore.ErrHeightNotFound)

	marker, err := w.Marker(ctx, scstore.TableHeader)
	require.NoError(t, err)
	require.Equal(t, scmsg.Height(1), marker)
}

// S7 -- crash mid-block, the real scenario: header(1) and body(1) were
// written and their markers advanced to 2, but the crash landed before
// state(1), so state_marker is still 1. Opening a fresh BatchedWriter over
// this database must revert height 1 entirely and bring every marker back
// to 1, leaving height 0 untouched.
func TestCrashRecoveryRevertsDisagreeingMarkers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	w, err := scsqlite.NewBatchedWriter(ctx, db, 10)
	require.NoError(t, err)
	require.NoError(t, w.EnqueueBlock(testRecord(0)))
	require.NoError(t, w.Flush(ctx))

	// Simulate the crash directly against the database: write height 1's
	// header and body and advance their markers, but never touch
	// state_diffs, reproducing S7's header_marker=body_marker=2,
	// state_marker=1 disagreement.
	rec := testRecord(1)
	_, err = db.ExecContext(ctx,
		`INSERT INTO headers(height, block_hash, parent_hash, sequencer_sig) VALUES (?, ?, ?, ?)`,
		int64(rec.Header.Height), rec.Header.BlockHash[:], rec.Header.ParentHash[:], rec.Header.SequencerSig)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO bodies(height, body, signature) VALUES (?, ?, ?)`,
		int64(rec.Header.Height), rec.Body, rec.Signature)
	require.NoError(t, err)
	for _, table := range []string{"headers", "bodies"} {
		_, err = db.ExecContext(ctx,
			`INSERT INTO markers(table_name, next_height) VALUES (?, 2)
			 ON CONFLICT(table_name) DO UPDATE SET next_height = excluded.next_height`,
			table)
		require.NoError(t, err)
	}

	require.NoError(t, scsqlite.Recover(ctx, db))

	recovered, err := scsqlite.NewBatchedWriter(ctx, db, 10)
	require.NoError(t, err)

	for _, table := range []scstore.Table{scstore.TableHeader, scstore.TableBody, scstore.TableState} {
		marker, err := recovered.Marker(ctx, table)
		require.NoError(t, err)
		require.Equal(t, scmsg.Height(1), marker, "table %s", table)
	}

	_, err = recovered.LoadHeader(ctx, 1)
	require.ErrorIs(t, err, scstore.ErrHeightNotFound)

	hdr, err := recovered.LoadHeader(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, testRecord(0).Header, hdr)
}

// Queued writes and direct transactional writes must produce identical
// durable state for the same logical block.
func TestQueuedAndDirectWritesAgree(t *testing.T) {
	ctx := context.Background()

	queued := openTestWriter(t, 10)
	require.NoError(t, queued.EnqueueBlock(testRecord(0)))
	require.NoError(t, queued.Flush(ctx))

	direct := openTestWriter(t, 10)
	rec := testRecord(0)
	require.NoError(t, direct.Transact(ctx, func(tx scstore.Tx) error {
		if err := tx.AppendHeader(ctx, rec.Header); err != nil {
			return err
		}
		if err := tx.AppendBody(ctx, rec.Body, rec.Signature); err != nil {
			return err
		}
		return tx.AppendState(ctx, rec.State)
	}))

	qHeader, err := queued.LoadHeader(ctx, 0)
	require.NoError(t, err)
	dHeader, err := direct.LoadHeader(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, qHeader, dHeader)

	qBody, qSig, err := queued.LoadBody(ctx, 0)
	require.NoError(t, err)
	dBody, dSig, err := direct.LoadBody(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, qBody, dBody)
	require.Equal(t, qSig, dSig)

	qMarker, err := queued.Marker(ctx, scstore.TableHeader)
	require.NoError(t, err)
	dMarker, err := direct.Marker(ctx, scstore.TableHeader)
	require.NoError(t, err)
	require.Equal(t, qMarker, dMarker)
}

// Transact must refuse to run while operations are still queued.
func TestMixingQueuedAndDirectIsRejected(t *testing.T) {
	w := openTestWriter(t, 10)
	require.NoError(t, w.EnqueueBlock(testRecord(0)))

	err := w.Transact(context.Background(), func(scstore.Tx) error { return nil })
	var mixErr scstore.BatchingAPIMixingError
	require.ErrorAs(t, err, &mixErr)
	require.Equal(t, 1, mixErr.QueueLen)
}

// A caller-side threshold flush, run once QueueLen reaches BatchSize,
// drains the queue and applies the staged marker.
func TestAutoFlushThreshold(t *testing.T) {
	w := openTestWriter(t, 2)
	ctx := context.Background()

	require.NoError(t, w.EnqueueBlock(testRecord(0)))
	require.Equal(t, 1, w.QueueLen())
	require.NoError(t, w.EnqueueBaseLayerMarker(1))
	require.Equal(t, 2, w.QueueLen())

	if w.QueueLen() >= w.BatchSize() {
		require.NoError(t, w.Flush(ctx))
	}
	require.Equal(t, 0, w.QueueLen())

	marker, err := w.Marker(ctx, scstore.TableBaseLayer)
	require.NoError(t, err)
	require.Equal(t, scmsg.Height(1), marker)
}
