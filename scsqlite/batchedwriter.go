package scsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/consensus/scstore"
)

// BatchedWriter is the sqlite-backed scstore.BatchedWriter. It enforces
// the two-mode mutual exclusion from the interface's doc comment
// (transactional xor queued) with a single mutex and a queue-length
// check, mirroring the teacher's tmsqlite single-writer-connection
// design (SetMaxOpenConns(1) in Open).
type BatchedWriter struct {
	*Store

	db *sql.DB

	mu        sync.Mutex
	queue     []queuedOp
	batchSize int
}

type queuedOp func(tx scstore.Tx) error

// NewBatchedWriter wraps an opened, migrated db. batchSize is the flush
// threshold reported by BatchSize; the writer never flushes on its own
// (spec section 4.5). It runs crash recovery before
// returning, so a caller never observes markers left disagreeing by an
// unclean shutdown (spec section 7).
func NewBatchedWriter(ctx context.Context, db *sql.DB, batchSize int) (*BatchedWriter, error) {
	if err := Recover(ctx, db); err != nil {
		return nil, fmt.Errorf("scsqlite: recovering on open: %w", err)
	}
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	return &BatchedWriter{Store: store, db: db, batchSize: batchSize}, nil
}

// Transact opens a direct sqlite transaction and runs fn against it. It
// refuses to run while operations are queued (BatchingAPIMixingError).
func (w *BatchedWriter) Transact(ctx context.Context, fn func(scstore.Tx) error) error {
	w.mu.Lock()
	if len(w.queue) > 0 {
		n := len(w.queue)
		w.mu.Unlock()
		return scstore.BatchingAPIMixingError{QueueLen: n}
	}
	w.mu.Unlock()

	sqlTx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scsqlite: beginning transaction: %w", err)
	}
	tx := &sqliteTx{ctx: ctx, tx: sqlTx, store: w.Store}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("scsqlite: committing transaction: %w", err)
	}
	return nil
}

// EnqueueBlock stages a complete block write.
func (w *BatchedWriter) EnqueueBlock(rec scstore.BlockRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, func(tx scstore.Tx) error {
		if err := tx.AppendHeader(context.Background(), rec.Header); err != nil {
			return err
		}
		if err := tx.AppendBody(context.Background(), rec.Body, rec.Signature); err != nil {
			return err
		}
		return tx.AppendState(context.Background(), rec.State)
	})
	return nil
}

// EnqueueBaseLayerMarker stages a base-layer marker advance.
func (w *BatchedWriter) EnqueueBaseLayerMarker(newMarker scmsg.Height) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, func(tx scstore.Tx) error {
		return tx.AppendBaseLayerMarker(context.Background(), newMarker)
	})
	return nil
}

// EnqueueLastVotedHeight stages a LastVotedHeight write.
func (w *BatchedWriter) EnqueueLastVotedHeight(h scmsg.Height) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, func(tx scstore.Tx) error {
		return tx.SetLastVotedHeight(context.Background(), h)
	})
	return nil
}

// QueueLen reports how many operations are staged.
func (w *BatchedWriter) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// BatchSize is the flush threshold callers compare QueueLen against.
func (w *BatchedWriter) BatchSize() int { return w.batchSize }

// Flush applies every staged operation in one transaction. A panic or
// error mid-flush rolls the whole transaction back, so a crash between
// queueing and flush leaves storage exactly where it was before Flush
// was called -- recovery only ever needs to reconcile against the last
// successful Flush, never a partial one (spec section 7).
func (w *BatchedWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	ops := w.queue
	w.queue = nil
	w.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	sqlTx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scsqlite: beginning flush transaction: %w", err)
	}
	tx := &sqliteTx{ctx: ctx, tx: sqlTx, store: w.Store}
	for _, op := range ops {
		if err := op(tx); err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("scsqlite: applying queued op: %w", err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("scsqlite: committing flush: %w", err)
	}
	return nil
}

// sqliteTx implements scstore.Tx over an open *sql.Tx.
type sqliteTx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *Store
}

func (t *sqliteTx) AppendHeader(_ context.Context, h scstore.Header) error {
	next, err := t.nextMarker("headers")
	if err != nil {
		return err
	}
	if h.Height != next {
		return scstore.ErrOutOfOrderAppend
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO headers(height, block_hash, parent_hash, sequencer_sig) VALUES (?, ?, ?, ?)`,
		int64(h.Height), h.BlockHash[:], h.ParentHash[:], h.SequencerSig,
	); err != nil {
		return fmt.Errorf("scsqlite: appending header %d: %w", h.Height, err)
	}
	return t.advanceMarker("headers", h.Height+1)
}

func (t *sqliteTx) AppendBody(_ context.Context, body []byte, signature []byte) error {
	// The height is implied by the header appended in the same
	// EnqueueBlock batch; bodies.height tracks the bodies marker
	// independently so a Tx caller that only appends a body (direct-
	// transaction mode, not via EnqueueBlock) still advances correctly.
	next, err := t.nextMarker("bodies")
	if err != nil {
		return err
	}
	compressed := t.store.compress(body)
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO bodies(height, body, signature) VALUES (?, ?, ?)`,
		int64(next), compressed, signature,
	); err != nil {
		return fmt.Errorf("scsqlite: appending body %d: %w", next, err)
	}
	return t.advanceMarker("bodies", next+1)
}

func (t *sqliteTx) AppendState(_ context.Context, diff scstore.StateDiff) error {
	next, err := t.nextMarker("state_diffs")
	if err != nil {
		return err
	}
	if diff.Height != next {
		return scstore.ErrOutOfOrderAppend
	}
	compressed := t.store.compress(diff.Diff)
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO state_diffs(height, commitment, diff) VALUES (?, ?, ?)`,
		int64(diff.Height), diff.Commitment[:], compressed,
	); err != nil {
		return fmt.Errorf("scsqlite: appending state diff %d: %w", diff.Height, err)
	}

	for _, dc := range diff.DeclaredClasses {
		var sierra, casm []byte
		if dc.Sierra != nil {
			sierra = t.store.compress(dc.Sierra)
		}
		if dc.Casm != nil {
			casm = t.store.compress(dc.Casm)
		}
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO declared_classes(class_hash, compiled_class_hash, height, sierra, casm) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(class_hash) DO UPDATE SET casm = excluded.casm WHERE declared_classes.casm IS NULL`,
			dc.ClassHash[:], dc.CompiledClassHash[:], int64(diff.Height), sierra, casm,
		); err != nil {
			return fmt.Errorf("scsqlite: appending declared class at height %d: %w", diff.Height, err)
		}
	}

	for _, dep := range diff.DeprecatedClasses {
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO deprecated_classes(class_hash, executable, declaration_height) VALUES (?, ?, ?)
			 ON CONFLICT(class_hash) DO NOTHING`,
			dep.ClassHash[:], dep.Executable, int64(dep.DeclarationHeight),
		); err != nil {
			return fmt.Errorf("scsqlite: appending deprecated class at height %d: %w", diff.Height, err)
		}
	}

	return t.advanceMarker("state_diffs", diff.Height+1)
}

func (t *sqliteTx) AppendBaseLayerMarker(_ context.Context, newMarker scmsg.Height) error {
	return t.advanceMarker("base_layer", newMarker)
}

func (t *sqliteTx) SetLastVotedHeight(_ context.Context, h scmsg.Height) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO consensus_state(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastVotedHeightKey, int64(h))
	return err
}

func (t *sqliteTx) nextMarker(table string) (scmsg.Height, error) {
	var next int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT next_height FROM markers WHERE table_name = ?`, table).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return scmsg.Height(next), nil
}

func (t *sqliteTx) advanceMarker(table string, newMarker scmsg.Height) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO markers(table_name, next_height) VALUES (?, ?)
		 ON CONFLICT(table_name) DO UPDATE SET next_height = excluded.next_height`,
		table, int64(newMarker))
	return err
}
