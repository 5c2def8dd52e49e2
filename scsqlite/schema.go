// Package scsqlite is the sqlite-backed implementation of
// github.com/starkware-libs/sequencer-sub003/consensus/scstore's
// BatchedWriter contract, grounded on the teacher's tmsqlite module
// (same modernc.org/sqlite driver, same sibling-module-with-replace-
// directive layout). It is a separate Go module for the same reason
// tmsqlite is: pulling in cgo-free sqlite and its transitive closure is
// opt-in, not forced on every consumer of the consensus packages.
package scsqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS markers (
	table_name TEXT PRIMARY KEY,
	next_height INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS headers (
	height INTEGER PRIMARY KEY,
	block_hash BLOB NOT NULL,
	parent_hash BLOB NOT NULL,
	sequencer_sig BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS bodies (
	height INTEGER PRIMARY KEY,
	body BLOB NOT NULL,
	signature BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS state_diffs (
	height INTEGER PRIMARY KEY,
	commitment BLOB NOT NULL,
	diff BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS declared_classes (
	class_hash BLOB PRIMARY KEY,
	compiled_class_hash BLOB NOT NULL,
	height INTEGER NOT NULL,
	sierra BLOB,
	casm BLOB
);

CREATE TABLE IF NOT EXISTS deprecated_classes (
	class_hash BLOB PRIMARY KEY,
	executable BLOB NOT NULL,
	declaration_height INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS consensus_state (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// lastVotedHeightKey is the single row consensus_state tracks LastVotedHeight
// under.
const lastVotedHeightKey = "last_voted_height"

// Open opens (creating if necessary) a sqlite database at path and
// ensures the schema exists. path may be ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("scsqlite: opening %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn.

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("scsqlite: enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("scsqlite: enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("scsqlite: applying schema: %w", err)
	}
	return db, nil
}

// blockMarkerTables are the three per-block markers crash recovery
// reconciles (spec section 4.5/7): "compute safe_height = min(header_marker,
// body_marker, state_marker) - 1". base_layer tracks L1-proved progress
// independently and is never reverted by recovery.
var blockMarkerTables = [...]string{"headers", "bodies", "state_diffs"}

// RecoverySafeHeight computes the height below which storage is known
// consistent after an unclean shutdown: min(header_marker, body_marker,
// state_marker) - 1 (spec section 7, crash recovery). Callers resume sync
// and consensus from SafeHeight+1.
func RecoverySafeHeight(ctx context.Context, db *sql.DB) (int64, error) {
	return recoverySafeHeightTx(ctx, db)
}

func recoverySafeHeightTx(ctx context.Context, q querier) (int64, error) {
	min := int64(-1)
	for _, table := range blockMarkerTables {
		var next int64
		err := q.QueryRowContext(ctx, `SELECT next_height FROM markers WHERE table_name = ?`, table).Scan(&next)
		if err == sql.ErrNoRows {
			next = 0
		} else if err != nil {
			return 0, fmt.Errorf("scsqlite: reading %s marker for recovery: %w", table, err)
		}
		if min == -1 || next < min {
			min = next
		}
	}
	if min <= 0 {
		return -1, nil
	}
	return min - 1, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Recover implements spec section 4.5/7's crash-recovery revert: if the
// three per-block markers disagree, the block tables and their markers are
// wound back atomically to safe_height + 1 as their next-to-write value,
// and any block row written past that height is deleted. The base-layer
// marker is left as it is. It is a no-op when the markers already agree.
// Called once from NewBatchedWriter, before the writer is handed to a
// caller.
func Recover(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scsqlite: beginning recovery transaction: %w", err)
	}
	defer tx.Rollback()

	safe, err := recoverySafeHeightTx(ctx, tx)
	if err != nil {
		return err
	}

	agree := true
	for _, table := range blockMarkerTables {
		var next int64
		err := tx.QueryRowContext(ctx, `SELECT next_height FROM markers WHERE table_name = ?`, table).Scan(&next)
		if err == sql.ErrNoRows {
			next = 0
		} else if err != nil {
			return fmt.Errorf("scsqlite: reading %s marker for recovery: %w", table, err)
		}
		if next != safe+1 {
			agree = false
			break
		}
	}
	if agree {
		return nil
	}

	resumeFrom := safe + 1

	deletes := []string{
		`DELETE FROM headers WHERE height >= ?`,
		`DELETE FROM bodies WHERE height >= ?`,
		`DELETE FROM state_diffs WHERE height >= ?`,
		`DELETE FROM declared_classes WHERE height >= ?`,
		`DELETE FROM deprecated_classes WHERE declaration_height >= ?`,
	}
	for _, stmt := range deletes {
		if _, err := tx.ExecContext(ctx, stmt, resumeFrom); err != nil {
			return fmt.Errorf("scsqlite: reverting rows at or past height %d: %w", resumeFrom, err)
		}
	}

	for _, table := range blockMarkerTables {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO markers(table_name, next_height) VALUES (?, ?)
			 ON CONFLICT(table_name) DO UPDATE SET next_height = excluded.next_height`,
			table, resumeFrom,
		); err != nil {
			return fmt.Errorf("scsqlite: resetting %s marker to %d: %w", table, resumeFrom, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("scsqlite: committing recovery: %w", err)
	}
	return nil
}
