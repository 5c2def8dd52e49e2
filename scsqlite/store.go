package scsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/consensus/scstore"
)

// Store is the read side of the sqlite-backed scstore implementation.
// BatchedWriter embeds it to also satisfy scstore.BatchWriteStore.
type Store struct {
	db *sql.DB

	decoder *zstd.Decoder
	encoder *zstd.Encoder
}

// NewStore wraps an already-opened, already-migrated db (see Open).
func NewStore(db *sql.DB) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("scsqlite: building zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("scsqlite: building zstd decoder: %w", err)
	}
	return &Store{db: db, encoder: enc, decoder: dec}, nil
}

func (s *Store) compress(b []byte) []byte {
	if b == nil {
		return nil
	}
	return s.encoder.EncodeAll(b, nil)
}

func (s *Store) decompress(b []byte) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	return s.decoder.DecodeAll(b, nil)
}

func tableColumn(table scstore.Table) (string, error) {
	switch table {
	case scstore.TableHeader:
		return "headers", nil
	case scstore.TableBody:
		return "bodies", nil
	case scstore.TableState, scstore.TableClass, scstore.TableDeprecated, scstore.TableCompiledClass:
		return "state_diffs", nil
	case scstore.TableBaseLayer:
		return "base_layer", nil
	default:
		return "", fmt.Errorf("scsqlite: unknown table %q", table)
	}
}

// Marker implements scstore.MarkerReader for every table this store
// tracks; each table's next_height row is written in the same
// transaction as the data it covers (see batchedwriter.go), so markers
// never disagree about which heights are actually durable.
func (s *Store) Marker(ctx context.Context, table scstore.Table) (scmsg.Height, error) {
	name, err := tableColumn(table)
	if err != nil {
		return 0, err
	}
	var next int64
	err = s.db.QueryRowContext(ctx, `SELECT next_height FROM markers WHERE table_name = ?`, name).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, scstore.ErrStoreUninitialized
	}
	if err != nil {
		return 0, fmt.Errorf("scsqlite: reading marker %q: %w", name, err)
	}
	return scmsg.Height(next), nil
}

func (s *Store) LoadHeader(ctx context.Context, height scmsg.Height) (scstore.Header, error) {
	var blockHash, parentHash, sig []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT block_hash, parent_hash, sequencer_sig FROM headers WHERE height = ?`, int64(height),
	).Scan(&blockHash, &parentHash, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return scstore.Header{}, scstore.ErrHeightNotFound
	}
	if err != nil {
		return scstore.Header{}, fmt.Errorf("scsqlite: loading header %d: %w", height, err)
	}
	hdr := scstore.Header{Height: height, SequencerSig: sig}
	copy(hdr.BlockHash[:], blockHash)
	copy(hdr.ParentHash[:], parentHash)
	return hdr, nil
}

func (s *Store) LoadBody(ctx context.Context, height scmsg.Height) ([]byte, []byte, error) {
	var body, sig []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body, signature FROM bodies WHERE height = ?`, int64(height),
	).Scan(&body, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, scstore.ErrHeightNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scsqlite: loading body %d: %w", height, err)
	}
	raw, err := s.decompress(body)
	if err != nil {
		return nil, nil, fmt.Errorf("scsqlite: decompressing body %d: %w", height, err)
	}
	return raw, sig, nil
}

func (s *Store) LoadStateDiff(ctx context.Context, height scmsg.Height) (scstore.StateDiff, error) {
	var commitment, diff []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT commitment, diff FROM state_diffs WHERE height = ?`, int64(height),
	).Scan(&commitment, &diff)
	if errors.Is(err, sql.ErrNoRows) {
		return scstore.StateDiff{}, scstore.ErrHeightNotFound
	}
	if err != nil {
		return scstore.StateDiff{}, fmt.Errorf("scsqlite: loading state diff %d: %w", height, err)
	}
	rawDiff, err := s.decompress(diff)
	if err != nil {
		return scstore.StateDiff{}, fmt.Errorf("scsqlite: decompressing state diff %d: %w", height, err)
	}

	sd := scstore.StateDiff{Height: height, Diff: rawDiff}
	copy(sd.Commitment[:], commitment)

	declaredRows, err := s.db.QueryContext(ctx,
		`SELECT class_hash, compiled_class_hash, sierra, casm FROM declared_classes WHERE height = ?`, int64(height))
	if err != nil {
		return scstore.StateDiff{}, fmt.Errorf("scsqlite: loading declared classes %d: %w", height, err)
	}
	defer declaredRows.Close()
	for declaredRows.Next() {
		var classHash, compiledHash, sierra, casm []byte
		if err := declaredRows.Scan(&classHash, &compiledHash, &sierra, &casm); err != nil {
			return scstore.StateDiff{}, err
		}
		dc := scstore.DeclaredClass{Sierra: sierra, Casm: casm}
		copy(dc.ClassHash[:], classHash)
		copy(dc.CompiledClassHash[:], compiledHash)
		sd.DeclaredClasses = append(sd.DeclaredClasses, dc)
	}
	if err := declaredRows.Err(); err != nil {
		return scstore.StateDiff{}, err
	}

	deprecatedRows, err := s.db.QueryContext(ctx,
		`SELECT class_hash, executable, declaration_height FROM deprecated_classes WHERE declaration_height = ?`, int64(height))
	if err != nil {
		return scstore.StateDiff{}, fmt.Errorf("scsqlite: loading deprecated classes %d: %w", height, err)
	}
	defer deprecatedRows.Close()
	for deprecatedRows.Next() {
		var classHash, exe []byte
		var declHeight int64
		if err := deprecatedRows.Scan(&classHash, &exe, &declHeight); err != nil {
			return scstore.StateDiff{}, err
		}
		dep := scstore.DeprecatedClass{Executable: exe, DeclarationHeight: scmsg.Height(declHeight)}
		copy(dep.ClassHash[:], classHash)
		sd.DeprecatedClasses = append(sd.DeprecatedClasses, dep)
	}
	if err := deprecatedRows.Err(); err != nil {
		return scstore.StateDiff{}, err
	}

	return sd, nil
}

func (s *Store) CompiledClassHash(ctx context.Context, classHash scmsg.Commitment) (scmsg.Commitment, error) {
	var compiled []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT compiled_class_hash FROM declared_classes WHERE class_hash = ?`, classHash[:],
	).Scan(&compiled)
	if errors.Is(err, sql.ErrNoRows) {
		return scmsg.Commitment{}, scstore.ErrHeightNotFound
	}
	if err != nil {
		return scmsg.Commitment{}, fmt.Errorf("scsqlite: loading compiled class hash: %w", err)
	}
	var out scmsg.Commitment
	copy(out[:], compiled)
	return out, nil
}

func (s *Store) DeprecatedClassDeclarationHeight(ctx context.Context, classHash scmsg.Commitment) (scmsg.Height, error) {
	var height int64
	err := s.db.QueryRowContext(ctx,
		`SELECT declaration_height FROM deprecated_classes WHERE class_hash = ?`, classHash[:],
	).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, scstore.ErrHeightNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("scsqlite: loading deprecated class declaration height: %w", err)
	}
	return scmsg.Height(height), nil
}

func (s *Store) LastVotedHeight(ctx context.Context) (scmsg.Height, error) {
	var h int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM consensus_state WHERE key = ?`, lastVotedHeightKey).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scsqlite: reading last voted height: %w", err)
	}
	return scmsg.Height(h), nil
}

func (s *Store) SetLastVotedHeight(ctx context.Context, h scmsg.Height) error {
	cur, err := s.LastVotedHeight(ctx)
	if err != nil {
		return err
	}
	if h < cur {
		return fmt.Errorf("scsqlite: LastVotedHeight regression: %d < %d", h, cur)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consensus_state(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastVotedHeightKey, int64(h))
	return err
}
