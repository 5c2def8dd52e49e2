package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg/sccrypto"
	"github.com/starkware-libs/sequencer-sub003/consensus/scstore"
)

// Config tunes the pipeline's pacing and feature switches (spec section
// 6, the Sync config group).
type Config struct {
	SleepBetweenRounds time.Duration

	BlocksStreamMaxInFlight        int
	StateUpdatesStreamMaxInFlight int

	VerifyBlocks bool

	// StoreSierrasAndCasms controls whether a declared Cairo1 class's CASM
	// is persisted alongside its hashes, or only the hashes are kept. The
	// raw Sierra program is not persisted in either case: the streamed
	// class data carries only the CASM.
	StoreSierrasAndCasms bool

	// CollectPendingData is accepted but not read by the pipeline: only
	// finalized blocks are pulled, and Central has no pending-data method.
	CollectPendingData bool
}

// DefaultConfig mirrors the teacher's conservative defaults for a
// continuously-running background sync loop.
func DefaultConfig() Config {
	return Config{
		SleepBetweenRounds:            500 * time.Millisecond,
		BlocksStreamMaxInFlight:       10,
		StateUpdatesStreamMaxInFlight: 10,
		VerifyBlocks:                  true,
		StoreSierrasAndCasms:          true,
	}
}

// classCacheSize bounds the LRU holding compiled classes that arrive
// before the state diff that declares them (spec section 4.4 step 5).
const classCacheSize = 4096

// Pipeline drives one run of the sync loop: reconcile storage markers
// against Central and BaseLayer, pull whatever is missing, verify it,
// and hand complete blocks to the batched writer.
type Pipeline struct {
	log *slog.Logger

	central   Central
	baseLayer BaseLayer
	store     scstore.BatchedWriter
	sigScheme sccrypto.SignatureScheme

	cfg Config

	pubKey []byte
}

// New returns a Pipeline ready to Run.
func New(log *slog.Logger, central Central, baseLayer BaseLayer, store scstore.BatchedWriter, sigScheme sccrypto.SignatureScheme, cfg Config) *Pipeline {
	return &Pipeline{
		log:       log,
		central:   central,
		baseLayer: baseLayer,
		store:     store,
		sigScheme: sigScheme,
		cfg:       cfg,
	}
}

// Run loops reconciling storage against Central until ctx is cancelled,
// sleeping Config.SleepBetweenRounds between rounds that made no
// progress. It returns a fatal error (DBInconsistencyError,
// SequencerPubKeyChangedError) immediately, without retry; transient
// errors are retried internally with exponential backoff, and the last
// one is returned once the backoff's maximum elapsed time runs out.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		progressed, err := p.roundWithRetry(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.SleepBetweenRounds):
			}
		}
	}
}

// roundWithRetry runs one reconciliation round, retrying transient
// failures with backoff (spec section 4.4 Failure handling). A fatal
// error short-circuits immediately.
func (p *Pipeline) roundWithRetry(ctx context.Context) (progressed bool, err error) {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	op := func() error {
		var opErr error
		progressed, opErr = p.round(ctx)
		if opErr != nil && !isTransient(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}
	if err := backoff.Retry(op, b); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return false, perm.Err
		}
		return false, err
	}
	return progressed, nil
}

// round performs one pass of spec section 4.4 steps 1-7 for as many
// heights as Central currently has beyond storage's marker, and reports
// whether any height was written.
func (p *Pipeline) round(ctx context.Context) (bool, error) {
	from, err := p.store.Marker(ctx, scstore.TableHeader)
	if errors.Is(err, scstore.ErrStoreUninitialized) {
		from = 0
	} else if err != nil {
		return false, fmt.Errorf("reading header marker: %w", err)
	}

	latestHeight, _, ok, err := p.central.LatestBlock(ctx)
	if err != nil {
		return false, fmt.Errorf("fetching central latest block: %w", err)
	}
	if !ok || latestHeight < from {
		if err := p.advanceBaseLayer(ctx, from); err != nil {
			return false, err
		}
		return false, nil
	}
	to := latestHeight + 1

	if p.pubKey == nil {
		key, err := p.central.GetSequencerPubKey(ctx)
		if err != nil {
			return false, fmt.Errorf("fetching sequencer pub key: %w", err)
		}
		p.pubKey = key
	}

	blocksCh, blockErrCh := p.central.StreamNewBlocks(ctx, from, to)
	statesCh, stateErrCh := p.central.StreamStateUpdates(ctx, from, to)
	classesCh, classErrCh := p.central.StreamCompiledClasses(ctx, from, to)

	eg, egCtx := errgroup.WithContext(ctx)

	blocks := make(map[scmsg.Height]BlockItem)
	states := make(map[scmsg.Height]StateUpdateItem)
	pendingCasms, err := lru.New[scmsg.Commitment, CompiledClassItem](classCacheSize)
	if err != nil {
		return false, fmt.Errorf("allocating class cache: %w", err)
	}

	eg.Go(func() error { return collect(egCtx, blocksCh, blockErrCh, func(b BlockItem) { blocks[b.Height] = b }) })
	eg.Go(func() error { return collect(egCtx, statesCh, stateErrCh, func(s StateUpdateItem) { states[s.Height] = s }) })
	eg.Go(func() error {
		return collect(egCtx, classesCh, classErrCh, func(c CompiledClassItem) { pendingCasms.Add(c.ClassHash, c) })
	})

	if err := eg.Wait(); err != nil {
		return false, fmt.Errorf("streaming from central: %w", err)
	}

	wrote := false
	for h := from; h < to; h++ {
		block, ok := blocks[h]
		if !ok {
			break // Central hasn't produced this height's block yet; stop here, retry next round.
		}
		state, ok := states[h]
		if !ok {
			break
		}

		if err := p.verifyBlock(ctx, h, block, blocks); err != nil {
			return wrote, err
		}

		rec, err := p.assembleRecord(h, block, state, pendingCasms)
		if err != nil {
			return wrote, err
		}

		if err := p.store.EnqueueBlock(rec); err != nil {
			return wrote, fmt.Errorf("enqueueing block %d: %w", h, err)
		}
		if p.store.QueueLen() >= p.store.BatchSize() {
			if err := p.store.Flush(ctx); err != nil {
				return wrote, fmt.Errorf("flushing block %d: %w", h, err)
			}
		}
		wrote = true
	}

	if err := p.store.Flush(ctx); err != nil {
		return wrote, fmt.Errorf("final flush: %w", err)
	}

	newHeaderMarker, err := p.store.Marker(ctx, scstore.TableHeader)
	if err != nil && !errors.Is(err, scstore.ErrStoreUninitialized) {
		return wrote, fmt.Errorf("reading header marker after write: %w", err)
	}
	if err := p.advanceBaseLayer(ctx, newHeaderMarker); err != nil {
		return wrote, err
	}

	return wrote, nil
}

// verifyBlock implements spec section 4.4 steps 1-3: the hash re-check,
// parent-hash chain continuity against the previous header, and the
// sequencer-signature check, retrying the key once on failure before
// declaring SequencerPubKeyChangedError (spec section 4.4, signature
// verification).
//
// The previous header is taken from inflight (this round's freshly
// streamed blocks, not yet flushed to the writer) when available, and
// only falls back to the writer's stored header for the first height of
// the round -- a round can process many heights before its single final
// Flush, so h-1's header may still be sitting in the batched writer's
// queue rather than durable yet.
func (p *Pipeline) verifyBlock(ctx context.Context, h scmsg.Height, block BlockItem, inflight map[scmsg.Height]BlockItem) error {
	if !p.cfg.VerifyBlocks {
		return nil
	}

	if h > 0 {
		var parentHash scmsg.Commitment
		if prev, ok := inflight[h-1]; ok {
			parentHash = prev.Header.BlockHash
		} else {
			parent, err := p.store.LoadHeader(ctx, h-1)
			if err != nil {
				return fmt.Errorf("loading stored header at height %d for chain check: %w", h-1, err)
			}
			parentHash = parent.BlockHash
		}
		if parentHash != block.Header.ParentHash {
			return &DBInconsistencyError{Height: h, Got: block.Header.ParentHash, Expected: parentHash}
		}
	}

	expected, ok, err := p.central.GetBlockHash(ctx, h)
	if err != nil {
		return fmt.Errorf("re-checking block hash at height %d: %w", h, err)
	}
	if ok && expected != block.Header.BlockHash {
		return &DBInconsistencyError{Height: h, Got: block.Header.BlockHash, Expected: expected}
	}

	if p.sigScheme == nil {
		return nil
	}
	if p.sigScheme.Verify(p.pubKey, block.Header.BlockHash[:], block.Signature) {
		return nil
	}

	refreshed, err := p.central.GetSequencerPubKey(ctx)
	if err == nil && p.sigScheme.Verify(refreshed, block.Header.BlockHash[:], block.Signature) {
		p.pubKey = refreshed
		return nil
	}
	return &SequencerPubKeyChangedError{Height: h}
}

// assembleRecord pairs a block and state update into the complete
// BlockRecord the batched writer expects, resolving compiled classes for
// every Cairo1 declaration (spec section 4.4 step 5). A class whose CASM
// hasn't arrived yet is a transient condition: assembleRecord returns an
// error the retry loop will treat as transient (it's not a
// DBInconsistencyError or SequencerPubKeyChangedError) and the round
// simply stops before this height, to be retried once the compiled-class
// stream catches up.
func (p *Pipeline) assembleRecord(h scmsg.Height, block BlockItem, state StateUpdateItem, pendingCasms *lru.Cache[scmsg.Commitment, CompiledClassItem]) (scstore.BlockRecord, error) {
	body, err := readAll(block.Body)
	if err != nil {
		return scstore.BlockRecord{}, fmt.Errorf("reading body at height %d: %w", h, err)
	}

	var declared []scstore.DeclaredClass
	for _, classHash := range state.DeclaredClassHashes {
		casm, ok := pendingCasms.Get(classHash)
		if !ok {
			return scstore.BlockRecord{}, fmt.Errorf("sync: compiled class for %s not yet available at height %d", classHash, h)
		}
		dc := scstore.DeclaredClass{ClassHash: classHash, CompiledClassHash: casm.CompiledClassHash}
		if p.cfg.StoreSierrasAndCasms {
			dc.Casm = casm.Casm
		}
		declared = append(declared, dc)
	}

	var deprecated []scstore.DeprecatedClass
	for _, dep := range state.DeployedDeprecated {
		deprecated = append(deprecated, scstore.DeprecatedClass{
			ClassHash:         dep.ClassHash,
			Executable:        dep.Executable,
			DeclarationHeight: h,
		})
	}

	return scstore.BlockRecord{
		Header: scstore.Header{
			Height:       h,
			ParentHash:   block.Header.ParentHash,
			BlockHash:    block.Header.BlockHash,
			SequencerSig: block.Signature,
		},
		Body:      body,
		Signature: block.Signature,
		State: scstore.StateDiff{
			Height:            h,
			Commitment:        state.Commitment,
			Diff:              state.Diff,
			DeclaredClasses:   declared,
			DeprecatedClasses: deprecated,
		},
	}, nil
}

// advanceBaseLayer implements spec section 4.4 step 7: the base-layer
// marker (next height not yet proved) may advance up to
// min(writtenHeight, proved height + 1), whenever it lags either.
func (p *Pipeline) advanceBaseLayer(ctx context.Context, writtenHeight scmsg.Height) error {
	proved, _, ok, err := p.baseLayer.LatestProvedBlock(ctx)
	if err != nil {
		return fmt.Errorf("reading base layer proved block: %w", err)
	}
	if !ok {
		return nil
	}
	target := proved + 1
	if writtenHeight < target {
		target = writtenHeight
	}

	current, err := p.store.Marker(ctx, scstore.TableBaseLayer)
	if errors.Is(err, scstore.ErrStoreUninitialized) {
		current = 0
	} else if err != nil {
		return fmt.Errorf("reading base layer marker: %w", err)
	}
	if target <= current {
		return nil
	}

	if err := p.store.EnqueueBaseLayerMarker(target); err != nil {
		return fmt.Errorf("enqueueing base layer marker: %w", err)
	}
	return p.store.Flush(ctx)
}

func readAll(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return io.ReadAll(r)
}

func collect[T any](ctx context.Context, items <-chan T, errs <-chan error, add func(T)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-items:
			if !ok {
				items = nil
				if errs == nil {
					return nil
				}
				continue
			}
			add(item)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				if items == nil {
					return nil
				}
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}
