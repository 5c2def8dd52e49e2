// Package synctest provides in-memory fakes for sync.Central,
// sync.BaseLayer, and scstore.BatchedWriter, used by the pipeline's own
// tests and available to any other package that wants to drive the sync
// pipeline without a real feeder or database. Naming mirrors the
// teacher's fixture packages (tmintegration's human-readable factories),
// using golang-petname for generated validator/peer names where a test
// needs more than one.
package synctest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/dustinkirkland/golang-petname"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/consensus/scstore"
	syncpkg "github.com/starkware-libs/sequencer-sub003/sync"
)

// NewPeerName returns a human-readable two-word name, for fixtures that
// want distinguishable labels rather than sequential integers.
func NewPeerName() string {
	return petname.Generate(2, "-")
}

// FakeCentral is an in-memory sync.Central backed by maps the test
// populates directly.
type FakeCentral struct {
	mu sync.Mutex

	Blocks  map[scmsg.Height]syncpkg.BlockItem
	States  map[scmsg.Height]syncpkg.StateUpdateItem
	Classes []syncpkg.CompiledClassItem

	PubKey []byte

	// Latest, if LatestSet is true, is returned by LatestBlock. When
	// false, LatestBlock reports ok=false ("None" per spec section 4.4).
	Latest    scmsg.Height
	LatestSet bool
}

// NewFakeCentral returns an empty FakeCentral.
func NewFakeCentral() *FakeCentral {
	return &FakeCentral{
		Blocks: make(map[scmsg.Height]syncpkg.BlockItem),
		States: make(map[scmsg.Height]syncpkg.StateUpdateItem),
		PubKey: []byte("fake-sequencer-pub-key"),
	}
}

// PutBlock registers a block and marks it as the new latest height.
func (c *FakeCentral) PutBlock(b syncpkg.BlockItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Blocks[b.Height] = b
	if !c.LatestSet || b.Height > c.Latest {
		c.Latest = b.Height
		c.LatestSet = true
	}
}

// PutState registers a state update for a height.
func (c *FakeCentral) PutState(s syncpkg.StateUpdateItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.States[s.Height] = s
}

// PutCompiledClass registers a compiled-class pairing.
func (c *FakeCentral) PutCompiledClass(item syncpkg.CompiledClassItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Classes = append(c.Classes, item)
}

func (c *FakeCentral) LatestBlock(context.Context) (scmsg.Height, scmsg.Commitment, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.LatestSet {
		return 0, scmsg.Commitment{}, false, nil
	}
	return c.Latest, c.Blocks[c.Latest].Header.BlockHash, true, nil
}

func (c *FakeCentral) StreamNewBlocks(ctx context.Context, from, to scmsg.Height) (<-chan syncpkg.BlockItem, <-chan error) {
	out := make(chan syncpkg.BlockItem)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		c.mu.Lock()
		heights := c.sortedHeights(from, to)
		c.mu.Unlock()
		for _, h := range heights {
			c.mu.Lock()
			item := c.Blocks[h]
			c.mu.Unlock()
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errCh
}

func (c *FakeCentral) StreamStateUpdates(ctx context.Context, from, to scmsg.Height) (<-chan syncpkg.StateUpdateItem, <-chan error) {
	out := make(chan syncpkg.StateUpdateItem)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		c.mu.Lock()
		var heights []scmsg.Height
		for h := range c.States {
			if h >= from && h < to {
				heights = append(heights, h)
			}
		}
		sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
		c.mu.Unlock()
		for _, h := range heights {
			c.mu.Lock()
			item := c.States[h]
			c.mu.Unlock()
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errCh
}

func (c *FakeCentral) StreamCompiledClasses(ctx context.Context, from, to scmsg.Height) (<-chan syncpkg.CompiledClassItem, <-chan error) {
	out := make(chan syncpkg.CompiledClassItem)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		c.mu.Lock()
		items := append([]syncpkg.CompiledClassItem(nil), c.Classes...)
		c.mu.Unlock()
		for _, item := range items {
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errCh
}

func (c *FakeCentral) GetBlockHash(_ context.Context, h scmsg.Height) (scmsg.Commitment, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.Blocks[h]
	if !ok {
		return scmsg.Commitment{}, false, nil
	}
	return b.Header.BlockHash, true, nil
}

func (c *FakeCentral) GetSequencerPubKey(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PubKey, nil
}

func (c *FakeCentral) sortedHeights(from, to scmsg.Height) []scmsg.Height {
	var heights []scmsg.Height
	for h := range c.Blocks {
		if h >= from && h < to {
			heights = append(heights, h)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// FakeBaseLayer is an in-memory sync.BaseLayer.
type FakeBaseLayer struct {
	mu     sync.Mutex
	Height scmsg.Height
	Set    bool
}

func (b *FakeBaseLayer) Prove(h scmsg.Height) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Height = h
	b.Set = true
}

func (b *FakeBaseLayer) LatestProvedBlock(context.Context) (scmsg.Height, scmsg.Commitment, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.Set {
		return 0, scmsg.Commitment{}, false, nil
	}
	return b.Height, scmsg.Commitment{}, true, nil
}

// FakeWriter is an in-memory scstore.BatchedWriter, enough to exercise
// the pipeline's enqueue/flush/marker contract without a real database.
type FakeWriter struct {
	mu sync.Mutex

	headers    map[scmsg.Height]scstore.Header
	bodies     map[scmsg.Height][2][]byte
	states     map[scmsg.Height]scstore.StateDiff
	compiled   map[scmsg.Commitment]scmsg.Commitment
	deprecated map[scmsg.Commitment]scmsg.Height

	headerMarker    scmsg.Height
	bodyMarker      scmsg.Height
	stateMarker     scmsg.Height
	baseLayerMarker scmsg.Height
	lastVotedHeight scmsg.Height
	initialized     bool

	queue     []func()
	batchSize int
}

// NewFakeWriter returns an empty FakeWriter with the given flush
// threshold, reported by BatchSize; it never flushes on its own.
func NewFakeWriter(batchSize int) *FakeWriter {
	return &FakeWriter{
		headers:    make(map[scmsg.Height]scstore.Header),
		bodies:     make(map[scmsg.Height][2][]byte),
		states:     make(map[scmsg.Height]scstore.StateDiff),
		compiled:   make(map[scmsg.Commitment]scmsg.Commitment),
		deprecated: make(map[scmsg.Commitment]scmsg.Height),
		batchSize:  batchSize,
	}
}

func (w *FakeWriter) Marker(_ context.Context, table scstore.Table) (scmsg.Height, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.initialized && table != scstore.TableBaseLayer {
		return 0, scstore.ErrStoreUninitialized
	}
	switch table {
	case scstore.TableHeader:
		return w.headerMarker, nil
	case scstore.TableBody:
		return w.bodyMarker, nil
	case scstore.TableState, scstore.TableClass, scstore.TableDeprecated, scstore.TableCompiledClass:
		return w.stateMarker, nil
	case scstore.TableBaseLayer:
		return w.baseLayerMarker, nil
	default:
		return 0, fmt.Errorf("synctest: unknown table %q", table)
	}
}

func (w *FakeWriter) LoadHeader(_ context.Context, h scmsg.Height) (scstore.Header, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	hdr, ok := w.headers[h]
	if !ok {
		return scstore.Header{}, scstore.ErrHeightNotFound
	}
	return hdr, nil
}

func (w *FakeWriter) LoadBody(_ context.Context, h scmsg.Height) ([]byte, []byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[h]
	if !ok {
		return nil, nil, scstore.ErrHeightNotFound
	}
	return b[0], b[1], nil
}

func (w *FakeWriter) LoadStateDiff(_ context.Context, h scmsg.Height) (scstore.StateDiff, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.states[h]
	if !ok {
		return scstore.StateDiff{}, scstore.ErrHeightNotFound
	}
	return s, nil
}

func (w *FakeWriter) CompiledClassHash(_ context.Context, classHash scmsg.Commitment) (scmsg.Commitment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.compiled[classHash]
	if !ok {
		return scmsg.Commitment{}, scstore.ErrHeightNotFound
	}
	return c, nil
}

func (w *FakeWriter) DeprecatedClassDeclarationHeight(_ context.Context, classHash scmsg.Commitment) (scmsg.Height, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.deprecated[classHash]
	if !ok {
		return 0, scstore.ErrHeightNotFound
	}
	return h, nil
}

func (w *FakeWriter) LastVotedHeight(context.Context) (scmsg.Height, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastVotedHeight, nil
}

func (w *FakeWriter) SetLastVotedHeight(_ context.Context, h scmsg.Height) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h < w.lastVotedHeight {
		return fmt.Errorf("synctest: LastVotedHeight regression: %d < %d", h, w.lastVotedHeight)
	}
	w.lastVotedHeight = h
	return nil
}

func (w *FakeWriter) Transact(_ context.Context, _ func(scstore.Tx) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) > 0 {
		return scstore.BatchingAPIMixingError{QueueLen: len(w.queue)}
	}
	return errors.New("synctest: FakeWriter.Transact not implemented; use Enqueue* + Flush")
}

func (w *FakeWriter) EnqueueBlock(rec scstore.BlockRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, func() {
		w.headers[rec.Header.Height] = rec.Header
		w.bodies[rec.Header.Height] = [2][]byte{rec.Body, rec.Signature}
		w.states[rec.State.Height] = rec.State
		for _, dc := range rec.State.DeclaredClasses {
			w.compiled[dc.ClassHash] = dc.CompiledClassHash
		}
		for _, dep := range rec.State.DeprecatedClasses {
			w.deprecated[dep.ClassHash] = dep.DeclarationHeight
		}
		w.headerMarker = rec.Header.Height + 1
		w.bodyMarker = rec.Header.Height + 1
		w.stateMarker = rec.Header.Height + 1
		w.initialized = true
	})
	return nil
}

func (w *FakeWriter) EnqueueBaseLayerMarker(newMarker scmsg.Height) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, func() { w.baseLayerMarker = newMarker })
	return nil
}

func (w *FakeWriter) EnqueueLastVotedHeight(h scmsg.Height) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, func() { w.lastVotedHeight = h })
	return nil
}

func (w *FakeWriter) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *FakeWriter) Flush(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, fn := range w.queue {
		fn()
	}
	w.queue = nil
	return nil
}

func (w *FakeWriter) BatchSize() int { return w.batchSize }

// BodyReader wraps body bytes as the io.Reader sync.BlockItem expects.
func BodyReader(b []byte) io.Reader { return bytes.NewReader(b) }
