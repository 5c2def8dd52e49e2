package sync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/sync"
	"github.com/starkware-libs/sequencer-sub003/sync/synctest"
)

type stubSigScheme struct{ valid bool }

func (s stubSigScheme) Sign([]byte, []byte) ([]byte, error) { return nil, nil }
func (s stubSigScheme) Verify([]byte, []byte, []byte) bool  { return s.valid }

func commitment(b byte) scmsg.Commitment {
	var c scmsg.Commitment
	c[0] = b
	return c
}

func runFor(t *testing.T, ctx context.Context, p *sync.Pipeline, d time.Duration) {
	t.Helper()
	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := p.Run(runCtx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("pipeline.Run returned unexpected error: %v", err)
	}
}

// S1 -- empty chain sync: Central and BaseLayer both report nothing;
// after the pipeline has had a chance to run, the header marker is still
// at the uninitialized (zero) state and no writes occurred.
func TestEmptyChainSync(t *testing.T) {
	log := slogt.New(t)
	central := synctest.NewFakeCentral()
	baseLayer := &synctest.FakeBaseLayer{}
	writer := synctest.NewFakeWriter(10)

	p := sync.New(log, central, baseLayer, writer, stubSigScheme{valid: true}, sync.DefaultConfig())

	runFor(t, context.Background(), p, 50*time.Millisecond)

	require.Equal(t, 0, writer.QueueLen())
	_, err := writer.Marker(context.Background(), "header")
	require.Error(t, err)
}

// S2 -- happy 5-block sync with classes: five blocks, two Cairo1 class
// declarations with their compiled pairs, one deprecated class deployed
// directly in a state update. Base layer proves height 3 then 4 over the
// course of the run. Expect header/body/state markers at 5, base-layer
// marker at 5 once the base layer catches up, and the declared classes
// resolvable by hash.
func TestHappyFiveBlockSync(t *testing.T) {
	log := slogt.New(t)
	central := synctest.NewFakeCentral()
	baseLayer := &synctest.FakeBaseLayer{}
	writer := synctest.NewFakeWriter(10)

	classA := commitment(0x01)
	compiledA := commitment(0x11)
	classB := commitment(0x02)
	compiledB := commitment(0x12)
	deployBlockClass := commitment(0x03)
	deprecatedClass := commitment(0x04)

	for h := scmsg.Height(0); h < 5; h++ {
		hash := commitment(byte(0x50 + h))
		var parent scmsg.Commitment
		if h > 0 {
			parent = commitment(byte(0x50 + h - 1))
		}
		central.PutBlock(sync.BlockItem{
			Height:    h,
			Header:    sync.BlockHeaderData{BlockHash: hash, ParentHash: parent},
			Body:      synctest.BodyReader([]byte("body")),
			Signature: []byte("sig"),
		})

		state := sync.StateUpdateItem{Height: h, Commitment: hash, Diff: []byte("diff")}
		switch h {
		case 1:
			state.DeclaredClassHashes = []scmsg.Commitment{classA}
		case 3:
			state.DeclaredClassHashes = []scmsg.Commitment{classB}
			state.DeployedDeprecated = []sync.DeprecatedClassData{{ClassHash: deployBlockClass, Executable: []byte("exe3")}}
		case 4:
			state.DeployedDeprecated = []sync.DeprecatedClassData{{ClassHash: deprecatedClass, Executable: []byte("exe")}}
		}
		central.PutState(state)
	}

	central.PutCompiledClass(sync.CompiledClassItem{ClassHash: classA, CompiledClassHash: compiledA, Casm: []byte("casmA")})
	central.PutCompiledClass(sync.CompiledClassItem{ClassHash: classB, CompiledClassHash: compiledB, Casm: []byte("casmB")})

	cfg := sync.DefaultConfig()
	cfg.SleepBetweenRounds = 5 * time.Millisecond
	p := sync.New(log, central, baseLayer, writer, stubSigScheme{valid: true}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	baseLayer.Prove(3)
	time.Sleep(20 * time.Millisecond)
	baseLayer.Prove(4)
	time.Sleep(40 * time.Millisecond)
	cancel()
	<-done

	headerMarker, err := writer.Marker(context.Background(), "header")
	require.NoError(t, err)
	require.Equal(t, scmsg.Height(5), headerMarker)

	gotA, err := writer.CompiledClassHash(context.Background(), classA)
	require.NoError(t, err)
	require.Equal(t, compiledA, gotA)

	gotB, err := writer.CompiledClassHash(context.Background(), classB)
	require.NoError(t, err)
	require.Equal(t, compiledB, gotB)

	deployBlockHeight, err := writer.DeprecatedClassDeclarationHeight(context.Background(), deployBlockClass)
	require.NoError(t, err)
	require.Equal(t, scmsg.Height(3), deployBlockHeight)

	depHeight, err := writer.DeprecatedClassDeclarationHeight(context.Background(), deprecatedClass)
	require.NoError(t, err)
	require.Equal(t, scmsg.Height(4), depHeight)
}

// S3 -- unrecoverable DB inconsistency: Central's re-check hash disagrees
// with the downloaded header. The pipeline must surface a typed
// DBInconsistencyError and leave storage markers untouched.
func TestUnrecoverableDBInconsistency(t *testing.T) {
	log := slogt.New(t)
	central := synctest.NewFakeCentral()
	baseLayer := &synctest.FakeBaseLayer{}
	writer := synctest.NewFakeWriter(10)

	h1 := commitment(0xAA)
	central.PutBlock(sync.BlockItem{
		Height:    0,
		Header:    sync.BlockHeaderData{BlockHash: h1},
		Body:      synctest.BodyReader(nil),
		Signature: []byte("sig"),
	})
	central.PutState(sync.StateUpdateItem{Height: 0, Commitment: h1})

	// FakeCentral.GetBlockHash would re-derive h1 from Blocks, so the
	// mismatch comes from mismatchCentral below, whose GetBlockHash
	// claims a different hash than the downloaded header's h1.
	central.Blocks[0] = sync.BlockItem{
		Height:    0,
		Header:    sync.BlockHeaderData{BlockHash: h1},
		Body:      synctest.BodyReader(nil),
		Signature: []byte("sig"),
	}
	badCentral := &mismatchCentral{FakeCentral: central, claimed: commitment(0xBB)}

	p := sync.New(log, badCentral, baseLayer, writer, stubSigScheme{valid: true}, sync.DefaultConfig())

	err := p.Run(context.Background())
	var dbErr *sync.DBInconsistencyError
	require.ErrorAs(t, err, &dbErr)
	require.Equal(t, scmsg.Height(0), dbErr.Height)

	_, markerErr := writer.Marker(context.Background(), "header")
	require.Error(t, markerErr)
}

// mismatchCentral wraps FakeCentral and always returns a different hash
// from GetBlockHash than whatever was stored, simulating a corrupted
// header download.
type mismatchCentral struct {
	*synctest.FakeCentral
	claimed scmsg.Commitment
}

func (m *mismatchCentral) GetBlockHash(context.Context, scmsg.Height) (scmsg.Commitment, bool, error) {
	return m.claimed, true, nil
}

// S4 -- sequencer public key changed: every signature check fails, even
// after the pipeline refetches the key. The pipeline must surface a
// typed SequencerPubKeyChangedError.
func TestSequencerPubKeyChanged(t *testing.T) {
	log := slogt.New(t)
	central := synctest.NewFakeCentral()
	baseLayer := &synctest.FakeBaseLayer{}
	writer := synctest.NewFakeWriter(10)

	hash := commitment(0xCC)
	central.PutBlock(sync.BlockItem{
		Height:    0,
		Header:    sync.BlockHeaderData{BlockHash: hash},
		Body:      synctest.BodyReader(nil),
		Signature: []byte("sig"),
	})
	central.PutState(sync.StateUpdateItem{Height: 0, Commitment: hash})

	p := sync.New(log, central, baseLayer, writer, stubSigScheme{valid: false}, sync.DefaultConfig())

	err := p.Run(context.Background())
	var keyErr *sync.SequencerPubKeyChangedError
	require.ErrorAs(t, err, &keyErr)
	require.Equal(t, scmsg.Height(0), keyErr.Height)
}
