package scstore

import "github.com/starkware-libs/sequencer-sub003/consensus/scmsg"

// Header is the minimal header shape the sync pipeline and the consensus
// manager both depend on. The real field set (transaction roots, gas
// prices, and so on) is an execution-engine concern out of scope here;
// this module only needs enough to enforce chaining and identity.
type Header struct {
	Height       scmsg.Height
	ParentHash   scmsg.Commitment
	BlockHash    scmsg.Commitment
	SequencerSig []byte
}

// DeclaredClass is a Cairo1 class: a Sierra program paired with its
// compiled CASM once the compiled-class stream produces it.
type DeclaredClass struct {
	ClassHash         scmsg.Commitment
	CompiledClassHash scmsg.Commitment
	Sierra            []byte // nil if store_sierras_and_casms is false
	Casm              []byte // nil if store_sierras_and_casms is false, or not yet paired
}

// DeprecatedClass is a Cairo0 class: a plain executable with no Sierra
// stage.
type DeprecatedClass struct {
	ClassHash       scmsg.Commitment
	Executable      []byte
	DeclarationHeight scmsg.Height
}

// StateDiff is a single block's state delta plus the classes it declares
// or deploys, as produced by the central source's state-update stream.
type StateDiff struct {
	Height              scmsg.Height
	Commitment          scmsg.Commitment
	Diff                []byte
	DeclaredClasses     []DeclaredClass
	DeprecatedClasses   []DeprecatedClass
}

// BlockRecord is the complete unit the batched writer commits atomically:
// header, body, signature, state diff, and classes, all for one height.
type BlockRecord struct {
	Header    Header
	Body      []byte
	Signature []byte
	State     StateDiff
}
