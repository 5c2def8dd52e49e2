package scmsg

import "fmt"

// Step is the current phase within a round, mirroring Tendermint's
// propose/prevote/precommit cycle. It lives here rather than inside the
// state machine package so that metrics and storage adapters outside the
// engine tree can name a step without reaching into an internal package.
type Step uint8

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
)

// String is hand-written in the style of the teacher's stringer-generated
// companions (e.g. handleproposedheaderresult_string.go); this module
// does not invoke go:generate since no Go toolchain runs here.
func (s Step) String() string {
	switch s {
	case StepPropose:
		return "Propose"
	case StepPrevote:
		return "Prevote"
	case StepPrecommit:
		return "Precommit"
	default:
		return fmt.Sprintf("Step(%d)", uint8(s))
	}
}
