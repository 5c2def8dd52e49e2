package scstate

import "github.com/starkware-libs/sequencer-sub003/consensus/scmsg"

// Step aliases scmsg.Step so the rest of this package can keep writing
// StepPropose/StepPrevote/StepPrecommit unqualified.
type Step = scmsg.Step

const (
	StepPropose   = scmsg.StepPropose
	StepPrevote   = scmsg.StepPrevote
	StepPrecommit = scmsg.StepPrecommit
)
