package sync

import (
	"context"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// BaseLayer is the L1 anchor the pipeline reconciles against (spec
// section 4.4, "base_layer.latest_proved_block()"). The pipeline never
// writes to BaseLayer; it only reads the proved height to know how far
// the base-layer marker may safely advance.
type BaseLayer interface {
	// LatestProvedBlock returns the highest height L1 has proved, or
	// ok=false if nothing has been proved yet.
	LatestProvedBlock(ctx context.Context) (height scmsg.Height, commitment scmsg.Commitment, ok bool, err error)
}
