package sync

import (
	"errors"
	"fmt"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

// ErrMalformedRequest is returned by a Central method when the primary
// feeder variant rejects the request shape. Any fallback to the
// deprecated feeder variant is up to the Central implementation; the
// pipeline treats this error like any other transient error and retries.
var ErrMalformedRequest = errors.New("sync: malformed request")

// DBInconsistencyError is fatal: the downloaded header's hash does not
// match what Central separately claims for that height (spec section
// 4.4 step 1). Sync must stop; storage markers are left untouched.
type DBInconsistencyError struct {
	Height   scmsg.Height
	Got      scmsg.Commitment
	Expected scmsg.Commitment
}

func (e *DBInconsistencyError) Error() string {
	return fmt.Sprintf("sync: DB inconsistency at height %d: downloaded hash %s, central reports %s", e.Height, e.Got, e.Expected)
}

// SequencerPubKeyChangedError is fatal: the signature on a downloaded
// block no longer verifies against the last known sequencer public key,
// and re-fetching the key from Central did not resolve it either (spec
// section 4.4, signature verification). This needs operator
// intervention, since a real key rotation and a compromised feeder look
// identical from here.
type SequencerPubKeyChangedError struct {
	Height scmsg.Height
}

func (e *SequencerPubKeyChangedError) Error() string {
	return fmt.Sprintf("sync: sequencer signature invalid at height %d even after refreshing the public key", e.Height)
}

// isTransient reports whether err is worth retrying with backoff rather
// than aborting the pipeline outright. DB inconsistency and pub-key
// rotation are never transient; everything else (network hiccups,
// context deadline on a single RPC) is.
func isTransient(err error) bool {
	var dbErr *DBInconsistencyError
	var keyErr *SequencerPubKeyChangedError
	if errors.As(err, &dbErr) || errors.As(err, &keyErr) {
		return false
	}
	return true
}
