package scmsg

// QuorumType selects which supermajority definition the state machine uses
// to decide when a block is final. It does not affect the round-skip
// threshold, which is always "strictly greater than 1/3".
type QuorumType uint8

const (
	// Byzantine requires strictly more than 2/3 of total weight. This is
	// the only quorum that is safe to use for deciding a block in the
	// presence of up to f Byzantine validators out of 3f+1.
	Byzantine QuorumType = iota

	// Honest requires strictly more than 1/2 of total weight. It is
	// provided for test networks and non-adversarial deployments where
	// the stronger Byzantine bound is unnecessary overhead.
	Honest
)

func (q QuorumType) String() string {
	switch q {
	case Byzantine:
		return "byzantine"
	case Honest:
		return "honest"
	default:
		return "unknown"
	}
}

// Meets reports whether weight satisfies q's supermajority threshold out of
// total. All comparisons are integer-only, per spec: num*denominator >
// numerator*total, never floating point.
func (q QuorumType) Meets(weight, total uint64) bool {
	switch q {
	case Honest:
		return weight*2 > total
	case Byzantine:
		fallthrough
	default:
		return weight*3 > total*2
	}
}

// MeetsRoundSkip reports whether weight is strictly greater than one third
// of total -- the threshold at which an honest validator's presence in a
// round is guaranteed, justifying a jump to that round.
func MeetsRoundSkip(weight, total uint64) bool {
	return weight*3 > total
}
