package scmsg

import "fmt"

// Validator is a single entry in a ValidatorSet: an identity and its voting
// weight. Starknet-style sequencer sets are typically one-validator-one-vote,
// but the quorum math never assumes that; Weight lets a deployment run
// stake-weighted voting without touching the consensus core.
type Validator struct {
	ID     ValidatorID
	Weight uint64
}

// ValidatorSet is the fixed set of validators for a single height. It is
// immutable once constructed.
type ValidatorSet struct {
	validators  []Validator
	byID        map[ValidatorID]uint64
	totalWeight uint64
}

// NewValidatorSet builds a ValidatorSet from vs. It returns an error if vs
// is empty, if any weight is zero, or if an ID repeats.
func NewValidatorSet(vs []Validator) (ValidatorSet, error) {
	if len(vs) == 0 {
		return ValidatorSet{}, fmt.Errorf("scmsg: validator set must not be empty")
	}

	byID := make(map[ValidatorID]uint64, len(vs))
	var total uint64
	for _, v := range vs {
		if v.Weight == 0 {
			return ValidatorSet{}, fmt.Errorf("scmsg: validator %s has zero weight", v.ID)
		}
		if _, ok := byID[v.ID]; ok {
			return ValidatorSet{}, fmt.Errorf("scmsg: duplicate validator %s", v.ID)
		}
		byID[v.ID] = v.Weight
		total += v.Weight
	}

	out := make([]Validator, len(vs))
	copy(out, vs)

	return ValidatorSet{
		validators:  out,
		byID:        byID,
		totalWeight: total,
	}, nil
}

// TotalWeight returns the sum of every validator's weight.
func (s ValidatorSet) TotalWeight() uint64 {
	return s.totalWeight
}

// WeightOf returns the weight of id, or zero if id is not a member.
func (s ValidatorSet) WeightOf(id ValidatorID) uint64 {
	return s.byID[id]
}

// IsValidator reports whether id is a member of the set.
func (s ValidatorSet) IsValidator(id ValidatorID) bool {
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of validators in the set.
func (s ValidatorSet) Len() int {
	return len(s.validators)
}

// Validators returns a copy of the underlying validator slice, in the
// order passed to NewValidatorSet. The order is what proposer-rotation
// schemes index into.
func (s ValidatorSet) Validators() []Validator {
	out := make([]Validator, len(s.validators))
	copy(out, s.validators)
	return out
}
