// Package scstate implements the pure consensus state machine: Algorithm 1
// from the Tendermint paper, translated into a deterministic
// (state, event, proposer) -> (state', requests) function with no I/O and
// no sense of time. Everything about timers, broadcasting, and proposal
// building is a Request the caller (scheight, the Single-Height Consensus
// mediator) is responsible for carrying out.
package scstate

import "github.com/starkware-libs/sequencer-sub003/consensus/scmsg"

// ProposerFunc returns the deterministic proposer for (height, round).
type ProposerFunc func(height scmsg.Height, round scmsg.Round) scmsg.ValidatorID

type proposalRecord struct {
	commitment *scmsg.Commitment
	validRound *scmsg.Round
}

// Machine is the per-height state machine. A new Machine is created for
// every height; round state (proposals, tallies) is retained across
// rounds within that height but never across heights.
type Machine struct {
	height scmsg.Height
	round  scmsg.Round
	step   Step

	valSet   scmsg.ValidatorSet
	quorum   scmsg.QuorumType
	selfID   scmsg.ValidatorID
	observer bool

	proposals map[scmsg.Round]proposalRecord
	tallies   map[scmsg.Round]*roundTally

	lockedValue *scmsg.Commitment
	lockedRound *scmsg.Round
	validValue  *scmsg.Commitment
	validRound  *scmsg.Round

	awaitingGetProposal bool
	queue               []Event

	firedNewProposal  map[scmsg.Round]bool
	firedReproposal   map[scmsg.Round]bool
	firedValueLock    map[scmsg.Round]bool
	firedNilPrevote   map[scmsg.Round]bool
	firedPrevoteSched map[scmsg.Round]bool
	firedPrecommitSched map[scmsg.Round]bool
	firedDecision     map[scmsg.Round]bool

	decided bool

	metrics Metrics
}

// New returns a Machine for height, seeded at round 0 step Propose. selfID
// is the empty ValidatorID for an observer.
func New(height scmsg.Height, valSet scmsg.ValidatorSet, quorum scmsg.QuorumType, selfID scmsg.ValidatorID, observer bool, metrics Metrics) *Machine {
	m := &Machine{
		height:   height,
		valSet:   valSet,
		quorum:   quorum,
		selfID:   selfID,
		observer: observer,

		proposals: make(map[scmsg.Round]proposalRecord),
		tallies:   make(map[scmsg.Round]*roundTally),

		firedNewProposal:    make(map[scmsg.Round]bool),
		firedReproposal:     make(map[scmsg.Round]bool),
		firedValueLock:      make(map[scmsg.Round]bool),
		firedNilPrevote:     make(map[scmsg.Round]bool),
		firedPrevoteSched:   make(map[scmsg.Round]bool),
		firedPrecommitSched: make(map[scmsg.Round]bool),
		firedDecision:       make(map[scmsg.Round]bool),

		metrics: metrics,
	}
	return m
}

// Round returns the current round.
func (m *Machine) Round() scmsg.Round { return m.round }

// Step returns the current step.
func (m *Machine) Step() Step { return m.step }

// LockedValueRound returns the round at which the current locked value
// was locked, or nil if nothing is locked.
func (m *Machine) LockedValueRound() *scmsg.Round { return m.lockedRound }

// ValidValueRound returns the round at which the current valid value won
// its prevote quorum, or nil if none is set.
func (m *Machine) ValidValueRound() *scmsg.Round { return m.validRound }

// Start seeds round 0 and returns the initial requests (entering round 0
// is identical to any other round entry).
func (m *Machine) Start(proposer ProposerFunc) []Request {
	return m.enterRound(0, proposer)
}

// Apply processes ev and returns the requests it produces. If the machine
// is awaiting its own GetProposal response, every event except that exact
// response is queued and processed, in arrival order, once the response
// arrives (spec section 4.1, "freeze during build").
func (m *Machine) Apply(ev Event, proposer ProposerFunc) []Request {
	if m.awaitingGetProposal {
		if gp, ok := ev.(GetProposalEvent); ok && gp.Round == m.round {
			reqs := m.applyOne(ev, proposer)
			reqs = append(reqs, m.drainQueue(proposer)...)
			return reqs
		}
		m.queue = append(m.queue, ev)
		return nil
	}
	return m.applyOne(ev, proposer)
}

func (m *Machine) drainQueue(proposer ProposerFunc) []Request {
	var out []Request
	for len(m.queue) > 0 {
		if m.awaitingGetProposal {
			break
		}
		ev := m.queue[0]
		m.queue = m.queue[1:]
		out = append(out, m.applyOne(ev, proposer)...)
	}
	return out
}

func (m *Machine) applyOne(ev Event, proposer ProposerFunc) []Request {
	if m.decided {
		// Height is over; any further event is a benign no-op (spec
		// section 4.1's failure model: errors map to benign no-ops).
		return nil
	}

	switch e := ev.(type) {
	case GetProposalEvent:
		return m.handleGetProposal(e, proposer)
	case ProposalEvent:
		return m.handleProposal(e, proposer)
	case PrevoteEvent:
		return m.handleVote(scmsg.Prevote, e.Round, e.Voter, e.Commitment, proposer)
	case PrecommitEvent:
		return m.handleVote(scmsg.Precommit, e.Round, e.Voter, e.Commitment, proposer)
	case TimeoutProposeEvent:
		return m.handleTimeoutPropose(e)
	case TimeoutPrevoteEvent:
		return m.handleTimeoutPrevote(e)
	case TimeoutPrecommitEvent:
		return m.handleTimeoutPrecommit(e)
	case DecisionEvent:
		m.decided = true
		return nil
	default:
		return nil
	}
}

func (m *Machine) isLeader(round scmsg.Round, proposer ProposerFunc) bool {
	return !m.observer && m.selfID != "" && proposer(m.height, round) == m.selfID
}

// enterRound moves the machine to round r, step Propose, and returns the
// requests that follow from entering (spec section 4.1, "Round
// advancement").
func (m *Machine) enterRound(r scmsg.Round, proposer ProposerFunc) []Request {
	if r > 0 {
		m.metric().IncRoundAboveZero()
	}
	m.metric().IncRound()

	m.round = r
	m.step = StepPropose
	if _, ok := m.tallies[r]; !ok {
		m.tallies[r] = newRoundTally()
	}

	var reqs []Request

	if m.isLeader(r, proposer) && m.validValue != nil {
		reqs = append(reqs, ReproposeRequest{
			Round:      r,
			Commitment: *m.validValue,
			ValidRound: *m.validRound,
		})
		return reqs
	}

	reqs = append(reqs, ScheduleTimeoutRequest{Step: StepPropose, Round: r})

	if m.isLeader(r, proposer) && m.validValue == nil {
		m.awaitingGetProposal = true
		reqs = append(reqs, StartBuildProposalRequest{Round: r})
	}

	return reqs
}

// maybeSkipRound implements Line 55: a round r > self.round is entered if
// the prevote or precommit weight at r meets the round-skip threshold.
func (m *Machine) maybeSkipRound(r scmsg.Round, proposer ProposerFunc) []Request {
	if r <= m.round {
		return nil
	}
	t := m.tallies[r]
	if t == nil {
		return nil
	}
	total := m.valSet.TotalWeight()
	if scmsg.MeetsRoundSkip(t.totalFor(scmsg.Prevote), total) || scmsg.MeetsRoundSkip(t.totalFor(scmsg.Precommit), total) {
		return m.enterRound(r, proposer)
	}
	return nil
}

func (m *Machine) handleGetProposal(e GetProposalEvent, proposer ProposerFunc) []Request {
	if e.Round != m.round || !m.awaitingGetProposal {
		return nil
	}
	m.awaitingGetProposal = false

	init := scmsg.ProposalInit{
		Height:     m.height,
		Round:      m.round,
		Proposer:   m.selfID,
		ValidRound: nil,
	}
	m.proposals[m.round] = proposalRecord{commitment: e.Commitment, validRound: nil}
	_ = init // init is implicit; the SHC already knows it built this proposal.

	return m.prevoteForProposal(m.round, e.Commitment, nil, proposer)
}

func (m *Machine) handleProposal(e ProposalEvent, proposer ProposerFunc) []Request {
	// Always record the proposal for this round, even out of order, so
	// late precommits can still resolve a decision against it (spec
	// section 4.1, decision detection on any round).
	m.proposals[e.Round] = proposalRecord{commitment: e.Commitment, validRound: e.ValidRound}

	if e.Round != m.round || m.step != StepPropose {
		return nil
	}

	if e.ValidRound == nil {
		// Line 22: a fresh proposal.
		if m.firedNewProposal[e.Round] {
			return nil
		}
		m.firedNewProposal[e.Round] = true
		return m.prevoteForProposal(e.Round, e.Commitment, nil, proposer)
	}

	// Line 28: a reproposal. It only fires once the referenced round's
	// prevote tally has reached quorum for this exact commitment.
	if m.firedReproposal[e.Round] {
		return nil
	}
	vr := *e.ValidRound
	if vr >= e.Round {
		return nil
	}
	if e.Commitment == nil {
		return nil
	}
	vt := m.tallies[vr]
	if vt == nil || !m.quorum.Meets(vt.weightFor(scmsg.Prevote, keyOf(e.Commitment)), m.valSet.TotalWeight()) {
		// Quorum not yet visible; re-evaluated when a later prevote for
		// vr arrives (see handleVote's reproposal re-check).
		return nil
	}
	m.firedReproposal[e.Round] = true
	return m.prevoteForProposal(e.Round, e.Commitment, &vr, proposer)
}

// prevoteForProposal implements the shared tail of Line 22 and Line 28:
// prevote for the commitment if it's compatible with any locked value,
// else prevote nil, then move to step Prevote.
func (m *Machine) prevoteForProposal(round scmsg.Round, commitment *scmsg.Commitment, validRound *scmsg.Round, proposer ProposerFunc) []Request {
	var toVote *scmsg.Commitment
	if commitment != nil && (m.lockedRound == nil || (m.lockedValue != nil && *m.lockedValue == *commitment)) {
		toVote = commitment
	}

	m.step = StepPrevote

	reqs := m.maybeOwnVote(scmsg.Prevote, round, toVote)
	reqs = append(reqs, m.applyOwnVoteToTally(scmsg.Prevote, round, toVote, proposer)...)
	return reqs
}

// maybeOwnVote emits a BroadcastVoteRequest for the local node's own vote,
// unless this node is an observer (spec section 4.1, "Observer mode").
func (m *Machine) maybeOwnVote(kind scmsg.VoteKind, round scmsg.Round, commitment *scmsg.Commitment) []Request {
	if m.observer || m.selfID == "" {
		return nil
	}
	return []Request{BroadcastVoteRequest{Kind: kind, Round: round, Commitment: commitment}}
}

// applyOwnVoteToTally folds this node's own vote into the tally (as if it
// arrived back over the network) and evaluates whatever upon-rules that
// unlocks, exactly as a peer vote would. Observers still tally (they
// track quorums to emit Decision) but never contribute their own vote.
func (m *Machine) applyOwnVoteToTally(kind scmsg.VoteKind, round scmsg.Round, commitment *scmsg.Commitment, proposer ProposerFunc) []Request {
	if m.observer || m.selfID == "" {
		return nil
	}
	return m.handleVote(kind, round, m.selfID, commitment, proposer)
}

// handleVote folds a single validator's vote into the round's tally and
// evaluates the upon-rules it may unlock: round-skip (any round), the
// prevote-quorum family (current round only), and decision detection
// (any round).
func (m *Machine) handleVote(kind scmsg.VoteKind, round scmsg.Round, voter scmsg.ValidatorID, commitment *scmsg.Commitment, proposer ProposerFunc) []Request {
	if !m.valSet.IsValidator(voter) {
		return nil
	}

	t, ok := m.tallies[round]
	if !ok {
		t = newRoundTally()
		m.tallies[round] = t
	}

	weight := m.valSet.WeightOf(voter)
	key := keyOf(commitment)
	if !t.add(kind, voter, key, weight) {
		// Idempotent replay or a vote that should never have reached us;
		// no state change (spec section 8's replay-idempotence property).
		return nil
	}

	var reqs []Request

	if r := m.maybeSkipRound(round, proposer); r != nil {
		reqs = append(reqs, r...)
	}

	if kind == scmsg.Prevote {
		reqs = append(reqs, m.evalPrevoteRules(round, proposer)...)
		// A reproposal for a later round may have been waiting on this
		// round's prevote quorum (Line 28's guard).
		reqs = append(reqs, m.recheckPendingReproposals(round, proposer)...)
	} else {
		reqs = append(reqs, m.evalPrecommitRules(round)...)
	}

	reqs = append(reqs, m.evalDecision(round)...)

	return reqs
}

func (m *Machine) recheckPendingReproposals(preVoteRound scmsg.Round, proposer ProposerFunc) []Request {
	var reqs []Request
	for r, rec := range m.proposals {
		if m.firedReproposal[r] || rec.validRound == nil || *rec.validRound != preVoteRound {
			continue
		}
		if r != m.round || m.step != StepPropose {
			continue
		}
		reqs = append(reqs, m.handleProposal(ProposalEvent{
			Round:      r,
			Commitment: rec.commitment,
			ValidRound: rec.validRound,
		}, proposer)...)
	}
	return reqs
}

func (m *Machine) evalPrevoteRules(round scmsg.Round, proposer ProposerFunc) []Request {
	total := m.valSet.TotalWeight()
	t := m.tallies[round]

	var reqs []Request

	// Line 34: any 2f+1 prevotes (regardless of value) while step ==
	// Prevote, first time, schedules TimeoutPrevote.
	if round == m.round && m.step == StepPrevote && !m.firedPrevoteSched[round] {
		if m.quorum.Meets(t.totalFor(scmsg.Prevote), total) {
			m.firedPrevoteSched[round] = true
			reqs = append(reqs, ScheduleTimeoutRequest{Step: StepPrevote, Round: round})
		}
	}

	// Line 36: 2f+1 prevotes for a specific non-nil value, first time.
	// Updates valid_value/valid_round regardless of step; locks and
	// precommits only if step == Prevote.
	if !m.firedValueLock[round] {
		rec, haveProposal := m.proposals[round]
		if haveProposal && rec.commitment != nil {
			w := t.weightFor(scmsg.Prevote, keyOf(rec.commitment))
			if m.quorum.Meets(w, total) {
				m.firedValueLock[round] = true
				m.validValue = rec.commitment
				vr := round
				m.validRound = &vr

				if round == m.round && m.step == StepPrevote {
					m.lockedValue = rec.commitment
					lr := round
					m.lockedRound = &lr
					m.metric().IncNewValueLock()
					m.metric().IncHeldLock()

					m.step = StepPrecommit
					reqs = append(reqs, m.maybeOwnVote(scmsg.Precommit, round, rec.commitment)...)
					reqs = append(reqs, m.applyOwnVoteToTally(scmsg.Precommit, round, rec.commitment, proposer)...)
				}
			}
		}
	}

	// Line 44: 2f+1 prevotes for nil while step == Prevote, first time.
	if round == m.round && m.step == StepPrevote && !m.firedNilPrevote[round] {
		w := t.weightFor(scmsg.Prevote, "")
		if m.quorum.Meets(w, total) {
			m.firedNilPrevote[round] = true
			m.step = StepPrecommit
			reqs = append(reqs, m.maybeOwnVote(scmsg.Precommit, round, nil)...)
			reqs = append(reqs, m.applyOwnVoteToTally(scmsg.Precommit, round, nil, proposer)...)
		}
	}

	return reqs
}

func (m *Machine) evalPrecommitRules(round scmsg.Round) []Request {
	if m.firedPrecommitSched[round] {
		return nil
	}
	t := m.tallies[round]
	if !m.quorum.Meets(t.totalFor(scmsg.Precommit), m.valSet.TotalWeight()) {
		return nil
	}
	m.firedPrecommitSched[round] = true
	return []Request{ScheduleTimeoutRequest{Step: StepPrecommit, Round: round}}
}

// evalDecision implements Line 49: a precommit quorum for a specific
// non-nil commitment at ANY round, even one below self.round, produces a
// decision (spec section 4.1, "Decision detection applies to any round").
func (m *Machine) evalDecision(round scmsg.Round) []Request {
	if m.firedDecision[round] {
		return nil
	}
	rec, ok := m.proposals[round]
	if !ok || rec.commitment == nil {
		return nil
	}
	t := m.tallies[round]
	w := t.weightFor(scmsg.Precommit, keyOf(rec.commitment))
	if !m.quorum.Meets(w, m.valSet.TotalWeight()) {
		return nil
	}
	m.firedDecision[round] = true
	m.decided = true
	return []Request{DecisionReachedRequest{Round: round, Commitment: *rec.commitment}}
}

func (m *Machine) handleTimeoutPropose(e TimeoutProposeEvent) []Request {
	if e.Round != m.round || m.step != StepPropose {
		return nil
	}
	m.metric().IncTimeout(StepPropose)
	m.step = StepPrevote
	return m.maybeOwnVote(scmsg.Prevote, e.Round, nil)
}

func (m *Machine) handleTimeoutPrevote(e TimeoutPrevoteEvent) []Request {
	if e.Round != m.round || m.step != StepPrevote {
		return nil
	}
	m.metric().IncTimeout(StepPrevote)
	m.step = StepPrecommit
	return m.maybeOwnVote(scmsg.Precommit, e.Round, nil)
}

func (m *Machine) handleTimeoutPrecommit(e TimeoutPrecommitEvent) []Request {
	if e.Round != m.round {
		return nil
	}
	m.metric().IncTimeout(StepPrecommit)
	return nil // The caller advances to e.Round+1 via EnterNextRound.
}

// EnterNextRound is called by the caller after a TimeoutPrecommit fires
// for the current round, advancing to round+1. It is exported because,
// unlike every other transition, round advancement after a precommit
// timeout is driven by the SHC's timer completion rather than a vote
// tally (spec section 4.1: "After the timer fires, advances to round
// 1" in the S6 scenario).
func (m *Machine) EnterNextRound(proposer ProposerFunc) []Request {
	return m.enterRound(m.round+1, proposer)
}
