package scheight

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/starkware-libs/sequencer-sub003/consensus/scengine/internal/scstate"
	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/consensus/scstore"
)

// ErrInternalInconsistency is returned when the state machine asks the SHC
// to honor a Decision whose supporting precommits don't actually meet
// quorum in the registry. The spec calls this unreachable in a correct
// state machine; the SHC still checks, and surfaces it loudly if it ever
// happens rather than silently finalizing an unsupported block.
var ErrInternalInconsistency = fmt.Errorf("scheight: decision request lacks quorum support")

// SHC mediates a single height of consensus: it owns the pure state
// machine, the vote/proposal registry, and translates between SM
// requests and Tasks the Manager executes without blocking this height's
// processing.
type SHC struct {
	log *slog.Logger

	height  scmsg.Height
	valSet  scmsg.ValidatorSet
	quorum  scmsg.QuorumType
	selfID  scmsg.ValidatorID
	observer bool

	sm       *scstate.Machine
	reg      *registry
	proposer scstate.ProposerFunc

	lvh scstore.LastVotedHeightStore

	timeouts TimeoutConfig
	metrics  Metrics

	// lastSelfVote tracks, per kind, the most recent self-vote this SHC
	// has broadcast, so a stale Rebroadcast fire can be suppressed (spec
	// section 4.2).
	lastSelfVote map[scmsg.VoteKind]scmsg.Vote

	// pendingDecision is set by toTasks when the state machine emits
	// DecisionReachedRequest; the Manager retrieves it with TakeDecision
	// after each Start/HandleVote/HandleEvent/AdvanceRound call.
	pendingDecision *pendingDecision
}

type pendingDecision struct {
	round      scmsg.Round
	commitment scmsg.Commitment
}

// Metrics receives SHC-level counters not owned by the state machine.
type Metrics interface {
	IncConflictingVote()
	IncProposalValidated()
	IncProposalInvalid()
	IncProposalInterrupted()
	IncRepropose()
}

type noopMetrics struct{}

func (noopMetrics) IncConflictingVote()    {}
func (noopMetrics) IncProposalValidated()  {}
func (noopMetrics) IncProposalInvalid()    {}
func (noopMetrics) IncProposalInterrupted() {}
func (noopMetrics) IncRepropose()          {}

// New returns a fresh SHC for height. selfID is empty for an observer.
func New(
	log *slog.Logger,
	height scmsg.Height,
	valSet scmsg.ValidatorSet,
	quorum scmsg.QuorumType,
	selfID scmsg.ValidatorID,
	observer bool,
	proposer scstate.ProposerFunc,
	lvh scstore.LastVotedHeightStore,
	timeouts TimeoutConfig,
	smMetrics scstate.Metrics,
	metrics Metrics,
) *SHC {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SHC{
		log:      log,
		height:   height,
		valSet:   valSet,
		quorum:   quorum,
		selfID:   selfID,
		observer: observer,

		sm:       scstate.New(height, valSet, quorum, selfID, observer, smMetrics),
		reg:      newRegistry(valSet),
		proposer: proposer,

		lvh:      lvh,
		timeouts: timeouts,
		metrics:  metrics,

		lastSelfVote: make(map[scmsg.VoteKind]scmsg.Vote),
	}
}

// Equivocations returns how many equivocating votes this height's
// registry has dropped.
func (s *SHC) Equivocations() uint64 { return s.reg.Equivocations() }

// Start seeds round 0 and returns the initial tasks.
func (s *SHC) Start(ctx context.Context) []Task {
	return s.toTasks(ctx, s.sm.Start(s.proposer))
}

// HandleProposal implements spec section 4.2's handle_proposal: it
// validates the proposal's framing, rejects duplicates for the round
// without re-invoking ValidateProposal, and otherwise returns a
// ValidateProposalTask.
func (s *SHC) HandleProposal(init scmsg.ProposalInit, content io.Reader) []Task {
	if init.Height != s.height {
		s.log.Info("Dropping proposal for wrong height", "got", init.Height, "want", s.height)
		return nil
	}
	if init.Proposer != s.proposer(s.height, init.Round) {
		s.log.Info("Dropping proposal from non-proposer", "round", init.Round, "proposer", init.Proposer)
		return nil
	}
	if !s.reg.acceptProposal(init.Round) {
		s.log.Info("Dropping duplicate proposal for round", "round", init.Round)
		return nil
	}

	return []Task{ValidateProposalTask{
		Init:    init,
		Timeout: s.timeouts.Propose.For(init.Round),
		Content: content,
	}}
}

// HandleVote implements spec section 4.2's handle_vote.
func (s *SHC) HandleVote(ctx context.Context, vote scmsg.Vote) []Task {
	outcome := s.reg.record(vote)
	switch outcome {
	case voteDroppedNotValidator, voteDroppedReplay:
		return nil
	case voteDroppedEquivocation:
		s.metrics.IncConflictingVote()
		s.log.Warn("Dropping equivocating vote", "voter", vote.Voter, "round", vote.Round, "kind", vote.Kind)
		return nil
	}

	var ev scstate.Event
	switch vote.Kind {
	case scmsg.Prevote:
		ev = scstate.PrevoteEvent{Round: vote.Round, Voter: vote.Voter, Commitment: vote.Commitment}
	case scmsg.Precommit:
		ev = scstate.PrecommitEvent{Round: vote.Round, Voter: vote.Voter, Commitment: vote.Commitment}
	default:
		return nil
	}

	return s.toTasks(ctx, s.sm.Apply(ev, s.proposer))
}

// HandleEvent implements spec section 4.2's handle_event for everything
// that isn't a vote or proposal arrival.
func (s *SHC) HandleEvent(ctx context.Context, ev InboundEvent) []Task {
	switch e := ev.(type) {
	case TimerFireEvent:
		tasks := s.toTasks(ctx, s.sm.Apply(timerToSMEvent(e), s.proposer))
		if e.Step == scstate.StepPrecommit && e.Round == s.sm.Round() && s.pendingDecision == nil {
			// A precommit timeout never carries a decision itself (the SM
			// returns no requests for it); the caller is responsible for
			// advancing to e.Round+1, per scstate.Machine's documented
			// contract for TimeoutPrecommitEvent. e.Round == s.sm.Round()
			// excludes a stale fire for a round already left behind by a
			// vote-driven round-skip.
			tasks = append(tasks, s.AdvanceRound(ctx)...)
		}
		return tasks

	case FinishedBuildingEvent:
		return s.toTasks(ctx, s.sm.Apply(scstate.GetProposalEvent{
			Round:      e.Round,
			Commitment: e.Commitment,
		}, s.proposer))

	case FinishedValidationEvent:
		switch {
		case e.Interrupted:
			s.metrics.IncProposalInterrupted()
		case e.Commitment == nil:
			s.metrics.IncProposalInvalid()
		default:
			s.metrics.IncProposalValidated()
		}
		return s.toTasks(ctx, s.sm.Apply(scstate.ProposalEvent{
			Round:       e.Init.Round,
			Commitment:  e.Commitment,
			ValidRound:  e.Init.ValidRound,
			Interrupted: e.Interrupted,
		}, s.proposer))

	case RebroadcastFireEvent:
		return s.handleRebroadcastFire(e)

	default:
		return nil
	}
}

func timerToSMEvent(e TimerFireEvent) scstate.Event {
	switch e.Step {
	case scstate.StepPropose:
		return scstate.TimeoutProposeEvent{Round: e.Round}
	case scstate.StepPrevote:
		return scstate.TimeoutPrevoteEvent{Round: e.Round}
	default:
		return scstate.TimeoutPrecommitEvent{Round: e.Round}
	}
}

func (s *SHC) handleRebroadcastFire(e RebroadcastFireEvent) []Task {
	cur, ok := s.lastSelfVote[e.Kind]
	if !ok || cur.Round < e.Round {
		return nil
	}
	return []Task{
		BroadcastTask{Vote: cur},
		RebroadcastTask{Vote: cur, Duration: s.timeouts.Rebroadcast},
	}
}

// AdvanceRound wraps scstate.Machine.EnterNextRound. HandleEvent calls it
// itself once a StepPrecommit timer fires without a decision; exported so
// a caller outside the timer path (e.g. a future explicit skip command)
// can trigger the same transition.
func (s *SHC) AdvanceRound(ctx context.Context) []Task {
	return s.toTasks(ctx, s.sm.EnterNextRound(s.proposer))
}

// TakeDecision returns and clears the height's decision, if the most
// recent Start/HandleVote/HandleEvent/AdvanceRound call produced one.
func (s *SHC) TakeDecision() (round scmsg.Round, commitment scmsg.Commitment, ok bool) {
	if s.pendingDecision == nil {
		return 0, scmsg.Commitment{}, false
	}
	d := s.pendingDecision
	s.pendingDecision = nil
	return d.round, d.commitment, true
}

// Decision assembles and quorum-verifies a Decision for (round,
// commitment), per spec section 4.2's "Quorum for decision" rule.
func (s *SHC) Decision(round scmsg.Round, commitment scmsg.Commitment) (scmsg.Decision, error) {
	precommits := s.reg.precommitsFor(round, commitment)
	weight := s.reg.weightOf(precommits)
	if !s.quorum.Meets(weight, s.valSet.TotalWeight()) {
		return scmsg.Decision{}, ErrInternalInconsistency
	}
	return scmsg.Decision{Commitment: commitment, Precommits: precommits}, nil
}

// toTasks converts scstate.Requests into Tasks, performing the
// LastVotedHeight-before-broadcast write synchronously for self-votes
// (spec section 4.2, "Persistence of last-voted height" -- the write
// must happen before the broadcast returns).
func (s *SHC) toTasks(ctx context.Context, reqs []scstate.Request) []Task {
	var tasks []Task
	for _, r := range reqs {
		switch req := r.(type) {
		case scstate.StartBuildProposalRequest:
			tasks = append(tasks, BuildProposalTask{
				Round: req.Round,
				Init: scmsg.ProposalInit{
					Height:   s.height,
					Round:    req.Round,
					Proposer: s.selfID,
				},
				Timeout: s.timeouts.Build,
			})

		case scstate.BroadcastVoteRequest:
			vote := scmsg.Vote{
				Kind:       req.Kind,
				Height:     s.height,
				Round:      req.Round,
				Commitment: req.Commitment,
				Voter:      s.selfID,
			}
			if err := s.lvh.SetLastVotedHeight(ctx, s.height); err != nil {
				s.log.Error("Failed to persist last voted height before broadcast", "err", err)
				continue
			}
			s.lastSelfVote[req.Kind] = vote
			tasks = append(tasks, BroadcastTask{Vote: vote})
			tasks = append(tasks, RebroadcastTask{Vote: vote, Duration: s.timeouts.Rebroadcast})

		case scstate.ScheduleTimeoutRequest:
			tasks = append(tasks, TimeoutTask{
				Step:     req.Step,
				Round:    req.Round,
				Duration: s.durationFor(req.Step, req.Round),
			})

		case scstate.DecisionReachedRequest:
			// The Manager owns persisting the decided block; it picks
			// this up via TakeDecision once toTasks returns rather than
			// through the Task list, since finalizing a decision is
			// synchronous from the Manager's height loop, not a
			// background task.
			s.pendingDecision = &pendingDecision{round: req.Round, commitment: req.Commitment}

		case scstate.ReproposeRequest:
			s.metrics.IncRepropose()
			tasks = append(tasks, ReproposeTask{
				Commitment: req.Commitment,
				Init: scmsg.ProposalInit{
					Height:     s.height,
					Round:      req.Round,
					Proposer:   s.selfID,
					ValidRound: &req.ValidRound,
				},
			})
		}
	}
	return tasks
}

func (s *SHC) durationFor(step scstate.Step, round scmsg.Round) time.Duration {
	switch step {
	case scstate.StepPropose:
		return s.timeouts.Propose.For(round)
	case scstate.StepPrevote:
		return s.timeouts.Prevote.For(round)
	default:
		return s.timeouts.Precommit.For(round)
	}
}
