// Package scengine owns the Consensus Manager: the per-height loop that
// creates a fresh Single-Height Consensus mediator, pumps network and
// task-completion events through it, and persists decisions via the
// Batched Writer (spec section 4.3).
package scengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starkware-libs/sequencer-sub003/consensus/scdriver"
	"github.com/starkware-libs/sequencer-sub003/consensus/scengine/internal/scheight"
	"github.com/starkware-libs/sequencer-sub003/consensus/scengine/internal/scstate"
	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
	"github.com/starkware-libs/sequencer-sub003/consensus/scstore"
	"github.com/starkware-libs/sequencer-sub003/internal/schan"
)

// ValidatorSetSource returns the validator set and quorum type effective
// at height. Most deployments return the same set for every height; the
// interface exists so a caller can rotate validators between heights
// without touching the Manager.
type ValidatorSetSource interface {
	ValidatorSetForHeight(ctx context.Context, height scmsg.Height) (scmsg.ValidatorSet, scmsg.QuorumType, error)
}

// Inbound is the network-facing surface the Manager's height loop
// selects over, alongside task completions it generates itself.
type Inbound struct {
	Proposals chan InboundProposal
	Votes     chan scmsg.Vote

	// SyncJump carries an externally-finalized height the Manager should
	// jump forward to, aborting whatever height is currently active
	// (spec section 4.3, "On external sync indication").
	SyncJump chan scmsg.Height
}

// InboundProposal is a received proposal stream, already framed into an
// Init and its content.
type InboundProposal struct {
	Init    scmsg.ProposalInit
	Content []byte
}

// Manager runs the per-height consensus loop described in spec section
// 4.3. Construct with New and run with Run, which blocks until ctx is
// cancelled.
type Manager struct {
	log *slog.Logger

	cc       scdriver.ConsensusContext
	valSrc   ValidatorSetSource
	store    scstore.BatchedWriter
	timeouts scheight.TimeoutConfig
	metrics  managerMetrics

	selfID   scmsg.ValidatorID
	observer bool

	in Inbound
}

type managerMetrics interface {
	scstate.Metrics
	scheight.Metrics
	IncBuildProposalStarted()
	IncBuildProposalFailed()
}

type noopManagerMetrics struct{}

func (noopManagerMetrics) IncRound()              {}
func (noopManagerMetrics) IncRoundAboveZero()      {}
func (noopManagerMetrics) IncNewValueLock()        {}
func (noopManagerMetrics) IncHeldLock()            {}
func (noopManagerMetrics) IncTimeout(scmsg.Step)   {}
func (noopManagerMetrics) IncConflictingVote()     {}
func (noopManagerMetrics) IncProposalValidated()   {}
func (noopManagerMetrics) IncProposalInvalid()     {}
func (noopManagerMetrics) IncProposalInterrupted() {}
func (noopManagerMetrics) IncRepropose()           {}
func (noopManagerMetrics) IncBuildProposalStarted() {}
func (noopManagerMetrics) IncBuildProposalFailed()  {}

// New returns a Manager built from opts. See the With* functions in
// opts.go for the available options.
func New(log *slog.Logger, opts ...Opt) (*Manager, error) {
	m := &Manager{
		log:      log,
		timeouts: scheight.DefaultTimeoutConfig(),
		metrics:  noopManagerMetrics{},
		in: Inbound{
			Proposals: make(chan InboundProposal),
			Votes:     make(chan scmsg.Vote),
			SyncJump:  make(chan scmsg.Height),
		},
	}
	var err error
	for _, opt := range opts {
		err = errors.Join(err, opt(m))
	}
	if err != nil {
		return nil, err
	}
	if m.cc == nil {
		return nil, fmt.Errorf("scengine: no consensus context set (use scengine.WithConsensusContext)")
	}
	if m.valSrc == nil {
		return nil, fmt.Errorf("scengine: no validator set source set (use scengine.WithValidatorSetSource)")
	}
	if m.store == nil {
		return nil, fmt.Errorf("scengine: no batched writer set (use scengine.WithBatchedWriter)")
	}
	return m, nil
}

// Inbound returns the channels the network layer feeds. The Manager owns
// these for its lifetime.
func (m *Manager) Inbound() Inbound { return m.in }

// Run executes the height loop until ctx is cancelled (spec section 4.3).
// On startup it reads the header marker and refuses to run if
// LastVotedHeight is already at or beyond it, per the safety guard.
func (m *Manager) Run(ctx context.Context) error {
	next, err := m.store.Marker(ctx, scstore.TableHeader)
	if errors.Is(err, scstore.ErrStoreUninitialized) {
		next = 0
	} else if err != nil {
		return fmt.Errorf("scengine: reading header marker: %w", err)
	}

	lvh, err := m.store.LastVotedHeight(ctx)
	if err != nil {
		return fmt.Errorf("scengine: reading last voted height: %w", err)
	}
	if lvh >= next {
		return fmt.Errorf("scengine: refusing to start: last voted height %d >= next height %d", lvh, next)
	}

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}

		decided, err := m.runHeight(ctx, next)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("scengine: height %d: %w", next, err)
		}
		if decided == nil {
			// The SyncJump channel was closed; run the same height
			// again.
			continue
		}
		next = *decided + 1
	}
}

// runHeight drives a single SHC to completion, returning the height that
// was decided (normally the height passed in). When an external sync jump
// to a higher height h aborts it, it returns h, so Run resumes at h+1. It
// returns nil with a nil error if the SyncJump channel is closed.
func (m *Manager) runHeight(ctx context.Context, height scmsg.Height) (*scmsg.Height, error) {
	valSet, quorum, err := m.valSrc.ValidatorSetForHeight(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("loading validator set: %w", err)
	}

	proposer := RoundRobinProposer(valSet)

	shc := scheight.New(
		m.log.With("height", height),
		height, valSet, quorum, m.selfID, m.observer,
		proposer, m.store, m.timeouts, m.metrics, m.metrics,
	)

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskCh := make(chan scheight.InboundEvent, 16)

	for _, t := range shc.Start(hctx) {
		m.spawnTask(hctx, t, taskCh)
	}
	if round, commit, ok := shc.TakeDecision(); ok {
		return m.finalize(ctx, height, round, commit, shc)
	}

	for {
		select {
		case <-hctx.Done():
			return nil, context.Cause(hctx)

		case h, ok := <-m.in.SyncJump:
			if !ok {
				return nil, nil
			}
			if h <= height {
				continue
			}
			m.log.Info("Aborting height due to external sync jump", "height", height, "jump_to", h)
			return &h, nil

		case p := <-m.in.Proposals:
			for _, t := range shc.HandleProposal(p.Init, byteReader(p.Content)) {
				m.spawnTask(hctx, t, taskCh)
			}

		case v := <-m.in.Votes:
			for _, t := range shc.HandleVote(hctx, v) {
				m.spawnTask(hctx, t, taskCh)
			}

		case ev, ok := <-taskCh:
			if !ok {
				return nil, nil
			}
			for _, t := range shc.HandleEvent(hctx, ev) {
				m.spawnTask(hctx, t, taskCh)
			}
		}

		if round, commit, ok := shc.TakeDecision(); ok {
			return m.finalize(ctx, height, round, commit, shc)
		}
	}
}

func (m *Manager) finalize(ctx context.Context, height scmsg.Height, round scmsg.Round, commit scmsg.Commitment, shc *scheight.SHC) (*scmsg.Height, error) {
	decision, err := shc.Decision(round, commit)
	if err != nil {
		return nil, fmt.Errorf("assembling decision: %w", err)
	}

	rec, err := m.cc.FinalizedRecord(ctx, decision.Commitment)
	if err != nil {
		return nil, fmt.Errorf("loading finalized record: %w", err)
	}

	if err := m.store.EnqueueBlock(rec); err != nil {
		return nil, fmt.Errorf("enqueueing decided block: %w", err)
	}
	if m.store.QueueLen() >= m.store.BatchSize() {
		if err := m.store.Flush(ctx); err != nil {
			return nil, fmt.Errorf("flushing batched writer: %w", err)
		}
	}

	m.log.Info("Height decided", "height", height, "round", round, "commitment", decision.Commitment)
	return &height, nil
}

func (m *Manager) spawnTask(ctx context.Context, t scheight.Task, out chan<- scheight.InboundEvent) {
	switch task := t.(type) {
	case scheight.TimeoutTask:
		go func() {
			timer := time.NewTimer(task.Duration)
			defer timer.Stop()
			select {
			case <-timer.C:
				schan.SendC(ctx, m.log, out, scheight.InboundEvent(scheight.TimerFireEvent{
					Step: task.Step, Round: task.Round,
				}), "delivering timeout")
			case <-ctx.Done():
			}
		}()

	case scheight.RebroadcastTask:
		go func() {
			timer := time.NewTimer(task.Duration)
			defer timer.Stop()
			select {
			case <-timer.C:
				schan.SendC(ctx, m.log, out, scheight.InboundEvent(scheight.RebroadcastFireEvent{
					Kind: task.Vote.Kind, Round: task.Vote.Round,
				}), "delivering rebroadcast")
			case <-ctx.Done():
			}
		}()

	case scheight.BuildProposalTask:
		go func() {
			taskID := uuid.New()
			log := m.log.With("task_id", taskID, "round", task.Round)
			m.metrics.IncBuildProposalStarted()
			log.Debug("Starting proposal build")
			resCh := m.cc.BuildProposal(ctx, task.Init, task.Timeout)
			res, ok := schan.RecvC(ctx, log, resCh, "receiving build result")
			if !ok {
				log.Info("Proposal build cancelled before completion")
				return
			}
			if res.Err != nil || res.Commitment == nil {
				m.metrics.IncBuildProposalFailed()
				log.Info("Proposal build failed", "err", res.Err)
			}
			schan.SendC(ctx, log, out, scheight.InboundEvent(scheight.FinishedBuildingEvent{
				Round: task.Round, Commitment: res.Commitment, Interrupted: res.Interrupted,
			}), "delivering build completion")
		}()

	case scheight.ValidateProposalTask:
		go func() {
			resCh := m.cc.ValidateProposal(ctx, task.Init, task.Timeout, task.Content)
			res, ok := schan.RecvC(ctx, m.log, resCh, "receiving validate result")
			if !ok {
				return
			}
			schan.SendC(ctx, m.log, out, scheight.InboundEvent(scheight.FinishedValidationEvent{
				Init: task.Init, Commitment: res.Commitment, Interrupted: res.Interrupted,
			}), "delivering validate completion")
		}()

	case scheight.BroadcastTask:
		go func() {
			if err := m.cc.Broadcast(ctx, task.Vote); err != nil {
				m.log.Error("Failed to broadcast vote", "err", err, "kind", task.Vote.Kind, "round", task.Vote.Round)
			}
		}()

	case scheight.ReproposeTask:
		go func() {
			if err := m.cc.Repropose(ctx, task.Commitment, task.Init); err != nil {
				m.log.Error("Failed to repropose", "err", err, "round", task.Init.Round)
			}
		}()
	}
}

func byteReader(b []byte) io.Reader { return bytes.NewReader(b) }

// RoundRobinProposer returns a ProposerFunc that cycles through valSet's
// members in declared order, advancing by one per round and wrapping at
// the height boundary so every height starts from a different offset.
func RoundRobinProposer(valSet scmsg.ValidatorSet) scstate.ProposerFunc {
	members := valSet.Validators()
	return func(height scmsg.Height, round scmsg.Round) scmsg.ValidatorID {
		if len(members) == 0 {
			return ""
		}
		idx := (uint64(height) + uint64(round)) % uint64(len(members))
		return members[idx].ID
	}
}
