package deliberation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"conclave/internal/config"
	"conclave/internal/events"
	"conclave/internal/logging"
	"conclave/internal/types"
	"conclave/internal/usage"

	"go.uber.org/zap"
)

// Suspension sentinels. Both leave the session resumable from its last
// checkpoint; neither is a failure.
var (
	ErrPaused                = errors.New("session paused")
	ErrAwaitingClarification = errors.New("session awaiting clarification")
	// ErrTimedOut is the wall-clock watchdog trip: execution is
	// cancelled, the last checkpoint is preserved, and the session is
	// marked timed_out.
	ErrTimedOut = errors.New("session timed out")
)

// Controls carries the cooperative cancellation flags the run loop checks
// at every node boundary.
type Controls struct {
	pause atomic.Bool
	kill  atomic.Bool
}

// RequestPause asks the run loop to checkpoint and stop at the next node
// boundary.
func (c *Controls) RequestPause() { c.pause.Store(true) }

// RequestKill asks the run loop to retire the session at the next node
// boundary.
func (c *Controls) RequestKill() { c.kill.Store(true) }

// ClearPause re-arms the loop after a resume.
func (c *Controls) ClearPause() { c.pause.Store(false) }

// run bundles the per-run collaborators around one session's state.
// They are rebuilt on every resume; only State is persisted.
type run struct {
	st      *State
	pub     *events.Publisher
	tracker *usage.Tracker
	sup     *Supervisor
}

// Executor drives deliberation sessions through the node graph. A single
// logical thread of control runs nodes one at a time against a state;
// parallelism exists only inside contribution fan-out.
type Executor struct {
	graph       *Graph
	modelClient types.ModelClient
	convergence *ConvergenceEngine
	store       types.CheckpointStore
	bus         *events.Bus
	cfg         *config.Config

	participantTimeout time.Duration
	checkpointTTL      time.Duration
	coalesceWindow     time.Duration

	log *zap.Logger
}

// NewExecutor builds an executor and validates the node graph; an invalid
// graph fails construction before any session can run.
func NewExecutor(cfg *config.Config, modelClient types.ModelClient, scorer types.SimilarityScorer, store types.CheckpointStore, bus *events.Bus) (*Executor, error) {
	graph, err := NewGraph()
	if err != nil {
		return nil, fmt.Errorf("graph validation: %w", err)
	}
	participantTimeout, err := cfg.Engine.ParticipantTimeoutDuration()
	if err != nil {
		return nil, err
	}
	checkpointTTL, err := cfg.Engine.CheckpointTTLDuration()
	if err != nil {
		return nil, err
	}

	return &Executor{
		graph:              graph,
		modelClient:        modelClient,
		convergence:        NewConvergenceEngine(scorer, cfg.Engine),
		store:              store,
		bus:                bus,
		cfg:                cfg,
		participantTimeout: participantTimeout,
		checkpointTTL:      checkpointTTL,
		coalesceWindow:     time.Duration(cfg.Events.CoalesceWindowMS) * time.Millisecond,
		log:                logging.Get(logging.CategoryEngine),
	}, nil
}

// NewSession creates the initial state for a problem.
func (e *Executor) NewSession(problem string) *State {
	return &State{
		SessionID: uuid.New().String(),
		Problem:   problem,
		MaxRounds: e.cfg.Engine.MaxRounds,
		BudgetUSD: e.cfg.Tiers.ActiveBudget(),
		Status:    StatusActive,
		Node:      e.graph.Start(),
		StartedAt: time.Now(),
	}
}

// LoadSession reloads a session's state from its last checkpoint.
func (e *Executor) LoadSession(ctx context.Context, sessionID string) (*State, error) {
	_, blob, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", sessionID, err)
	}
	st, err := DecodeCheckpoint(blob)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Run drives the session until a terminal node, a suspension, or a
// failure. It may be called again after ErrPaused or
// ErrAwaitingClarification resolves; resume continues from the next node,
// never mid-node. The observer always receives a complete or an error
// event before Run returns.
func (e *Executor) Run(ctx context.Context, st *State, ctl *Controls) error {
	if st.Status.Terminal() {
		return nil
	}
	st.Status = StatusActive

	tracker := usage.NewTracker()
	tracker.Restore(st.Usage)
	sup, err := NewSupervisor(e.cfg.Engine, st, tracker)
	if err != nil {
		return err
	}
	pub := events.NewPublisher(e.bus, st.SessionID, e.coalesceWindow)
	pub.RestoreSequence(st.EventSequence)
	r := &run{st: st, pub: pub, tracker: tracker, sup: sup}

	// Wall-clock watchdog: the deadline covers the whole session,
	// anchored at its original start, and forcibly cancels outstanding
	// panel calls when it fires.
	ctx, cancel := context.WithDeadline(ctx, sup.Deadline())
	defer cancel()
	defer pub.Flush()

	if st.Steps == 0 && st.Node == e.graph.Start() {
		pub.Publish(events.TypeSessionStarted, map[string]any{
			"problem":    st.Problem,
			"max_rounds": st.MaxRounds,
			"budget_usd": st.BudgetUSD,
		})
	}

	for {
		if st.Node == NodeTerminal {
			return e.finish(ctx, r)
		}

		if ctl.kill.Load() {
			return e.retire(ctx, r, StatusKilled, StopKilled)
		}
		if ctl.pause.Load() {
			st.Status = StatusPaused
			e.saveCheckpoint(ctx, r)
			return ErrPaused
		}
		if ctx.Err() != nil {
			return e.handleCancel(ctx, r)
		}

		// Layer 1: step ceiling. A breach is a failure, not a routed stop.
		if err := sup.CheckStep(st); err != nil {
			st.recordStop(StopStepLimit, true)
			return e.fail(ctx, r, err)
		}
		// Layers 3, 4, 5 in fixed priority order.
		if reason := sup.Check(st); reason != StopNone {
			st.recordStop(reason, reason.Terminates())
		}

		if st.Status == StatusWaitingClarification {
			if cl := st.Clarification; cl != nil && !cl.Answered && time.Now().Before(cl.Deadline) {
				e.saveCheckpoint(ctx, r)
				return ErrAwaitingClarification
			}
			// Answer arrived or the deadline passed; the facilitator node
			// applies it.
			st.Status = StatusActive
		}

		node := st.Node
		next, err := e.runNode(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return e.handleCancel(ctx, r)
			}
			return e.fail(ctx, r, err)
		}
		if !e.graph.Legal(node, next) {
			// A routing fault is a logic bug; state is preserved for
			// diagnosis, the session is done.
			return e.fail(ctx, r, fmt.Errorf("routing fault: %s -> %s is not a legal edge", node, next))
		}

		st.Steps++
		st.Node = next
		e.saveCheckpoint(ctx, r)
	}
}

// saveCheckpoint snapshots derived counters into state and persists it.
// Runs after every node so suspension at any node boundary is resumable.
func (e *Executor) saveCheckpoint(ctx context.Context, r *run) {
	st := r.st
	// Buffered events must reach the bus before the counter is captured,
	// or resume would reissue their sequence numbers.
	r.pub.Flush()
	st.EventSequence = r.pub.Sequence()
	st.Usage = r.tracker.Snapshot()

	blob, err := EncodeCheckpoint(st)
	if err != nil {
		e.log.Error("checkpoint encode failed",
			zap.String("session_id", st.SessionID), zap.Error(err))
		return
	}
	// Saving must survive a dead run context (timeout, kill).
	saveCtx := ctx
	if saveCtx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.store.Save(saveCtx, st.SessionID, st.Steps, blob, e.checkpointTTL); err != nil {
		// The session keeps running without a fresh checkpoint; resume
		// would restart from the previous one.
		e.log.Warn("checkpoint save failed",
			zap.String("session_id", st.SessionID), zap.Error(err))
	}
}

// finish retires a session that reached the terminal node.
func (e *Executor) finish(ctx context.Context, r *run) error {
	st := r.st
	st.Status = StatusCompleted
	r.pub.Publish(events.TypeComplete, map[string]any{
		"status":          string(st.Status),
		"stop_reason":     string(st.StopReason),
		"total_cost_usd":  r.tracker.TotalCost(),
		"rounds":          st.Round,
		"final_synthesis": st.FinalSynthesis,
		"warnings":        st.Warnings,
	})
	e.saveCheckpoint(ctx, r)
	e.log.Info("session complete",
		zap.String("session_id", st.SessionID),
		zap.String("stop_reason", string(st.StopReason)),
		zap.Float64("total_cost_usd", r.tracker.TotalCost()))
	return nil
}

// retire ends a session on an operator request without error.
func (e *Executor) retire(ctx context.Context, r *run, status Status, reason StopReason) error {
	st := r.st
	st.Status = status
	st.recordStop(reason, true)
	r.pub.Publish(events.TypeComplete, map[string]any{
		"status":         string(status),
		"stop_reason":    string(st.StopReason),
		"total_cost_usd": r.tracker.TotalCost(),
	})
	e.saveCheckpoint(ctx, r)
	return nil
}

// fail marks the session failed with full state preserved for post-mortem.
func (e *Executor) fail(ctx context.Context, r *run, cause error) error {
	st := r.st
	st.Status = StatusFailed
	r.pub.Publish(events.TypeError, map[string]any{
		"error":       cause.Error(),
		"node":        string(st.Node),
		"stop_reason": string(st.StopReason),
	})
	e.saveCheckpoint(ctx, r)
	e.log.Error("session failed",
		zap.String("session_id", st.SessionID),
		zap.String("node", string(st.Node)),
		zap.Error(cause))
	return cause
}

// handleCancel distinguishes the watchdog deadline from an external
// context cancellation. Either way the last checkpoint is preserved and
// the observer gets a final event.
func (e *Executor) handleCancel(ctx context.Context, r *run) error {
	st := r.st
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		st.Status = StatusTimedOut
		st.recordStop(StopTimeout, true)
		r.pub.Publish(events.TypeError, map[string]any{
			"error":       "session timeout reached",
			"stop_reason": string(StopTimeout),
		})
		e.saveCheckpoint(ctx, r)
		return ErrTimedOut
	}
	// External cancellation behaves like a pause: resumable later.
	st.Status = StatusPaused
	e.saveCheckpoint(ctx, r)
	return ctx.Err()
}
