package deliberation

import (
	"errors"
	"fmt"
	"time"

	"conclave/internal/config"
	"conclave/internal/logging"
	"conclave/internal/usage"

	"go.uber.org/zap"
)

// ErrStepLimit is the step-ceiling trip. Unlike the other safety layers it
// marks the session failed: reaching it means round accounting itself went
// wrong, so no further nodes run, not even synthesis.
var ErrStepLimit = errors.New("step limit exceeded")

// Supervisor is the loop-prevention supervisor. Four of its five layers
// run here on every transition: step ceiling, round policy, wall-clock
// watchdog, and cost governor. The fifth, topology safety, runs once at
// graph construction (Graph.Validate). Each layer halts the session on its
// own; none depends on another succeeding.
type Supervisor struct {
	stepCeiling int
	roundCap    int // min(absolute cap, configured max rounds)
	maxRounds   int // configured per-session max
	budgetUSD   float64
	deadline    time.Time
	tracker     *usage.Tracker
}

// NewSupervisor builds a supervisor for one session run. The deadline is
// anchored at the session's original start so a resumed session does not
// regain wall-clock budget.
func NewSupervisor(engineCfg config.EngineConfig, st *State, tracker *usage.Tracker) (*Supervisor, error) {
	timeout, err := engineCfg.SessionTimeoutDuration()
	if err != nil {
		return nil, err
	}
	roundCap := st.MaxRounds
	if roundCap > config.AbsoluteRoundCap {
		roundCap = config.AbsoluteRoundCap
	}
	return &Supervisor{
		stepCeiling: config.AbsoluteStepCeiling,
		roundCap:    roundCap,
		maxRounds:   st.MaxRounds,
		budgetUSD:   st.BudgetUSD,
		deadline:    st.StartedAt.Add(timeout),
		tracker:     tracker,
	}, nil
}

// Deadline returns the wall-clock watchdog deadline.
func (s *Supervisor) Deadline() time.Time {
	return s.deadline
}

// CheckStep enforces the step ceiling. Returns ErrStepLimit once total
// node executions reach the cap.
func (s *Supervisor) CheckStep(st *State) error {
	if st.Steps >= s.stepCeiling {
		logging.Get(logging.CategorySafety).Error("step ceiling breached",
			zap.String("session_id", st.SessionID),
			zap.Int("steps", st.Steps))
		return fmt.Errorf("%w: %d node transitions", ErrStepLimit, st.Steps)
	}
	return nil
}

// Check evaluates the round policy, cost governor, and wall-clock watchdog
// against the state and returns the highest-priority tripped reason, or
// StopNone. Priority is fixed so simultaneous trips are deterministic:
// hard round cap > cost budget > timeout > configured max rounds.
func (s *Supervisor) Check(st *State) StopReason {
	log := logging.Get(logging.CategorySafety)

	if st.Round >= config.AbsoluteRoundCap {
		log.Warn("hard round cap reached",
			zap.String("session_id", st.SessionID),
			zap.Int("round", st.Round))
		return StopHardCap
	}

	if cost := s.tracker.TotalCost(); cost >= s.budgetUSD {
		log.Warn("cost budget exceeded",
			zap.String("session_id", st.SessionID),
			zap.Float64("total_cost_usd", cost),
			zap.Float64("budget_usd", s.budgetUSD))
		return StopCostBudget
	}

	if !time.Now().Before(s.deadline) {
		log.Warn("session timeout reached",
			zap.String("session_id", st.SessionID),
			zap.Time("deadline", s.deadline))
		return StopTimeout
	}

	if st.Round >= s.roundCap {
		log.Info("configured max rounds reached",
			zap.String("session_id", st.SessionID),
			zap.Int("round", st.Round),
			zap.Int("max_rounds", s.maxRounds))
		return StopMaxRounds
	}

	return StopNone
}

// Terminates reports whether a stop reason forbids any further panel-call
// node. Cost and timeout stops route straight to synthesis; round-policy
// stops still allow the voting round before synthesis.
func (r StopReason) Terminates() bool {
	switch r {
	case StopCostBudget, StopTimeout, StopStepLimit, StopKilled:
		return true
	}
	return false
}
