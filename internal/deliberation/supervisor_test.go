package deliberation

import (
	"errors"
	"testing"
	"time"

	"conclave/internal/config"
	"conclave/internal/types"
	"conclave/internal/usage"
)

func newTestSupervisor(t *testing.T, st *State) (*Supervisor, *usage.Tracker) {
	t.Helper()
	tracker := usage.NewTracker()
	sup, err := NewSupervisor(config.DefaultEngine(), st, tracker)
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	return sup, tracker
}

func freshState() *State {
	return &State{
		SessionID: "sup-test",
		MaxRounds: 7,
		BudgetUSD: 0.50,
		Status:    StatusActive,
		StartedAt: time.Now(),
	}
}

func TestSupervisor_CheckStep(t *testing.T) {
	st := freshState()
	sup, _ := newTestSupervisor(t, st)

	st.Steps = config.AbsoluteStepCeiling - 1
	if err := sup.CheckStep(st); err != nil {
		t.Fatalf("CheckStep() below ceiling error = %v", err)
	}

	st.Steps = config.AbsoluteStepCeiling
	if err := sup.CheckStep(st); !errors.Is(err, ErrStepLimit) {
		t.Fatalf("CheckStep() at ceiling error = %v, want ErrStepLimit", err)
	}
}

func TestSupervisor_CheckClean(t *testing.T) {
	st := freshState()
	sup, _ := newTestSupervisor(t, st)

	if got := sup.Check(st); got != StopNone {
		t.Fatalf("Check() = %s, want StopNone", got)
	}
}

func TestSupervisor_HardRoundCap(t *testing.T) {
	// Even a session configured to the maximum never debates past the
	// absolute cap.
	st := freshState()
	st.MaxRounds = config.AbsoluteRoundCap
	sup, _ := newTestSupervisor(t, st)

	st.Round = config.AbsoluteRoundCap
	if got := sup.Check(st); got != StopHardCap {
		t.Fatalf("Check() = %s, want %s", got, StopHardCap)
	}
}

func TestSupervisor_ConfiguredMaxRounds(t *testing.T) {
	st := freshState()
	st.MaxRounds = 3
	sup, _ := newTestSupervisor(t, st)

	st.Round = 2
	if got := sup.Check(st); got != StopNone {
		t.Fatalf("Check() at round 2 = %s, want StopNone", got)
	}
	st.Round = 3
	if got := sup.Check(st); got != StopMaxRounds {
		t.Fatalf("Check() at round 3 = %s, want %s", got, StopMaxRounds)
	}
}

func TestSupervisor_CostGovernor(t *testing.T) {
	st := freshState()
	sup, tracker := newTestSupervisor(t, st)

	tracker.Record("debate", types.UsageMetadata{CostUSD: 0.49})
	if got := sup.Check(st); got != StopNone {
		t.Fatalf("Check() under budget = %s, want StopNone", got)
	}

	tracker.Record("debate", types.UsageMetadata{CostUSD: 0.02})
	if got := sup.Check(st); got != StopCostBudget {
		t.Fatalf("Check() over budget = %s, want %s", got, StopCostBudget)
	}
}

func TestSupervisor_WallClockWatchdog(t *testing.T) {
	st := freshState()
	// Anchored at the original start: a session that already consumed its
	// wall-clock budget is out of time on resume too.
	st.StartedAt = time.Now().Add(-2 * time.Hour)
	sup, _ := newTestSupervisor(t, st)

	if got := sup.Check(st); got != StopTimeout {
		t.Fatalf("Check() past deadline = %s, want %s", got, StopTimeout)
	}
	if !sup.Deadline().Before(time.Now()) {
		t.Fatal("Deadline() should be anchored at the original StartedAt")
	}
}

func TestSupervisor_PriorityOrder(t *testing.T) {
	// Several layers tripping at once must report deterministically.
	st := freshState()
	st.MaxRounds = config.AbsoluteRoundCap
	st.StartedAt = time.Now().Add(-2 * time.Hour)
	sup, tracker := newTestSupervisor(t, st)
	tracker.Record("debate", types.UsageMetadata{CostUSD: 1.0})

	st.Round = config.AbsoluteRoundCap
	if got := sup.Check(st); got != StopHardCap {
		t.Fatalf("Check() = %s, want hard cap to outrank cost and timeout", got)
	}

	st.Round = 0
	if got := sup.Check(st); got != StopCostBudget {
		t.Fatalf("Check() = %s, want cost to outrank timeout", got)
	}
}

func TestStopReason_Terminates(t *testing.T) {
	terminating := []StopReason{StopCostBudget, StopTimeout, StopStepLimit, StopKilled}
	for _, r := range terminating {
		if !r.Terminates() {
			t.Errorf("%s.Terminates() = false, want true", r)
		}
	}
	// Round-policy and consensus stops still allow the voting round.
	nonTerminating := []StopReason{StopNone, StopConsensus, StopMaxRounds, StopHardCap, StopVoteCalled}
	for _, r := range nonTerminating {
		if r.Terminates() {
			t.Errorf("%s.Terminates() = true, want false", r)
		}
	}
}

func TestState_RecordStop(t *testing.T) {
	t.Run("first reason wins within a class", func(t *testing.T) {
		st := freshState()
		st.recordStop(StopMaxRounds, false)
		st.recordStop(StopConsensus, false)
		if st.StopReason != StopMaxRounds {
			t.Fatalf("StopReason = %s, want first recorded reason", st.StopReason)
		}
		if st.Terminated {
			t.Fatal("Terminated latched by non-terminating reasons")
		}
	})

	t.Run("terminating reason displaces non-terminating", func(t *testing.T) {
		st := freshState()
		st.recordStop(StopVoteCalled, false)
		st.recordStop(StopCostBudget, true)
		if st.StopReason != StopCostBudget {
			t.Fatalf("StopReason = %s, want the terminating reason", st.StopReason)
		}
		if !st.Terminated {
			t.Fatal("Terminated should latch")
		}
	})

	t.Run("terminating reason is never displaced", func(t *testing.T) {
		st := freshState()
		st.recordStop(StopCostBudget, true)
		st.recordStop(StopTimeout, true)
		if st.StopReason != StopCostBudget {
			t.Fatalf("StopReason = %s, want first terminating reason", st.StopReason)
		}
	})
}
