// Package deliberation implements the deliberation orchestration engine:
// the graph executor state machine, the five-layer loop-prevention
// supervisor, convergence/drift detection, checkpoint/resume, and the
// session registry.
package deliberation

import (
	"time"

	"conclave/internal/types"
	"conclave/internal/usage"
)

// Status is the lifecycle state of a deliberation session.
type Status string

const (
	StatusActive               Status = "active"
	StatusPaused               Status = "paused"
	StatusWaitingClarification Status = "waiting_clarification"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusKilled               Status = "killed"
	StatusTimedOut             Status = "timed_out"
)

// Terminal reports whether no further execution is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusTimedOut:
		return true
	}
	return false
}

// StopReason records why deliberation stopped driving panel rounds.
type StopReason string

const (
	StopNone       StopReason = ""
	StopStepLimit  StopReason = "step_limit_exceeded"
	StopHardCap    StopReason = "hard_cap"
	StopCostBudget StopReason = "cost_budget_exceeded"
	StopTimeout    StopReason = "timeout"
	StopConsensus  StopReason = "consensus"
	StopMaxRounds  StopReason = "max_rounds"
	StopVoteCalled StopReason = "facilitator_vote"
	StopKilled     StopReason = "killed"
)

// SubProblem is an atomic decomposition unit of the decision problem.
type SubProblem struct {
	ID        string   `json:"id"`
	Goal      string   `json:"goal"`
	DependsOn []string `json:"depends_on,omitempty"`
	Completed bool     `json:"completed"`
	Skipped   bool     `json:"skipped,omitempty"`
	Synthesis string   `json:"synthesis,omitempty"`
}

// Participant is a simulated expert viewpoint on the panel.
type Participant struct {
	Code        string   `json:"code"`
	DisplayName string   `json:"display_name"`
	Archetype   string   `json:"archetype"`
	DomainTags  []string `json:"domain_tags,omitempty"`
}

// Contribution is one participant's text for one round.
type Contribution struct {
	Participant string              `json:"participant"`
	SubProblem  string              `json:"sub_problem"`
	Round       int                 `json:"round"`
	Phase       string              `json:"phase"`
	Text        string              `json:"text"`
	Summary     string              `json:"summary,omitempty"`
	Usage       types.UsageMetadata `json:"usage"`
}

// Vote is a participant's final position on the active sub-problem.
type Vote struct {
	Participant string `json:"participant"`
	SubProblem  string `json:"sub_problem"`
	Position    string `json:"position"`
	Rationale   string `json:"rationale,omitempty"`
}

// Clarification is pending external input the engine is waiting on.
type Clarification struct {
	Question string    `json:"question"`
	Deadline time.Time `json:"deadline"`
	Default  string    `json:"default"`
	Answer   string    `json:"answer,omitempty"`
	Answered bool      `json:"answered"`
}

// State is the single mutable aggregate threaded through every node.
// It is mutated exclusively by node handlers, one node at a time;
// contribution collection within a round is internally parallel but
// merged atomically before the next node runs.
type State struct {
	SessionID string `json:"session_id"`
	Problem   string `json:"problem"`

	SubProblems      []SubProblem  `json:"sub_problems"`
	ActiveSubProblem int           `json:"active_sub_problem"`
	Panel            []Participant `json:"panel"`
	Contributions    []Contribution `json:"contributions"`
	Votes            []Vote        `json:"votes,omitempty"`

	// Round is scoped to the active sub-problem; monotonic non-decreasing
	// within it, reset when the next sub-problem starts.
	Round     int `json:"round"`
	MaxRounds int `json:"max_rounds"`

	// BudgetUSD is the tier budget captured at session start so resume
	// does not depend on live tier configuration.
	BudgetUSD float64 `json:"budget_usd"`

	Usage            usage.Snapshot `json:"usage"`
	ConvergenceScore float64        `json:"convergence_score"`
	DriftFlags       int            `json:"drift_flags"`

	Terminated bool       `json:"terminated"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Status     Status     `json:"status"`

	Clarification *Clarification `json:"clarification,omitempty"`

	FinalSynthesis string   `json:"final_synthesis,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`

	// Node is the next node the executor will run.
	Node Node `json:"node"`
	// Steps counts node executions, for the step-ceiling safety layer.
	Steps int `json:"steps"`
	// EventSequence mirrors the publisher's last emitted sequence number
	// so the stream stays contiguous across resume.
	EventSequence uint64 `json:"event_sequence"`

	StartedAt time.Time `json:"started_at"`
}

// Active returns the active sub-problem, or nil past the end.
func (s *State) Active() *SubProblem {
	if s.ActiveSubProblem < 0 || s.ActiveSubProblem >= len(s.SubProblems) {
		return nil
	}
	return &s.SubProblems[s.ActiveSubProblem]
}

// RoundContributions returns debate-phase contributions of the given round
// for the active sub-problem.
func (s *State) RoundContributions(round int) []Contribution {
	active := s.Active()
	if active == nil {
		return nil
	}
	var out []Contribution
	for _, c := range s.Contributions {
		if c.SubProblem == active.ID && c.Round == round {
			out = append(out, c)
		}
	}
	return out
}

// SubProblemContributions returns all contributions for a sub-problem.
func (s *State) SubProblemContributions(id string) []Contribution {
	var out []Contribution
	for _, c := range s.Contributions {
		if c.SubProblem == id {
			out = append(out, c)
		}
	}
	return out
}

// recordStop records a stop reason. The first recorded reason wins
// within its class, but a terminating reason displaces a non-terminating
// one so the reported reason matches why the session actually stopped.
// Supervisor checks run in priority order so the recorded reason is
// deterministic when several trip at once.
func (s *State) recordStop(reason StopReason, terminate bool) {
	if s.StopReason == StopNone || (terminate && !s.StopReason.Terminates()) {
		s.StopReason = reason
	}
	if terminate {
		s.Terminated = true
	}
}
