// Package events implements the engine's outward event pipeline: versioned
// JSON envelopes, per-session contiguous sequencing, per-participant
// micro-batching, and a bus with bounded retention for observers.
package events

import "time"

// SchemaVersion is the envelope schema version the server reports.
// Consumers negotiate additively; deprecated fields persist for a grace
// period before a version bump removes them.
const SchemaVersion = 1

// Type identifies an event in the taxonomy.
type Type string

const (
	TypeSessionStarted           Type = "session_started"
	TypeDecompositionComplete    Type = "decomposition_complete"
	TypePersonaSelected          Type = "persona_selected"
	TypePersonaSelectionComplete Type = "persona_selection_complete"
	TypeSubproblemStarted        Type = "subproblem_started"
	TypeInitialRoundStarted      Type = "initial_round_started"
	TypeRoundStarted             Type = "round_started"
	TypeContribution             Type = "contribution"
	TypeExpertStarted            Type = "expert_started"
	TypeExpertReasoning          Type = "expert_reasoning"
	TypeExpertConcluded          Type = "expert_concluded"
	// TypeExpertContributionComplete is the merged form of the per-expert
	// lifecycle events above.
	TypeExpertContributionComplete Type = "expert_contribution_complete"
	TypeConvergence                Type = "convergence"
	TypeDriftSignal                Type = "drift_signal"
	TypeModeratorIntervention      Type = "moderator_intervention"
	TypeClarificationRequired      Type = "clarification_required"
	TypeClarificationAnswered      Type = "clarification_answered"
	TypeContextInsufficient        Type = "context_insufficient"
	TypeVotingComplete             Type = "voting_complete"
	TypeSynthesisComplete          Type = "synthesis_complete"
	TypeMetaSynthesisComplete      Type = "meta_synthesis_complete"
	TypePhaseCostBreakdown         Type = "phase_cost_breakdown"
	TypeComplete                   Type = "complete"
	TypeError                      Type = "error"
)

// Event is the immutable envelope published to observers. Envelopes are
// append-only history; they are published once and never mutated.
type Event struct {
	Type          Type           `json:"event_type"`
	SessionID     string         `json:"session_id"`
	Sequence      uint64         `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data"`
	SchemaVersion int            `json:"schema_version"`
}

// synchronous lists the event types that bypass buffering entirely. These
// mark state transitions a consumer must observe without delay; publishing
// one first flushes any buffered per-participant events so session order
// is preserved.
var synchronous = map[Type]bool{
	TypeSessionStarted:           true,
	TypeDecompositionComplete:    true,
	TypePersonaSelectionComplete: true,
	TypeSubproblemStarted:        true,
	TypeInitialRoundStarted:      true,
	TypeRoundStarted:             true,
	TypeConvergence:              true,
	TypeDriftSignal:              true,
	TypeModeratorIntervention:    true,
	TypeClarificationRequired:    true,
	TypeClarificationAnswered:    true,
	TypeContextInsufficient:      true,
	TypeVotingComplete:           true,
	TypeSynthesisComplete:        true,
	TypeMetaSynthesisComplete:    true,
	TypePhaseCostBreakdown:       true,
	TypeComplete:                 true,
	TypeError:                    true,
}

// Synchronous reports whether an event type bypasses buffering.
func Synchronous(t Type) bool {
	return synchronous[t]
}
