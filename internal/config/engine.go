package config

import (
	"fmt"
	"time"
)

// Hard engine limits. These are absolute caps; per-session configuration
// can only tighten them, never exceed them.
const (
	// AbsoluteStepCeiling caps total node executions per session.
	AbsoluteStepCeiling = 55
	// AbsoluteRoundCap caps deliberation rounds regardless of session config.
	AbsoluteRoundCap = 15
)

// EngineConfig holds graph-executor and safety-layer settings.
type EngineConfig struct {
	// MaxRounds is the per-session round cap (default 7). Clamped to
	// AbsoluteRoundCap.
	MaxRounds int `yaml:"max_rounds"`

	// SessionTimeout is the wall-clock watchdog, duration string (default 3600s).
	SessionTimeout string `yaml:"session_timeout"`

	// ParticipantTimeout bounds each panel member's call inside a round.
	ParticipantTimeout string `yaml:"participant_timeout"`

	// ConvergenceThreshold is the mean pairwise similarity at or above
	// which a round with 2+ completed rounds is converged (default 0.85).
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`

	// NoveltyThreshold: a round whose contributions all score above this
	// similarity to history adds nothing new.
	NoveltyThreshold float64 `yaml:"novelty_threshold"`

	// DriftThreshold: a contribution below this similarity to the
	// sub-problem goal is flagged as off-topic.
	DriftThreshold float64 `yaml:"drift_threshold"`

	// DriftSignalCount is how many drift flags accumulate before the
	// facilitator is signalled to intervene (default 2).
	DriftSignalCount int `yaml:"drift_signal_count"`

	// MinPanelSize and MaxPanelSize bound the selected panel.
	MinPanelSize int `yaml:"min_panel_size"`
	MaxPanelSize int `yaml:"max_panel_size"`

	// CheckpointTTL is how long checkpoints stay loadable (default 168h).
	CheckpointTTL string `yaml:"checkpoint_ttl"`
}

// DefaultEngine returns the engine defaults.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		MaxRounds:            7,
		SessionTimeout:       "3600s",
		ParticipantTimeout:   "120s",
		ConvergenceThreshold: 0.85,
		NoveltyThreshold:     0.90,
		DriftThreshold:       0.35,
		DriftSignalCount:     2,
		MinPanelSize:         3,
		MaxPanelSize:         5,
		CheckpointTTL:        "168h",
	}
}

// Validate checks engine limits are within acceptable ranges.
func (e *EngineConfig) Validate() error {
	if e.MaxRounds < 1 {
		return fmt.Errorf("engine.max_rounds must be >= 1")
	}
	if e.MaxRounds > AbsoluteRoundCap {
		return fmt.Errorf("engine.max_rounds must be <= %d", AbsoluteRoundCap)
	}
	if e.ConvergenceThreshold <= 0 || e.ConvergenceThreshold > 1 {
		return fmt.Errorf("engine.convergence_threshold must be in (0,1]")
	}
	if e.DriftThreshold < 0 || e.DriftThreshold >= 1 {
		return fmt.Errorf("engine.drift_threshold must be in [0,1)")
	}
	if e.MinPanelSize < 2 {
		return fmt.Errorf("engine.min_panel_size must be >= 2")
	}
	if e.MaxPanelSize < e.MinPanelSize {
		return fmt.Errorf("engine.max_panel_size must be >= min_panel_size")
	}
	if _, err := e.SessionTimeoutDuration(); err != nil {
		return fmt.Errorf("engine.session_timeout: %w", err)
	}
	if _, err := e.ParticipantTimeoutDuration(); err != nil {
		return fmt.Errorf("engine.participant_timeout: %w", err)
	}
	if _, err := e.CheckpointTTLDuration(); err != nil {
		return fmt.Errorf("engine.checkpoint_ttl: %w", err)
	}
	return nil
}

// EffectiveRoundCap returns min(AbsoluteRoundCap, MaxRounds).
func (e *EngineConfig) EffectiveRoundCap() int {
	if e.MaxRounds < AbsoluteRoundCap {
		return e.MaxRounds
	}
	return AbsoluteRoundCap
}

// SessionTimeoutDuration parses the session timeout.
func (e *EngineConfig) SessionTimeoutDuration() (time.Duration, error) {
	return parseDurationDefault(e.SessionTimeout, 3600*time.Second)
}

// ParticipantTimeoutDuration parses the per-participant timeout.
func (e *EngineConfig) ParticipantTimeoutDuration() (time.Duration, error) {
	return parseDurationDefault(e.ParticipantTimeout, 120*time.Second)
}

// CheckpointTTLDuration parses the checkpoint TTL.
func (e *EngineConfig) CheckpointTTLDuration() (time.Duration, error) {
	return parseDurationDefault(e.CheckpointTTL, 168*time.Hour)
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}
