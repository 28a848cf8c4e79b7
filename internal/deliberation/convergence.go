package deliberation

import (
	"context"
	"fmt"

	"conclave/internal/config"
	"conclave/internal/logging"
	"conclave/internal/types"

	"go.uber.org/zap"
)

// ConvergenceResult is the convergence/drift engine's verdict on a round.
type ConvergenceResult struct {
	// Score is the mean pairwise similarity across the round's
	// contributions, 0 when undefined.
	Score float64 `json:"score"`
	// Converged is true when the panel agrees and history shows the round
	// added nothing new, after at least two completed rounds.
	Converged bool `json:"converged"`
	// NoveltyScore measures how much the round adds over prior
	// contributions: 1 - mean similarity to history. High novelty blocks
	// convergence even when participants agree with each other.
	NoveltyScore float64 `json:"novelty_score"`
	// ConflictScore is 1 - Score: residual disagreement.
	ConflictScore float64 `json:"conflict_score"`
	// DriftFlag is set when any contribution scores below the drift
	// threshold against the sub-problem goal. Drift signals the
	// facilitator; it never stops the session on its own.
	DriftFlag bool `json:"drift_flag"`
}

// ConvergenceEngine scores rounds using a similarity scorer.
type ConvergenceEngine struct {
	scorer               types.SimilarityScorer
	convergenceThreshold float64
	noveltyThreshold     float64
	driftThreshold       float64
}

// NewConvergenceEngine builds the engine from config thresholds.
func NewConvergenceEngine(scorer types.SimilarityScorer, cfg config.EngineConfig) *ConvergenceEngine {
	return &ConvergenceEngine{
		scorer:               scorer,
		convergenceThreshold: cfg.ConvergenceThreshold,
		noveltyThreshold:     cfg.NoveltyThreshold,
		driftThreshold:       cfg.DriftThreshold,
	}
}

// Evaluate scores the current round against its history and the
// sub-problem goal. completedRounds counts rounds finished including the
// current one. Fewer than two contributions never converges: similarity
// is undefined on insufficient data, and a single surviving participant
// agreeing with itself is not consensus.
func (e *ConvergenceEngine) Evaluate(ctx context.Context, goal string, current []string, history []string, completedRounds int) (*ConvergenceResult, error) {
	result := &ConvergenceResult{NoveltyScore: 1, ConflictScore: 1}

	if len(current) < 2 {
		return result, nil
	}

	score, err := e.scorer.PairwiseMean(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("pairwise similarity: %w", err)
	}
	result.Score = score
	result.ConflictScore = 1 - score

	if len(history) > 0 {
		historySims, err := e.scorer.MaxToCorpus(ctx, current, history)
		if err != nil {
			return nil, fmt.Errorf("novelty similarity: %w", err)
		}
		result.NoveltyScore = 1 - mean(historySims)
	}

	goalSims, err := e.scorer.MaxToCorpus(ctx, current, []string{goal})
	if err != nil {
		return nil, fmt.Errorf("drift similarity: %w", err)
	}
	for _, sim := range goalSims {
		if sim < e.driftThreshold {
			result.DriftFlag = true
			break
		}
	}

	noveltyExhausted := len(history) == 0 || result.NoveltyScore <= 1-e.noveltyThreshold
	result.Converged = completedRounds >= 2 &&
		score >= e.convergenceThreshold &&
		noveltyExhausted

	logging.Get(logging.CategoryConvergence).Debug("round evaluated",
		zap.Float64("score", score),
		zap.Float64("novelty", result.NoveltyScore),
		zap.Bool("converged", result.Converged),
		zap.Bool("drift", result.DriftFlag),
		zap.Int("rounds", completedRounds))

	return result, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
