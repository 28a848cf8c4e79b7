package deliberation

import (
	"context"
	"errors"
	"testing"

	"conclave/internal/config"
)

// stubScorer returns fixed similarity scores. MaxToCorpus distinguishes
// the goal query (single-text corpus) from the history query.
type stubScorer struct {
	pairwise    float64
	pairwiseErr error
	historySim  float64
	goalSim     float64
}

func (s *stubScorer) PairwiseMean(ctx context.Context, fragments []string) (float64, error) {
	if s.pairwiseErr != nil {
		return 0, s.pairwiseErr
	}
	if len(fragments) < 2 {
		return 0, errors.New("pairwise similarity needs at least 2 fragments")
	}
	return s.pairwise, nil
}

func (s *stubScorer) MaxToCorpus(ctx context.Context, fragments []string, corpus []string) ([]float64, error) {
	sim := s.historySim
	if len(corpus) == 1 {
		sim = s.goalSim
	}
	out := make([]float64, len(fragments))
	for i := range out {
		out[i] = sim
	}
	return out, nil
}

func newTestConvergence(s *stubScorer) *ConvergenceEngine {
	return NewConvergenceEngine(s, config.DefaultEngine())
}

func TestConvergence_AgreementAfterTwoRounds(t *testing.T) {
	eng := newTestConvergence(&stubScorer{pairwise: 0.95, historySim: 0.95, goalSim: 0.9})

	res, err := eng.Evaluate(context.Background(), "goal",
		[]string{"a", "b", "c"}, []string{"h1", "h2", "h3"}, 2)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !res.Converged {
		t.Fatal("expected convergence: high agreement, low novelty, 2 rounds")
	}
	if res.Score != 0.95 {
		t.Fatalf("Score = %f, want 0.95", res.Score)
	}
	if res.DriftFlag {
		t.Fatal("DriftFlag set with on-topic contributions")
	}
}

func TestConvergence_SingleContributionNeverConverges(t *testing.T) {
	// One surviving participant agreeing with itself is not consensus.
	eng := newTestConvergence(&stubScorer{pairwise: 1.0, historySim: 1.0, goalSim: 1.0})

	res, err := eng.Evaluate(context.Background(), "goal", []string{"only"}, []string{"h"}, 5)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Converged {
		t.Fatal("a single contribution must never converge")
	}
	if res.Score != 0 {
		t.Fatalf("Score = %f, want 0 (undefined)", res.Score)
	}
}

func TestConvergence_EmptyRoundNeverConverges(t *testing.T) {
	eng := newTestConvergence(&stubScorer{pairwise: 1.0})

	res, err := eng.Evaluate(context.Background(), "goal", nil, nil, 5)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Converged {
		t.Fatal("an empty round must never converge")
	}
}

func TestConvergence_MinimumTwoRounds(t *testing.T) {
	eng := newTestConvergence(&stubScorer{pairwise: 0.99, historySim: 0.99, goalSim: 0.9})

	res, err := eng.Evaluate(context.Background(), "goal", []string{"a", "b"}, nil, 1)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Converged {
		t.Fatal("round 1 must never converge, regardless of agreement")
	}
}

func TestConvergence_BelowThreshold(t *testing.T) {
	eng := newTestConvergence(&stubScorer{pairwise: 0.84, historySim: 0.95, goalSim: 0.9})

	res, err := eng.Evaluate(context.Background(), "goal",
		[]string{"a", "b"}, []string{"h"}, 3)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Converged {
		t.Fatal("0.84 is below the 0.85 threshold; must not converge")
	}
}

func TestConvergence_HighNoveltyBlocks(t *testing.T) {
	// The panel agrees internally but the round still adds new ground:
	// keep deliberating.
	eng := newTestConvergence(&stubScorer{pairwise: 0.95, historySim: 0.40, goalSim: 0.9})

	res, err := eng.Evaluate(context.Background(), "goal",
		[]string{"a", "b"}, []string{"h1", "h2"}, 3)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Converged {
		t.Fatal("high novelty must block convergence")
	}
	if res.NoveltyScore != 0.6 {
		t.Fatalf("NoveltyScore = %f, want 0.6", res.NoveltyScore)
	}
}

func TestConvergence_DriftFlag(t *testing.T) {
	eng := newTestConvergence(&stubScorer{pairwise: 0.5, historySim: 0.5, goalSim: 0.2})

	res, err := eng.Evaluate(context.Background(), "goal",
		[]string{"a", "b"}, []string{"h"}, 2)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !res.DriftFlag {
		t.Fatal("goal similarity 0.2 is below the 0.35 drift threshold; flag expected")
	}
}

func TestConvergence_ScorerErrorPropagates(t *testing.T) {
	boom := errors.New("embedding backend down")
	eng := newTestConvergence(&stubScorer{pairwiseErr: boom})

	_, err := eng.Evaluate(context.Background(), "goal", []string{"a", "b"}, nil, 2)
	if !errors.Is(err, boom) {
		t.Fatalf("Evaluate() error = %v, want wrapped scorer error", err)
	}
}

func TestConvergence_ConflictScore(t *testing.T) {
	eng := newTestConvergence(&stubScorer{pairwise: 0.7, historySim: 0.9, goalSim: 0.9})

	res, err := eng.Evaluate(context.Background(), "goal",
		[]string{"a", "b"}, []string{"h"}, 2)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got := res.ConflictScore; got < 0.299 || got > 0.301 {
		t.Fatalf("ConflictScore = %f, want 1 - score", got)
	}
}
