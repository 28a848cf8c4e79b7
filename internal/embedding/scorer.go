package embedding

import (
	"context"
	"fmt"

	"conclave/internal/logging"

	"go.uber.org/zap"
)

// Scorer reduces text fragments to similarity scores in [0,1] using an
// embedding engine. It implements types.SimilarityScorer.
type Scorer struct {
	engine Engine
}

// NewScorer creates a scorer over an embedding engine.
func NewScorer(engine Engine) *Scorer {
	return &Scorer{engine: engine}
}

// PairwiseMean returns the mean pairwise similarity across fragments.
func (s *Scorer) PairwiseMean(ctx context.Context, fragments []string) (float64, error) {
	if len(fragments) < 2 {
		return 0, fmt.Errorf("pairwise similarity needs at least 2 fragments, got %d", len(fragments))
	}

	vectors, err := s.engine.EmbedBatch(ctx, fragments)
	if err != nil {
		return 0, fmt.Errorf("embedding fragments: %w", err)
	}

	var sum float64
	var pairs int
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim, err := CosineSimilarity(vectors[i], vectors[j])
			if err != nil {
				return 0, err
			}
			sum += clamp01(sim)
			pairs++
		}
	}

	mean := sum / float64(pairs)
	logging.Get(logging.CategoryEmbedding).Debug("pairwise mean similarity",
		zap.Int("fragments", len(fragments)),
		zap.Float64("mean", mean))
	return mean, nil
}

// MaxToCorpus returns, per fragment, the maximum similarity to any corpus
// text. An empty corpus yields all zeros: nothing to resemble.
func (s *Scorer) MaxToCorpus(ctx context.Context, fragments []string, corpus []string) ([]float64, error) {
	scores := make([]float64, len(fragments))
	if len(fragments) == 0 || len(corpus) == 0 {
		return scores, nil
	}

	fragVecs, err := s.engine.EmbedBatch(ctx, fragments)
	if err != nil {
		return nil, fmt.Errorf("embedding fragments: %w", err)
	}
	corpusVecs, err := s.engine.EmbedBatch(ctx, corpus)
	if err != nil {
		return nil, fmt.Errorf("embedding corpus: %w", err)
	}

	for i, fv := range fragVecs {
		best := 0.0
		for _, cv := range corpusVecs {
			sim, err := CosineSimilarity(fv, cv)
			if err != nil {
				return nil, err
			}
			if c := clamp01(sim); c > best {
				best = c
			}
		}
		scores[i] = best
	}
	return scores, nil
}

// clamp01 maps cosine output into [0,1]. Negative cosine means strong
// dissimilarity for embedding models, which the engine treats as zero.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
