package types

import (
	"context"
	"time"
)

// ModelClient defines the interface for panel-member text generation.
// The engine treats generation as a black box returning text plus usage
// metadata; provider selection and prompt transport live behind this.
type ModelClient interface {
	// Complete generates text for a prompt.
	Complete(ctx context.Context, prompt string) (*CompletionResult, error)
	// CompleteWithSystem generates text with a separate system prompt,
	// used for persona-scoped calls.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (*CompletionResult, error)
}

// CompletionResult carries generated text plus the cost metadata the
// engine's cost governor accounts against.
type CompletionResult struct {
	Text  string        `json:"text"`
	Usage UsageMetadata `json:"usage"`
}

// UsageMetadata captures token usage and estimated cost from a model call.
type UsageMetadata struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates another call's usage into this one.
func (u *UsageMetadata) Add(other UsageMetadata) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}

// SimilarityScorer reduces text fragments to semantic-similarity scores
// in [0,1]. Backed by an embedding engine.
type SimilarityScorer interface {
	// PairwiseMean returns the mean pairwise similarity across fragments.
	// Fewer than two fragments is an error; callers must treat that case
	// as "not converged", never as agreement.
	PairwiseMean(ctx context.Context, fragments []string) (float64, error)
	// MaxToCorpus returns, for each fragment, its maximum similarity to
	// any corpus text. Used for novelty (against history) and drift
	// (against the goal statement).
	MaxToCorpus(ctx context.Context, fragments []string, corpus []string) ([]float64, error)
}

// CheckpointStore persists execution snapshots keyed by session.
// Implementations are durable key-value stores with TTL; the engine owns
// blob encoding and versioning, the store treats blobs as opaque.
type CheckpointStore interface {
	Save(ctx context.Context, sessionID string, step int, blob []byte, ttl time.Duration) error
	Load(ctx context.Context, sessionID string) (step int, blob []byte, err error)
	Delete(ctx context.Context, sessionID string) error
}
