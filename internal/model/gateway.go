// Package model implements the model call gateway. The engine treats text
// generation as an async black box returning text plus token/cost metadata;
// this package adapts the Google GenAI backend to that contract.
package model

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"conclave/internal/config"
	"conclave/internal/logging"
	"conclave/internal/types"

	"go.uber.org/zap"
)

// Gateway calls the GenAI backend with a per-call timeout and estimates
// cost from token counts. Implements types.ModelClient.
type Gateway struct {
	client      *genai.Client
	model       string
	timeout     time.Duration
	inputPrice  float64 // USD per 1M input tokens
	outputPrice float64 // USD per 1M output tokens
}

// NewGateway creates a gateway from model configuration.
func NewGateway(ctx context.Context, cfg config.ModelConfig) (*Gateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	timeout := 120 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid model timeout %q: %w", cfg.Timeout, err)
		}
		timeout = d
	}

	return &Gateway{
		client:      client,
		model:       cfg.Model,
		timeout:     timeout,
		inputPrice:  cfg.InputTokenPriceUSD,
		outputPrice: cfg.OutputTokenPriceUSD,
	}, nil
}

// Complete generates text for a prompt.
func (g *Gateway) Complete(ctx context.Context, prompt string) (*types.CompletionResult, error) {
	return g.generate(ctx, nil, prompt)
}

// CompleteWithSystem generates text with a separate system prompt.
func (g *Gateway) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (*types.CompletionResult, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}
	return g.generate(ctx, cfg, userPrompt)
}

func (g *Gateway) generate(ctx context.Context, cfg *genai.GenerateContentConfig, prompt string) (*types.CompletionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return nil, fmt.Errorf("model returned empty response")
	}

	var use types.UsageMetadata
	if result.UsageMetadata != nil {
		use.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		use.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
		use.TotalTokens = int(result.UsageMetadata.TotalTokenCount)
	}
	use.CostUSD = g.estimateCost(use)

	logging.Get(logging.CategoryModel).Debug("model call complete",
		zap.String("model", g.model),
		zap.Int("input_tokens", use.InputTokens),
		zap.Int("output_tokens", use.OutputTokens),
		zap.Float64("cost_usd", use.CostUSD),
		zap.Duration("elapsed", time.Since(start)))

	return &types.CompletionResult{Text: text, Usage: use}, nil
}

// estimateCost converts token counts to USD using configured prices.
func (g *Gateway) estimateCost(u types.UsageMetadata) float64 {
	const perMillion = 1_000_000
	return float64(u.InputTokens)*g.inputPrice/perMillion +
		float64(u.OutputTokens)*g.outputPrice/perMillion
}
