// Package provider defines the tagged-variant interface through which
// cortex talks to an LLM/embedding backend, generalized from the
// teacher's memory.EmbeddingProvider to also cover text generation.
package provider

import "context"

// GenerateResult carries a completion plus the accounting fields
// ResourceMonitor needs for cost/quota tracking.
type GenerateResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Provider is the single seam between cortex and any concrete LLM or
// embedding backend. Swapping vendors means writing one more adapter
// against this interface, never touching call sites.
type Provider interface {
	Generate(ctx context.Context, prompt string) (GenerateResult, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
