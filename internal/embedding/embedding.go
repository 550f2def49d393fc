// Package embedding provides the text embedding providers and the two-layer
// cache (per-trace + process-wide) used by the analysis engine, context
// manager, and tool executor when attaching vectors to memories.
package embedding

import "context"

// Provider produces a vector embedding for a piece of text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}
