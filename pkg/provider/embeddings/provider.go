// Package embeddings defines the Provider interface for text embedding
// backends used by transcript search.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider turns text into dense vectors.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The text is
	// passed through verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for texts in a single call. The
	// i-th result corresponds to texts[i]. On error the whole result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider, or
	// 0 if unknown.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
