// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to dense float32 vectors. The retrieval
// layer embeds each (expanded) player question with it and compares the
// result against the pre-built character chunk index, so the query model must
// be the one the index was built with.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the same dimensionality.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The text
	// is passed through verbatim; model-specific prefixes are the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. Zero means the dimension is not known yet.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
