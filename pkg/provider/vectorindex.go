package provider

import (
	"context"

	"github.com/jortega/docagent/pkg/types"
)

// VectorIndex stores and searches chunk embeddings, scoped per document.
// Implementations must be safe for concurrent reads; writes to the same
// document are serialized by the single-active-job invariant upstream.
type VectorIndex interface {
	// Name returns the index name (e.g., "sqlitevec", "memory").
	Name() string

	// Upsert replaces the chunk set for a document. The write is
	// all-or-nothing: a failure leaves no partial chunk set behind.
	Upsert(ctx context.Context, documentID string, chunks []types.Chunk) error

	// Query returns up to k results ordered by descending cosine
	// similarity, ties broken by lower ordinal. k is clamped to the
	// number of stored chunks; an empty document yields an empty slice.
	Query(ctx context.Context, documentID string, queryVec []float32, k int) ([]types.RetrievalResult, error)

	// Count returns the number of chunks stored for a document.
	Count(ctx context.Context, documentID string) (int, error)

	// Delete removes all chunks for a document.
	Delete(ctx context.Context, documentID string) error

	// Close releases resources.
	Close() error
}
