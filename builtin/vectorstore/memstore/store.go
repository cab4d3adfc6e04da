// Package memstore implements VectorIndex with an in-memory brute-force
// cosine scan. Useful for tests and small documents where the overhead of
// a persistent index is not worth it.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/types"
)

// Store keeps chunk sets per document and scans them linearly on query.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]types.Chunk
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{docs: make(map[string][]types.Chunk)}
}

// Name returns the store name.
func (s *Store) Name() string {
	return "memory"
}

// Upsert replaces the chunk set for a document.
func (s *Store) Upsert(ctx context.Context, documentID string, chunks []types.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("%w: chunk %s has no embedding", types.ErrIndexCorrupted, c.ID)
		}
	}

	cp := make([]types.Chunk, len(chunks))
	copy(cp, chunks)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[documentID] = cp
	return nil
}

// Query returns up to k chunks ordered by descending cosine similarity,
// ties broken by lower ordinal.
func (s *Store) Query(ctx context.Context, documentID string, queryVec []float32, k int) ([]types.RetrievalResult, error) {
	s.mu.RLock()
	chunks := s.docs[documentID]
	s.mu.RUnlock()

	if len(chunks) == 0 || k <= 0 {
		return nil, nil
	}

	results := make([]types.RetrievalResult, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, types.RetrievalResult{
			ChunkID: c.ID,
			Ordinal: c.Ordinal,
			Score:   cosine(queryVec, c.Embedding),
			Text:    c.Text,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Ordinal < results[j].Ordinal
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Count returns the number of chunks stored for a document.
func (s *Store) Count(ctx context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[documentID]), nil
}

// Delete removes all chunks for a document.
func (s *Store) Delete(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, documentID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// cosine computes cosine similarity. Returns 0 when either vector has
// zero magnitude or lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Ensure Store implements VectorIndex interface
var _ provider.VectorIndex = (*Store)(nil)
