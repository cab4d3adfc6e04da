package memstore

import (
	"context"
	"testing"

	"github.com/jortega/docagent/pkg/types"
)

func chunk(id string, ordinal int, embedding []float32) types.Chunk {
	return types.Chunk{
		ID:        id,
		Ordinal:   ordinal,
		Text:      "chunk " + id,
		Embedding: embedding,
	}
}

func TestQueryOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()

	// c1 points along the query axis, c0 is orthogonal, c2 is opposite
	err := s.Upsert(ctx, "doc1", []types.Chunk{
		chunk("doc1:0", 0, []float32{0, 1, 0}),
		chunk("doc1:1", 1, []float32{1, 0, 0}),
		chunk("doc1:2", 2, []float32{-1, 0, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	results, err := s.Query(ctx, "doc1", []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	wantOrder := []string{"doc1:1", "doc1:0", "doc1:2"}
	for i, want := range wantOrder {
		if results[i].ChunkID != want {
			t.Errorf("result %d: expected %s, got %s", i, want, results[i].ChunkID)
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not in descending score order at %d", i)
		}
	}
}

func TestQueryTieBreakByOrdinal(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Identical embeddings, identical scores. Lower ordinal wins.
	err := s.Upsert(ctx, "doc1", []types.Chunk{
		chunk("doc1:3", 3, []float32{1, 1}),
		chunk("doc1:0", 0, []float32{1, 1}),
		chunk("doc1:1", 1, []float32{1, 1}),
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	results, err := s.Query(ctx, "doc1", []float32{1, 1}, 3)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	wantOrdinals := []int{0, 1, 3}
	for i, want := range wantOrdinals {
		if results[i].Ordinal != want {
			t.Errorf("result %d: expected ordinal %d, got %d", i, want, results[i].Ordinal)
		}
	}
}

func TestQueryClampsK(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.Upsert(ctx, "doc1", []types.Chunk{
		chunk("doc1:0", 0, []float32{1, 0}),
		chunk("doc1:1", 1, []float32{0, 1}),
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	results, err := s.Query(ctx, "doc1", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected k clamped to 2 results, got %d", len(results))
	}
}

func TestQueryEmptyDocument(t *testing.T) {
	s := New()

	results, err := s.Query(context.Background(), "missing", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty results for unknown document, got %d", len(results))
	}
}

func TestUpsertReplacesChunkSet(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Upsert(ctx, "doc1", []types.Chunk{
		chunk("doc1:0", 0, []float32{1, 0}),
		chunk("doc1:1", 1, []float32{0, 1}),
	}); err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}

	if err := s.Upsert(ctx, "doc1", []types.Chunk{
		chunk("doc1:0", 0, []float32{1, 0}),
	}); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	count, err := s.Count(ctx, "doc1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected chunk set replaced, got count %d", count)
	}
}

func TestUpsertRejectsMissingEmbedding(t *testing.T) {
	s := New()

	err := s.Upsert(context.Background(), "doc1", []types.Chunk{
		{ID: "doc1:0", Ordinal: 0, Text: "no vector"},
	})
	if err == nil {
		t.Fatal("expected error for chunk without embedding")
	}
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Upsert(ctx, "doc1", []types.Chunk{
		chunk("doc1:0", 0, []float32{1, 0}),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Delete(ctx, "doc1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	count, err := s.Count(ctx, "doc1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 chunks after delete, got %d", count)
	}
}
