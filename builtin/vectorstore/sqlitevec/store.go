// Package sqlitevec implements VectorIndex using sqlite-vec for cosine
// similarity search.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/types"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// Ensure sqlite-vec Auto() is called exactly once before any db connection
	vecAutoOnce sync.Once
)

// Store implements the VectorIndex interface using sqlite-vec.
type Store struct {
	db         *sql.DB
	path       string
	dimensions int
	mu         sync.Mutex // guards vector table creation
}

// New creates a new sqlite-vec store.
func New() *Store {
	return &Store{}
}

// Name returns the store name.
func (s *Store) Name() string {
	return "sqlitevec"
}

// Init initializes the store at the given path.
func (s *Store) Init(path string) error {
	s.path = path

	// Register sqlite-vec extension before opening any database connection.
	// This must be called once before sql.Open() to ensure vec_* functions
	// are available.
	vecAutoOnce.Do(func() {
		sqlite_vec.Auto()
	})

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for concurrent reads, busy_timeout to wait for locks instead
	// of failing immediately
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if _, err := db.Exec("SELECT vec_version()"); err != nil {
		return fmt.Errorf("sqlite-vec extension not available: %w", err)
	}

	if err := s.createSchema(); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// createSchema creates the chunks table.
func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			text TEXT NOT NULL,
			span_start INTEGER NOT NULL,
			span_end INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id)`)
	return err
}

// createVectorTable creates the vector table with the specified dimensions.
func (s *Store) createVectorTable(dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimensions == dimensions {
		return nil // Already created
	}

	if s.dimensions != 0 {
		return fmt.Errorf("embedding dimensions changed from %d to %d, reindex required", s.dimensions, dimensions)
	}
	s.dimensions = dimensions

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_embeddings USING vec0(
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT,
			embedding float[%d]
		)
	`, dimensions))
	if err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	return nil
}

// Upsert replaces the chunk set for a document in a single transaction.
func (s *Store) Upsert(ctx context.Context, documentID string, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	if len(chunks[0].Embedding) > 0 {
		if err := s.createVectorTable(len(chunks[0].Embedding)); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Replace any previous chunk set for the document
	if _, err := tx.Exec("DELETE FROM chunk_embeddings WHERE document_id = ?", documentID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return err
	}

	chunkStmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, ordinal, text, span_start, span_end)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer chunkStmt.Close()

	embeddingStmt, err := tx.Prepare(`
		INSERT INTO chunk_embeddings (chunk_id, document_id, embedding)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer embeddingStmt.Close()

	for _, c := range chunks {
		if _, err := chunkStmt.Exec(c.ID, documentID, c.Ordinal, c.Text, c.Span.Start, c.Span.End); err != nil {
			return fmt.Errorf("failed to store chunk %s: %w", c.ID, err)
		}

		if len(c.Embedding) == 0 {
			return fmt.Errorf("%w: chunk %s has no embedding", types.ErrIndexCorrupted, c.ID)
		}
		if _, err := embeddingStmt.Exec(c.ID, documentID, floatsToBytes(c.Embedding)); err != nil {
			return fmt.Errorf("failed to store embedding for %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// Query returns up to k chunks ordered by descending cosine similarity,
// ties broken by lower ordinal.
func (s *Store) Query(ctx context.Context, documentID string, queryVec []float32, k int) ([]types.RetrievalResult, error) {
	count, err := s.Count(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			ce.chunk_id,
			vec_distance_cosine(ce.embedding, ?) as distance,
			c.ordinal, c.text
		FROM chunk_embeddings ce
		JOIN chunks c ON ce.chunk_id = c.id
		WHERE ce.document_id = ?
		ORDER BY distance ASC, c.ordinal ASC
		LIMIT ?
	`, floatsToBytes(queryVec), documentID, k)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer rows.Close()

	var results []types.RetrievalResult
	for rows.Next() {
		var (
			chunkID  string
			distance float64
			ordinal  int
			text     string
		)
		if err := rows.Scan(&chunkID, &distance, &ordinal, &text); err != nil {
			return nil, err
		}

		results = append(results, types.RetrievalResult{
			ChunkID: chunkID,
			Ordinal: ordinal,
			// cosine distance -> similarity
			Score: 1.0 - distance,
			Text:  text,
		})
	}

	return results, rows.Err()
}

// Count returns the number of chunks stored for a document. A mismatch
// between chunk and embedding rows indicates a corrupted index.
func (s *Store) Count(ctx context.Context, documentID string) (int, error) {
	var chunkCount int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE document_id = ?", documentID).Scan(&chunkCount)
	if err != nil {
		return 0, err
	}

	if chunkCount == 0 {
		return 0, nil
	}

	var vecCount int
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunk_embeddings WHERE document_id = ?", documentID).Scan(&vecCount)
	if err != nil {
		return 0, err
	}

	if vecCount != chunkCount {
		return 0, fmt.Errorf("%w: document %s has %d chunks but %d embeddings",
			types.ErrIndexCorrupted, documentID, chunkCount, vecCount)
	}

	return chunkCount, nil
}

// Delete removes all chunks for a document.
func (s *Store) Delete(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunk_embeddings WHERE document_id = ?", documentID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return err
	}

	return tx.Commit()
}

// Close releases resources and closes connections.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// floatsToBytes serializes a float32 slice in sqlite-vec's expected
// little-endian layout.
func floatsToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Ensure Store implements VectorIndex interface
var _ provider.VectorIndex = (*Store)(nil)
