package types

import "errors"

// Sentinel errors for common error conditions.
var (
	// ErrFetch is returned when fetching a source URI fails.
	ErrFetch = errors.New("fetch failed")

	// ErrEmptyDocument is returned when a document has no content to index
	// after cleaning.
	ErrEmptyDocument = errors.New("empty document")

	// ErrEmbeddingProvider is returned when embedding generation fails
	// after all retries.
	ErrEmbeddingProvider = errors.New("embedding provider failed")

	// ErrGeneration is returned when the language model fails to produce
	// a response after all retries.
	ErrGeneration = errors.New("generation failed")

	// ErrJobInProgress is returned when an ingestion is requested for a
	// chat that already has a non-terminal job.
	ErrJobInProgress = errors.New("ingestion job already in progress")

	// ErrNotFound is returned when a requested chat, document or job is
	// not found.
	ErrNotFound = errors.New("not found")

	// ErrDocumentNotReady is returned when a message arrives before the
	// chat's document reached the completed state.
	ErrDocumentNotReady = errors.New("document not ready")

	// ErrIndexCorrupted is returned when chunk and vector counts disagree.
	// Fatal; requires re-ingestion.
	ErrIndexCorrupted = errors.New("index corrupted")

	// ErrPersistence is returned when recording a turn fails after a
	// response was already generated.
	ErrPersistence = errors.New("persistence failed")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCancelled is returned when an operation is cancelled.
	ErrCancelled = errors.New("operation cancelled")
)
