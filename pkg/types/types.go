// Package types contains shared data types used across the docagent project.
package types

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus represents the lifecycle state of an ingested document.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Document represents one ingested documentation source.
// A document is immutable once completed; re-ingestion creates a new version
// with a fresh ID.
type Document struct {
	ID          string         `json:"id"`
	ChatID      string         `json:"chat_id"`
	SourceURI   string         `json:"source_uri"`
	Title       string         `json:"title,omitempty"`
	Status      DocumentStatus `json:"status"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewDocumentID generates a unique document ID.
func NewDocumentID() string {
	return "doc_" + uuid.NewString()[:8]
}

// CharSpan is a half-open [Start, End) byte range into the cleaned
// document text.
type CharSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the span length.
func (s CharSpan) Len() int {
	return s.End - s.Start
}

// Chunk is a contiguous slice of a document's text, the unit of retrieval.
// Ordinals are contiguous per document starting at 0.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
	Span       CharSpan  `json:"span"`
}

// JobState represents the state of a processing job.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// Terminal reports whether the state admits no further transition.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// FailureCategory classifies why a job failed.
type FailureCategory string

const (
	FailureNetwork     FailureCategory = "network"
	FailureParsing     FailureCategory = "parsing"
	FailureEmbedding   FailureCategory = "embedding"
	FailureIndex       FailureCategory = "index"
	FailurePersistence FailureCategory = "persistence"
	FailureCancelled   FailureCategory = "cancelled"
)

// ProcessingJob is one asynchronous ingestion attempt for a document
// within a chat session. At most one non-terminal job exists per chat.
type ProcessingJob struct {
	ChatID      string          `json:"chat_id"`
	DocumentID  string          `json:"document_id"`
	State       JobState        `json:"state"`
	Category    FailureCategory `json:"category,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// ChatSession ties a chat to its ingested document.
type ChatSession struct {
	ChatID     string    `json:"chat_id"`
	DocumentID string    `json:"document_id,omitempty"`
	TurnCount  int       `json:"turn_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewChatID generates a unique chat ID.
func NewChatID() string {
	return "chat_" + uuid.NewString()[:8]
}

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one message within a chat session. Turns are append-only with
// strictly increasing, gapless Index per chat. UserID identifies the
// author of user turns; agent turns leave it empty.
type Turn struct {
	ChatID    string    `json:"chat_id"`
	Index     int       `json:"index"`
	Role      Role      `json:"role"`
	UserID    string    `json:"user_id,omitempty"`
	Text      string    `json:"text"`
	Intent    Intent    `json:"intent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RetrievalResult is one scored chunk returned by a vector index query.
// Results are ephemeral: produced per query, never persisted on their own.
type RetrievalResult struct {
	ChunkID string  `json:"chunk_id"`
	Ordinal int     `json:"ordinal"`
	Score   float64 `json:"score"`
	Text    string  `json:"text"`
}

// Intent classifies a user message's relationship to prior context and
// the indexed document.
type Intent string

const (
	IntentNewTopic      Intent = "new_topic"
	IntentFollowUp      Intent = "follow_up"
	IntentClarification Intent = "clarification"
	IntentOutOfScope    Intent = "out_of_scope"
)

// Intents lists every intent value. The workflow router must map each of
// them to exactly one path.
func Intents() []Intent {
	return []Intent{IntentNewTopic, IntentFollowUp, IntentClarification, IntentOutOfScope}
}

// NeedsRetrieval reports whether answering this intent requires a fresh
// query against the document index.
func (i Intent) NeedsRetrieval() bool {
	return i == IntentNewTopic
}

// Valid reports whether i is a known intent label.
func (i Intent) Valid() bool {
	switch i {
	case IntentNewTopic, IntentFollowUp, IntentClarification, IntentOutOfScope:
		return true
	}
	return false
}

// Answer is the result of processing one user message. Err is populated
// instead of Text when the turn failed, so callers cannot mistake a
// failure for a generated answer.
type Answer struct {
	ChatID    string    `json:"chat_id"`
	Text      string    `json:"text,omitempty"`
	Intent    Intent    `json:"intent"`
	Retrieved int       `json:"retrieved"`
	Sources   []string  `json:"sources,omitempty"`
	Err       string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Failed reports whether the answer carries an error instead of text.
func (a *Answer) Failed() bool {
	return a.Err != ""
}
