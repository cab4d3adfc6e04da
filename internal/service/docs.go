package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jortega/docagent/internal/ingest"
	"github.com/jortega/docagent/internal/memory"
	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/types"
)

// DocService manages document ingestion and lifecycle per chat.
type DocService struct {
	store    *memory.Store
	pipeline *ingest.Pipeline
	tracker  *ingest.Tracker
	index    provider.VectorIndex
	logger   *slog.Logger
}

// NewDocService creates a document service.
func NewDocService(store *memory.Store, pipeline *ingest.Pipeline, tracker *ingest.Tracker, index provider.VectorIndex, logger *slog.Logger) *DocService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocService{
		store:    store,
		pipeline: pipeline,
		tracker:  tracker,
		index:    index,
		logger:   logger,
	}
}

// StartIngestion begins ingesting uri for the chat. An empty chatID
// starts a fresh chat. The returned job is pending; callers poll
// GetStatus for progress.
func (s *DocService) StartIngestion(ctx context.Context, uri, chatID string) (*types.ProcessingJob, error) {
	if chatID == "" {
		chatID = types.NewChatID()
	}
	if _, err := s.store.EnsureSession(ctx, chatID); err != nil {
		return nil, err
	}

	job, err := s.pipeline.Start(ctx, chatID, uri)
	if err != nil {
		return nil, err
	}

	if err := s.store.SetSessionDocument(ctx, chatID, job.DocumentID); err != nil {
		s.logger.Error("failed to bind document to session",
			"chat_id", chatID, "document_id", job.DocumentID, "error", err)
	}
	return job, nil
}

// GetStatus returns the chat's most recent ingestion job. When the
// tracker has no entry, typically after a restart, the job is
// reconstructed from the durable document record.
func (s *DocService) GetStatus(ctx context.Context, chatID string) (*types.ProcessingJob, error) {
	job, err := s.tracker.Get(chatID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	doc, derr := s.store.DocumentByChat(ctx, chatID)
	if derr != nil {
		return nil, err
	}
	return jobFromDocument(chatID, doc), nil
}

// jobFromDocument synthesizes a job view from a persisted document.
func jobFromDocument(chatID string, doc *types.Document) *types.ProcessingJob {
	job := &types.ProcessingJob{
		ChatID:     chatID,
		DocumentID: doc.ID,
		StartedAt:  doc.CreatedAt,
	}
	switch doc.Status {
	case types.DocumentStatusCompleted:
		job.State = types.JobStateCompleted
		finished := doc.UpdatedAt
		job.FinishedAt = &finished
	case types.DocumentStatusFailed:
		job.State = types.JobStateFailed
		job.ErrorDetail = doc.ErrorDetail
		finished := doc.UpdatedAt
		job.FinishedAt = &finished
	default:
		job.State = types.JobStateProcessing
	}
	return job
}

// DocumentInfo describes an ingested document.
type DocumentInfo struct {
	Document *types.Document `json:"document"`
	Chunks   int             `json:"chunks"`
}

// Info returns the chat's document record and its chunk count.
func (s *DocService) Info(ctx context.Context, chatID string) (*DocumentInfo, error) {
	doc, err := s.store.DocumentByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	chunks, err := s.index.Count(ctx, doc.ID)
	if err != nil && !errors.Is(err, types.ErrIndexCorrupted) {
		return nil, err
	}
	return &DocumentInfo{Document: doc, Chunks: chunks}, nil
}

// CancelIngestion aborts the chat's in-flight ingestion job.
func (s *DocService) CancelIngestion(chatID string) error {
	return s.pipeline.Cancel(chatID)
}

// Delete removes the chat: its history, document records and index
// entries. An in-flight job is cancelled.
func (s *DocService) Delete(ctx context.Context, chatID string) error {
	if _, err := s.store.Session(ctx, chatID); err != nil {
		return err
	}

	doc, err := s.store.DocumentByChat(ctx, chatID)
	if err == nil {
		if derr := s.index.Delete(ctx, doc.ID); derr != nil {
			s.logger.Warn("failed to drop index entries",
				"chat_id", chatID, "document_id", doc.ID, "error", derr)
		}
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	s.tracker.Drop(chatID)
	return s.store.DeleteChat(ctx, chatID)
}
