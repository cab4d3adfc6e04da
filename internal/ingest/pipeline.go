// Package ingest runs the document ingestion pipeline: fetch, clean,
// chunk, embed, index. Each ingestion is an asynchronous job tracked
// per chat session.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jortega/docagent/internal/chunker"
	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/retry"
	"github.com/jortega/docagent/pkg/types"

	"golang.org/x/time/rate"
)

// DocumentStore persists document records across job transitions.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *types.Document) error
	UpdateDocument(ctx context.Context, docID string, status types.DocumentStatus, errorDetail string) error
	SetDocumentTitle(ctx context.Context, docID, title string) error
	DocumentByChat(ctx context.Context, chatID string) (*types.Document, error)
}

// Config holds pipeline dependencies and tuning.
type Config struct {
	Chunker  *chunker.Chunker
	Embedder provider.EmbeddingProvider
	Index    provider.VectorIndex
	Fetcher  provider.Fetcher
	Docs     DocumentStore
	Tracker  *Tracker

	// EmbedRate caps embedding provider calls per second. Zero means
	// no throttling.
	EmbedRate float64
	Retry     retry.Policy
	// FetchRetry governs the fetch step separately from provider calls.
	// Zero means Retry applies.
	FetchRetry retry.Policy
	Logger     *slog.Logger
}

// Pipeline ingests documents for chat sessions.
type Pipeline struct {
	chunker    *chunker.Chunker
	embedder   provider.EmbeddingProvider
	index      provider.VectorIndex
	fetcher    provider.Fetcher
	docs       DocumentStore
	tracker    *Tracker
	limiter    *rate.Limiter
	retry      retry.Policy
	fetchRetry retry.Policy
	logger     *slog.Logger
}

// New creates a pipeline from cfg.
func New(cfg Config) *Pipeline {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.EmbedRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EmbedRate), 1)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.FetchRetry.MaxAttempts == 0 {
		cfg.FetchRetry = cfg.Retry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		chunker:    cfg.Chunker,
		embedder:   cfg.Embedder,
		index:      cfg.Index,
		fetcher:    cfg.Fetcher,
		docs:       cfg.Docs,
		tracker:    cfg.Tracker,
		limiter:    limiter,
		retry:      cfg.Retry,
		fetchRetry: cfg.FetchRetry,
		logger:     cfg.Logger,
	}
}

// Start accepts an ingestion job for the chat and runs it in the
// background. It returns once the job is accepted; progress is observed
// through the tracker. A second Start while a job is in flight fails
// with ErrJobInProgress.
func (p *Pipeline) Start(ctx context.Context, chatID, uri string) (*types.ProcessingJob, error) {
	docID := types.NewDocumentID()

	job, err := p.tracker.Accept(chatID, docID)
	if err != nil {
		return nil, err
	}

	// Note the document being superseded so its index entries can be
	// dropped once the new version lands.
	var prevDocID string
	if prev, perr := p.docs.DocumentByChat(ctx, chatID); perr == nil {
		prevDocID = prev.ID
	}

	now := time.Now()
	doc := &types.Document{
		ID:        docID,
		ChatID:    chatID,
		SourceURI: uri,
		Status:    types.DocumentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.docs.SaveDocument(ctx, doc); err != nil {
		p.tracker.Fail(chatID, types.FailurePersistence, err.Error())
		return nil, fmt.Errorf("%w: saving document record: %v", types.ErrPersistence, err)
	}

	// The job outlives the request; it is cancelled through the tracker,
	// not the caller's context.
	jobCtx, cancel := context.WithCancel(context.Background())
	if err := p.tracker.Start(chatID, cancel); err != nil {
		cancel()
		return nil, err
	}

	go p.run(jobCtx, chatID, docID, prevDocID, uri)

	return job, nil
}

// run executes one ingestion job to a terminal state.
func (p *Pipeline) run(ctx context.Context, chatID, docID, prevDocID, uri string) {
	log := p.logger.With("chat_id", chatID, "document_id", docID)
	log.Info("ingestion started", "uri", uri)

	p.docs.UpdateDocument(ctx, docID, types.DocumentStatusProcessing, "")

	chunks, title, err := p.ingest(ctx, docID, uri)
	if err != nil {
		category := categorize(err)
		log.Error("ingestion failed", "category", category, "error", err)
		p.tracker.Fail(chatID, category, err.Error())
		// Status updates must land even when the job context is gone.
		p.docs.UpdateDocument(context.Background(), docID, types.DocumentStatusFailed, err.Error())
		return
	}

	if title != "" {
		if err := p.docs.SetDocumentTitle(context.Background(), docID, title); err != nil {
			log.Warn("failed to record document title", "error", err)
		}
	}
	if err := p.docs.UpdateDocument(context.Background(), docID, types.DocumentStatusCompleted, ""); err != nil {
		log.Error("ingestion indexed but status update failed", "error", err)
		p.tracker.Fail(chatID, types.FailurePersistence, err.Error())
		return
	}

	if prevDocID != "" {
		if err := p.index.Delete(context.Background(), prevDocID); err != nil {
			log.Warn("failed to drop superseded document from index",
				"superseded_id", prevDocID, "error", err)
		}
	}

	p.tracker.Complete(chatID)
	log.Info("ingestion complete", "chunks", chunks, "title", title)
}

// ingest performs fetch, clean, chunk, embed and index for one document.
// It returns the chunk count and extracted title.
func (p *Pipeline) ingest(ctx context.Context, docID, uri string) (int, string, error) {
	var fetched *provider.FetchResult
	err := p.fetchRetry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		fetched, ferr = p.fetcher.Fetch(ctx, uri)
		return ferr
	})
	if err != nil {
		return 0, "", err
	}

	chunks, err := p.IngestText(ctx, docID, fetched.Text)
	if err != nil {
		return 0, "", err
	}
	return chunks, fetched.Title, nil
}

// IngestText cleans, chunks, embeds and indexes raw text for docID. The
// index swap is all-or-nothing: a failure at any step leaves any
// previously indexed version of the document untouched.
func (p *Pipeline) IngestText(ctx context.Context, docID, rawText string) (int, error) {
	text := chunker.CleanText(rawText)
	if text == "" {
		return 0, types.ErrEmptyDocument
	}

	chunks := p.chunker.Split(docID, text)
	if err := p.embedChunks(ctx, chunks); err != nil {
		return 0, err
	}

	if err := p.index.Upsert(ctx, docID, chunks); err != nil {
		if errors.Is(err, types.ErrIndexCorrupted) || errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("index upsert for %s: %w", docID, err)
	}

	return len(chunks), nil
}

// embedChunks fills each chunk's Embedding, batched to the provider's
// limit and throttled.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []types.Chunk) error {
	batchSize := p.embedder.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		var vectors [][]float32
		err := p.retry.Do(ctx, func(ctx context.Context) error {
			var eerr error
			vectors, eerr = p.embedder.Embed(ctx, texts)
			return eerr
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("%w: %v", types.ErrEmbeddingProvider, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("%w: got %d vectors for %d texts",
				types.ErrEmbeddingProvider, len(vectors), len(batch))
		}

		for i := range batch {
			batch[i].Embedding = vectors[i]
		}
	}

	return nil
}

// Cancel aborts the chat's in-flight ingestion.
func (p *Pipeline) Cancel(chatID string) error {
	return p.tracker.Cancel(chatID)
}

// categorize maps a pipeline error to its failure category.
func categorize(err error) types.FailureCategory {
	switch {
	case errors.Is(err, context.Canceled):
		return types.FailureCancelled
	case errors.Is(err, types.ErrFetch):
		return types.FailureNetwork
	case errors.Is(err, types.ErrEmptyDocument):
		return types.FailureParsing
	case errors.Is(err, types.ErrEmbeddingProvider):
		return types.FailureEmbedding
	case errors.Is(err, types.ErrPersistence):
		return types.FailurePersistence
	default:
		return types.FailureIndex
	}
}
