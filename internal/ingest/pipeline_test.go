package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jortega/docagent/builtin/vectorstore/memstore"
	"github.com/jortega/docagent/internal/chunker"
	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/retry"
	"github.com/jortega/docagent/pkg/types"
)

type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (s *stubEmbedder) Name() string      { return "stub" }
func (s *stubEmbedder) Dimensions() int   { return 3 }
func (s *stubEmbedder) MaxBatchSize() int { return 2 }
func (s *stubEmbedder) Close() error      { return nil }

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return vecs, nil
}

type stubFetcher struct {
	result *provider.FetchResult
	err    error
}

func (s *stubFetcher) Fetch(ctx context.Context, uri string) (*provider.FetchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubDocStore struct {
	mu    sync.Mutex
	docs  map[string]*types.Document
	order []string
}

func newStubDocStore() *stubDocStore {
	return &stubDocStore{docs: make(map[string]*types.Document)}
}

func (s *stubDocStore) SaveDocument(ctx context.Context, doc *types.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	if _, ok := s.docs[doc.ID]; !ok {
		s.order = append(s.order, doc.ID)
	}
	s.docs[doc.ID] = &cp
	return nil
}

func (s *stubDocStore) DocumentByChat(ctx context.Context, chatID string) (*types.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if doc := s.docs[s.order[i]]; doc.ChatID == chatID {
			cp := *doc
			return &cp, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *stubDocStore) UpdateDocument(ctx context.Context, docID string, status types.DocumentStatus, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return types.ErrNotFound
	}
	doc.Status = status
	doc.ErrorDetail = errorDetail
	return nil
}

func (s *stubDocStore) SetDocumentTitle(ctx context.Context, docID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return types.ErrNotFound
	}
	doc.Title = title
	return nil
}

func (s *stubDocStore) get(docID string) *types.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[docID]; ok {
		cp := *doc
		return &cp
	}
	return nil
}

func newTestPipeline(t *testing.T, fetcher provider.Fetcher, embedder provider.EmbeddingProvider) (*Pipeline, *Tracker, *stubDocStore, provider.VectorIndex) {
	t.Helper()

	ck, err := chunker.New(chunker.Config{Size: 50, Overlap: 10})
	if err != nil {
		t.Fatalf("chunker.New failed: %v", err)
	}

	tracker := NewTracker()
	docs := newStubDocStore()
	index := memstore.New()

	p := New(Config{
		Chunker:  ck,
		Embedder: embedder,
		Index:    index,
		Fetcher:  fetcher,
		Docs:     docs,
		Tracker:  tracker,
		Retry:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2},
	})
	return p, tracker, docs, index
}

func waitTerminal(t *testing.T, tracker *Tracker, chatID string) *types.ProcessingJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := tracker.Get(chatID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return nil
}

func TestStartIngestsAndIndexes(t *testing.T) {
	fetcher := &stubFetcher{result: &provider.FetchResult{
		Title: "CLI Reference",
		Text:  "The tool accepts flags. Flags come before arguments. Use --help for details on every command and subcommand available.",
	}}
	p, tracker, docs, index := newTestPipeline(t, fetcher, &stubEmbedder{})

	job, err := p.Start(context.Background(), "chat1", "https://example.org/docs")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := waitTerminal(t, tracker, "chat1")
	if final.State != types.JobStateCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.State, final.ErrorDetail)
	}

	doc := docs.get(job.DocumentID)
	if doc == nil {
		t.Fatal("document record missing")
	}
	if doc.Status != types.DocumentStatusCompleted {
		t.Errorf("expected document completed, got %s", doc.Status)
	}
	if doc.Title != "CLI Reference" {
		t.Errorf("expected extracted title, got %q", doc.Title)
	}

	count, err := index.Count(context.Background(), job.DocumentID)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count == 0 {
		t.Error("expected chunks in the index")
	}
}

func TestReingestDropsSupersededIndexEntries(t *testing.T) {
	fetcher := &stubFetcher{result: &provider.FetchResult{
		Title: "Guide",
		Text:  "First version of the documentation with enough text to split into several chunks for indexing purposes.",
	}}
	p, tracker, _, index := newTestPipeline(t, fetcher, &stubEmbedder{})
	ctx := context.Background()

	first, err := p.Start(ctx, "chat1", "https://example.org/docs")
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	waitTerminal(t, tracker, "chat1")

	count, err := index.Count(ctx, first.DocumentID)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count == 0 {
		t.Fatal("first version not indexed")
	}

	second, err := p.Start(ctx, "chat1", "https://example.org/docs")
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	job := waitTerminal(t, tracker, "chat1")
	if job.State != types.JobStateCompleted {
		t.Fatalf("second ingestion failed: %s", job.ErrorDetail)
	}

	if count, _ = index.Count(ctx, first.DocumentID); count != 0 {
		t.Errorf("superseded document still has %d index entries", count)
	}
	if count, _ = index.Count(ctx, second.DocumentID); count == 0 {
		t.Error("new document version not indexed")
	}
}

func TestFetchRetryPolicyGovernsFetch(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	fetcher := fetchFunc(func(ctx context.Context, uri string) (*provider.FetchResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, fmt.Errorf("%w: connection refused", types.ErrFetch)
	})

	ck, err := chunker.New(chunker.Config{Size: 50, Overlap: 10})
	if err != nil {
		t.Fatalf("chunker.New failed: %v", err)
	}
	tracker := NewTracker()
	p := New(Config{
		Chunker:    ck,
		Embedder:   &stubEmbedder{},
		Index:      memstore.New(),
		Fetcher:    fetcher,
		Docs:       newStubDocStore(),
		Tracker:    tracker,
		Retry:      retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2},
		FetchRetry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
	})

	if _, err := p.Start(context.Background(), "chat1", "https://example.org/docs"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitTerminal(t, tracker, "chat1")

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected 3 fetch attempts, got %d", attempts)
	}
}

func TestStartFailureCategories(t *testing.T) {
	tests := []struct {
		name     string
		fetcher  provider.Fetcher
		embedder provider.EmbeddingProvider
		want     types.FailureCategory
	}{
		{
			name:     "fetch failure is network",
			fetcher:  &stubFetcher{err: fmt.Errorf("%w: connection refused", types.ErrFetch)},
			embedder: &stubEmbedder{},
			want:     types.FailureNetwork,
		},
		{
			name:     "empty document is parsing",
			fetcher:  &stubFetcher{result: &provider.FetchResult{Text: "   \n\n  "}},
			embedder: &stubEmbedder{},
			want:     types.FailureParsing,
		},
		{
			name:     "embedding failure is embedding",
			fetcher:  &stubFetcher{result: &provider.FetchResult{Text: "some document text that is long enough to produce chunks"}},
			embedder: &stubEmbedder{fail: errors.New("provider down")},
			want:     types.FailureEmbedding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, tracker, _, _ := newTestPipeline(t, tt.fetcher, tt.embedder)

			if _, err := p.Start(context.Background(), "chat1", "https://example.org/docs"); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			job := waitTerminal(t, tracker, "chat1")
			if job.State != types.JobStateFailed {
				t.Fatalf("expected failed, got %s", job.State)
			}
			if job.Category != tt.want {
				t.Errorf("expected category %s, got %s", tt.want, job.Category)
			}
		})
	}
}

func TestStartRejectsSecondJob(t *testing.T) {
	// A fetcher that blocks keeps the first job non-terminal.
	blocker := make(chan struct{})
	fetcher := fetchFunc(func(ctx context.Context, uri string) (*provider.FetchResult, error) {
		select {
		case <-blocker:
			return &provider.FetchResult{Text: "document text for the slow fetch path"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	p, tracker, _, _ := newTestPipeline(t, fetcher, &stubEmbedder{})

	if _, err := p.Start(context.Background(), "chat1", "https://example.org/a"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}

	_, err := p.Start(context.Background(), "chat1", "https://example.org/b")
	if !errors.Is(err, types.ErrJobInProgress) {
		t.Errorf("expected ErrJobInProgress, got %v", err)
	}

	close(blocker)
	waitTerminal(t, tracker, "chat1")
}

func TestCancelMarksJobCancelled(t *testing.T) {
	started := make(chan struct{})
	fetcher := fetchFunc(func(ctx context.Context, uri string) (*provider.FetchResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	p, tracker, _, _ := newTestPipeline(t, fetcher, &stubEmbedder{})

	if _, err := p.Start(context.Background(), "chat1", "https://example.org/docs"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started

	if err := p.Cancel("chat1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	job := waitTerminal(t, tracker, "chat1")
	if job.State != types.JobStateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.Category != types.FailureCancelled {
		t.Errorf("expected cancelled category, got %s", job.Category)
	}
}

type fetchFunc func(ctx context.Context, uri string) (*provider.FetchResult, error)

func (f fetchFunc) Fetch(ctx context.Context, uri string) (*provider.FetchResult, error) {
	return f(ctx, uri)
}
