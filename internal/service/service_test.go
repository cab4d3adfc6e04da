package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jortega/docagent/builtin/vectorstore/memstore"
	"github.com/jortega/docagent/internal/chunker"
	"github.com/jortega/docagent/internal/ingest"
	"github.com/jortega/docagent/internal/memory"
	"github.com/jortega/docagent/internal/workflow"
	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/retry"
	"github.com/jortega/docagent/pkg/types"
)

type stubEmbedder struct{}

func (stubEmbedder) Name() string      { return "stub" }
func (stubEmbedder) Dimensions() int   { return 2 }
func (stubEmbedder) MaxBatchSize() int { return 8 }
func (stubEmbedder) Close() error      { return nil }

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{float32(len(texts[i]) % 7), 1}
	}
	return vecs, nil
}

type stubLLM struct{ response string }

func (stubLLM) Name() string { return "stub" }
func (stubLLM) Close() error { return nil }

func (s stubLLM) Generate(ctx context.Context, prompt string, opts provider.GenerateOptions) (string, error) {
	return s.response, nil
}

type stubClassifier struct{ intent types.Intent }

func (s stubClassifier) Classify(ctx context.Context, message string, recent []types.Turn) (types.Intent, error) {
	return s.intent, nil
}

type stubFetcher struct{ text string }

func (s stubFetcher) Fetch(ctx context.Context, uri string) (*provider.FetchResult, error) {
	return &provider.FetchResult{Title: "Test Doc", Text: s.text}, nil
}

type fixture struct {
	store *memory.Store
	chats *ChatService
	docs  *DocService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("memory.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	index := memstore.New()
	ck, err := chunker.New(chunker.Config{Size: 60, Overlap: 10})
	if err != nil {
		t.Fatalf("chunker.New failed: %v", err)
	}

	tracker := ingest.NewTracker()
	pipeline := ingest.New(ingest.Config{
		Chunker:  ck,
		Embedder: stubEmbedder{},
		Index:    index,
		Fetcher:  stubFetcher{text: "Install the tool with make install. Configuration lives in config.yaml under the workspace root."},
		Docs:     store,
		Tracker:  tracker,
		Retry:    retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2},
	})

	engine := workflow.New(workflow.Config{
		Classifier: stubClassifier{intent: types.IntentNewTopic},
		Embedder:   stubEmbedder{},
		Index:      index,
		LLM:        stubLLM{response: "Use make install."},
		Memory:     store,
		Retry:      retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2},
	})

	return &fixture{
		store: store,
		chats: NewChatService(store, engine, nil),
		docs:  NewDocService(store, pipeline, tracker, index, nil),
	}
}

func (f *fixture) ingestAndWait(t *testing.T) string {
	t.Helper()

	job, err := f.docs.StartIngestion(context.Background(), "https://example.org/guide", "")
	if err != nil {
		t.Fatalf("StartIngestion failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.docs.GetStatus(context.Background(), job.ChatID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if got.State.Terminal() {
			if got.State != types.JobStateCompleted {
				t.Fatalf("ingestion ended %s: %s", got.State, got.ErrorDetail)
			}
			return job.ChatID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ingestion did not finish")
	return ""
}

func TestPostMessageHappyPath(t *testing.T) {
	f := newFixture(t)
	chatID := f.ingestAndWait(t)

	answer, err := f.chats.PostMessage(context.Background(), chatID, "alice", "how do I install?")
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if answer.Text != "Use make install." {
		t.Errorf("unexpected answer %q", answer.Text)
	}
	if answer.Retrieved == 0 {
		t.Error("expected retrieval on new_topic")
	}

	history, err := f.chats.GetHistory(context.Background(), chatID)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(history))
	}
	if history[0].Role != types.RoleUser || history[1].Role != types.RoleAgent {
		t.Error("history roles wrong")
	}
	if history[0].UserID != "alice" {
		t.Errorf("user turn has user_id %q, want alice", history[0].UserID)
	}
	if history[1].UserID != "" {
		t.Errorf("agent turn has user_id %q, want empty", history[1].UserID)
	}
}

func TestPostMessageUnknownChat(t *testing.T) {
	f := newFixture(t)

	_, err := f.chats.PostMessage(context.Background(), "chat_missing", "alice", "hello?")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostMessageDocumentNotReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EnsureSession(ctx, "chat1")
	now := time.Now().UTC()
	f.store.SaveDocument(ctx, &types.Document{
		ID: "doc1", ChatID: "chat1", SourceURI: "https://example.org",
		Status: types.DocumentStatusProcessing, CreatedAt: now, UpdatedAt: now,
	})

	_, err := f.chats.PostMessage(ctx, "chat1", "alice", "ready yet?")
	if !errors.Is(err, types.ErrDocumentNotReady) {
		t.Errorf("expected ErrDocumentNotReady for processing doc, got %v", err)
	}

	f.store.UpdateDocument(ctx, "doc1", types.DocumentStatusFailed, "provider down")
	_, err = f.chats.PostMessage(ctx, "chat1", "alice", "ready now?")
	if !errors.Is(err, types.ErrDocumentNotReady) {
		t.Errorf("expected ErrDocumentNotReady for failed doc, got %v", err)
	}
}

func TestDocumentInfo(t *testing.T) {
	f := newFixture(t)
	chatID := f.ingestAndWait(t)

	info, err := f.docs.Info(context.Background(), chatID)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Document.Title != "Test Doc" {
		t.Errorf("expected extracted title, got %q", info.Document.Title)
	}
	if info.Document.Status != types.DocumentStatusCompleted {
		t.Errorf("expected completed, got %s", info.Document.Status)
	}
	if info.Chunks == 0 {
		t.Error("expected indexed chunks")
	}
}

func TestAnalytics(t *testing.T) {
	f := newFixture(t)
	chatID := f.ingestAndWait(t)

	ctx := context.Background()
	if _, err := f.chats.PostMessage(ctx, chatID, "alice", "how do I install?"); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if _, err := f.chats.PostMessage(ctx, chatID, "alice", "where is the config?"); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	analytics, err := f.chats.GetAnalytics(ctx, chatID)
	if err != nil {
		t.Fatalf("GetAnalytics failed: %v", err)
	}
	if analytics.Turns != 4 {
		t.Errorf("expected 4 turns, got %d", analytics.Turns)
	}
	if analytics.Exchanges != 2 {
		t.Errorf("expected 2 exchanges, got %d", analytics.Exchanges)
	}
	if analytics.Intents[types.IntentNewTopic] != 2 {
		t.Errorf("expected 2 new_topic answers, got %d", analytics.Intents[types.IntentNewTopic])
	}
}

func TestGetStatusFallsBackToDocumentRecord(t *testing.T) {
	f := newFixture(t)
	chatID := f.ingestAndWait(t)

	// A fresh tracker stands in for a restarted process: the job entry
	// is gone but the document record survives.
	restarted := NewDocService(f.store, nil, ingest.NewTracker(), memstore.New(), nil)

	job, err := restarted.GetStatus(context.Background(), chatID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if job.State != types.JobStateCompleted {
		t.Errorf("expected completed from document record, got %s", job.State)
	}
	if job.DocumentID == "" {
		t.Error("expected document id on synthesized job")
	}

	if _, err := restarted.GetStatus(context.Background(), "chat_missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown chat, got %v", err)
	}
}

func TestGetStatusFallbackReportsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EnsureSession(ctx, "chat1")
	now := time.Now().UTC()
	f.store.SaveDocument(ctx, &types.Document{
		ID: "doc1", ChatID: "chat1", SourceURI: "https://example.org",
		Status: types.DocumentStatusFailed, ErrorDetail: "provider down",
		CreatedAt: now, UpdatedAt: now,
	})

	job, err := f.docs.GetStatus(ctx, "chat1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if job.State != types.JobStateFailed {
		t.Errorf("expected failed, got %s", job.State)
	}
	if job.ErrorDetail != "provider down" {
		t.Errorf("expected error detail carried over, got %q", job.ErrorDetail)
	}
}

func TestReleaseChatDropsLock(t *testing.T) {
	f := newFixture(t)
	chatID := f.ingestAndWait(t)

	if _, err := f.chats.PostMessage(context.Background(), chatID, "alice", "how do I install?"); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	f.chats.mu.Lock()
	_, held := f.chats.locks[chatID]
	f.chats.mu.Unlock()
	if !held {
		t.Fatal("expected a lock entry after PostMessage")
	}

	f.chats.ReleaseChat(chatID)

	f.chats.mu.Lock()
	_, held = f.chats.locks[chatID]
	f.chats.mu.Unlock()
	if held {
		t.Error("expected lock entry dropped after ReleaseChat")
	}
}

func TestDeleteChat(t *testing.T) {
	f := newFixture(t)
	chatID := f.ingestAndWait(t)

	ctx := context.Background()
	if _, err := f.chats.PostMessage(ctx, chatID, "alice", "how do I install?"); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	if err := f.docs.Delete(ctx, chatID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := f.chats.GetHistory(ctx, chatID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected history gone, got %v", err)
	}
	if _, err := f.docs.Info(ctx, chatID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected document gone, got %v", err)
	}
}

func TestDeleteUnknownChat(t *testing.T) {
	f := newFixture(t)

	err := f.docs.Delete(context.Background(), "chat_missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
