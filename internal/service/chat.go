// Package service exposes the application operations behind the HTTP
// surface and the CLI: starting ingestions, posting messages, reading
// history and managing chats.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jortega/docagent/internal/memory"
	"github.com/jortega/docagent/internal/workflow"
	"github.com/jortega/docagent/pkg/types"
)

// ChatService processes conversational turns for chats with an ingested
// document.
type ChatService struct {
	store  *memory.Store
	engine *workflow.Engine
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewChatService creates a chat service.
func NewChatService(store *memory.Store, engine *workflow.Engine, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		store:  store,
		engine: engine,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// chatLock returns the mutex serializing turns for one chat. Turns in
// different chats proceed concurrently.
func (s *ChatService) chatLock(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[chatID] = lock
	}
	return lock
}

// ReleaseChat drops the chat's turn lock. Called when the chat is
// deleted so the lock map does not grow with dead chats.
func (s *ChatService) ReleaseChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, chatID)
}

// PostMessage runs one turn. Turns within a chat are serialized from
// acceptance to completion so each chat keeps a single linear history.
func (s *ChatService) PostMessage(ctx context.Context, chatID, userID, text string) (*types.Answer, error) {
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}

	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.store.DocumentByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	switch doc.Status {
	case types.DocumentStatusCompleted:
	case types.DocumentStatusFailed:
		return nil, fmt.Errorf("%w: ingestion failed: %s", types.ErrDocumentNotReady, doc.ErrorDetail)
	default:
		return nil, fmt.Errorf("%w: ingestion is %s", types.ErrDocumentNotReady, doc.Status)
	}

	return s.engine.Run(ctx, chatID, doc.ID, userID, text)
}

// GetHistory returns the chat's full ordered turn log.
func (s *ChatService) GetHistory(ctx context.Context, chatID string) ([]types.Turn, error) {
	if _, err := s.store.Session(ctx, chatID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, chatID)
}

// Analytics summarizes a chat's activity.
type Analytics struct {
	ChatID    string               `json:"chat_id"`
	Turns     int                  `json:"turns"`
	Exchanges int                  `json:"exchanges"`
	Intents   map[types.Intent]int `json:"intents"`
}

// GetAnalytics returns turn totals and the intent distribution.
func (s *ChatService) GetAnalytics(ctx context.Context, chatID string) (*Analytics, error) {
	sess, err := s.store.Session(ctx, chatID)
	if err != nil {
		return nil, err
	}
	intents, err := s.store.IntentCounts(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &Analytics{
		ChatID:    chatID,
		Turns:     sess.TurnCount,
		Exchanges: sess.TurnCount / 2,
		Intents:   intents,
	}, nil
}
