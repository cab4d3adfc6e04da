// Package workflow orchestrates one conversational turn as an explicit
// stage machine: classify intent, conditionally retrieve, build context,
// generate, format, persist. The engine owns no persistent state; it
// drives the conversation store and vector index it is given.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/retry"
	"github.com/jortega/docagent/pkg/types"
)

// Stage identifies one step of the turn pipeline.
type Stage string

const (
	StageInput      Stage = "input"
	StageIntent     Stage = "intent"
	StageRetrieve   Stage = "retrieve"
	StageMemory     Stage = "memory"
	StageContext    Stage = "context"
	StageGenerate   Stage = "generate"
	StageCodeFormat Stage = "codeformat"
	StageOutput     Stage = "output"
	StageDone       Stage = "done"
)

// ConversationStore is the slice of the memory store the engine needs.
type ConversationStore interface {
	Recent(ctx context.Context, chatID string, n int) ([]types.Turn, error)
	AppendExchange(ctx context.Context, chatID, userID, userText, agentText string, intent types.Intent) ([]types.Turn, error)
}

// Classifier assigns an intent to a user message.
type Classifier interface {
	Classify(ctx context.Context, message string, recent []types.Turn) (types.Intent, error)
}

// Config holds engine dependencies and tuning.
type Config struct {
	Classifier Classifier
	Embedder   provider.EmbeddingProvider
	Index      provider.VectorIndex
	LLM        provider.LLMProvider
	Memory     ConversationStore

	RetrievalK    int
	ContextBudget int
	MemoryWindow  int
	MaxTokens     int
	Temperature   float64
	Retry         retry.Policy
	Logger        *slog.Logger
}

// Engine runs conversational turns.
type Engine struct {
	classifier Classifier
	embedder   provider.EmbeddingProvider
	index      provider.VectorIndex
	llm        provider.LLMProvider
	memory     ConversationStore

	retrievalK    int
	contextBudget int
	memoryWindow  int
	maxTokens     int
	temperature   float64
	retry         retry.Policy
	logger        *slog.Logger

	handlers map[Stage]func(ctx context.Context, st *turnState) error
}

// turnState carries one turn through the stages.
type turnState struct {
	chatID     string
	documentID string
	userID     string
	message    string

	intent    types.Intent
	recent    []types.Turn
	useMemory bool
	retrieved []types.RetrievalResult
	prompt    string
	response  string
}

// New creates an engine from cfg.
func New(cfg Config) *Engine {
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = 5
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 4000
	}
	if cfg.MemoryWindow <= 0 {
		cfg.MemoryWindow = 6
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		classifier:    cfg.Classifier,
		embedder:      cfg.Embedder,
		index:         cfg.Index,
		llm:           cfg.LLM,
		memory:        cfg.Memory,
		retrievalK:    cfg.RetrievalK,
		contextBudget: cfg.ContextBudget,
		memoryWindow:  cfg.MemoryWindow,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		retry:         cfg.Retry,
		logger:        cfg.Logger,
	}
	e.handlers = map[Stage]func(ctx context.Context, st *turnState) error{
		StageInput:      e.handleInput,
		StageIntent:     e.handleIntent,
		StageRetrieve:   e.handleRetrieve,
		StageMemory:     e.handleMemory,
		StageContext:    e.handleContext,
		StageGenerate:   e.handleGenerate,
		StageCodeFormat: e.handleCodeFormat,
		StageOutput:     e.handleOutput,
	}
	return e
}

// next returns the stage that follows stage for the given intent. It is
// total: every (stage, intent) pair maps to exactly one successor.
func next(stage Stage, intent types.Intent) Stage {
	switch stage {
	case StageInput:
		return StageIntent
	case StageIntent:
		switch intent {
		case types.IntentNewTopic:
			return StageRetrieve
		case types.IntentFollowUp, types.IntentClarification:
			return StageMemory
		default: // out_of_scope and anything unexpected go straight to context
			return StageContext
		}
	case StageRetrieve:
		return StageContext
	case StageMemory:
		return StageContext
	case StageContext:
		return StageGenerate
	case StageGenerate:
		return StageCodeFormat
	case StageCodeFormat:
		return StageOutput
	default:
		return StageDone
	}
}

// Run executes one turn. The returned Answer always carries the intent;
// on failure its Err field is set instead of Text and the error is also
// returned for the caller to classify.
func (e *Engine) Run(ctx context.Context, chatID, documentID, userID, message string) (*types.Answer, error) {
	st := &turnState{chatID: chatID, documentID: documentID, userID: userID, message: message}
	log := e.logger.With("chat_id", chatID)

	stage := StageInput
	for stage != StageDone {
		if err := e.handlers[stage](ctx, st); err != nil {
			log.Error("turn failed", "stage", stage, "intent", st.intent, "error", err)
			return &types.Answer{
				ChatID:    chatID,
				Intent:    st.intent,
				Retrieved: len(st.retrieved),
				Err:       err.Error(),
				CreatedAt: time.Now(),
			}, err
		}
		stage = next(stage, st.intent)
	}

	log.Info("turn complete", "intent", st.intent, "retrieved", len(st.retrieved))

	sources := make([]string, 0, len(st.retrieved))
	for _, r := range st.retrieved {
		sources = append(sources, r.ChunkID)
	}
	return &types.Answer{
		ChatID:    chatID,
		Text:      st.response,
		Intent:    st.intent,
		Retrieved: len(st.retrieved),
		Sources:   sources,
		CreatedAt: time.Now(),
	}, nil
}

// handleInput loads the recent window. The classifier needs it even on
// paths that do not reuse it for context.
func (e *Engine) handleInput(ctx context.Context, st *turnState) error {
	recent, err := e.memory.Recent(ctx, st.chatID, e.memoryWindow)
	if err != nil {
		return fmt.Errorf("%w: loading recent turns: %v", types.ErrPersistence, err)
	}
	st.recent = recent
	return nil
}

// handleIntent classifies the message. A classifier failure degrades to
// new_topic rather than failing the turn.
func (e *Engine) handleIntent(ctx context.Context, st *turnState) error {
	intent, err := e.classifier.Classify(ctx, st.message, st.recent)
	if err != nil || !intent.Valid() {
		e.logger.Warn("intent classification degraded to new_topic",
			"chat_id", st.chatID, "error", err)
		intent = types.IntentNewTopic
	}
	st.intent = intent
	return nil
}

// handleRetrieve embeds the message and queries the index.
func (e *Engine) handleRetrieve(ctx context.Context, st *turnState) error {
	var vectors [][]float32
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var eerr error
		vectors, eerr = e.embedder.Embed(ctx, []string{st.message})
		return eerr
	})
	if err != nil {
		return fmt.Errorf("%w: embedding query: %v", types.ErrEmbeddingProvider, err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("%w: got %d query vectors", types.ErrEmbeddingProvider, len(vectors))
	}

	results, err := e.index.Query(ctx, st.documentID, vectors[0], e.retrievalK)
	if err != nil {
		return fmt.Errorf("querying index for %s: %w", st.documentID, err)
	}
	st.retrieved = results
	// Memory still frames the answer on a new topic.
	st.useMemory = true
	return nil
}

// handleMemory marks the recent window as the context source.
func (e *Engine) handleMemory(ctx context.Context, st *turnState) error {
	st.useMemory = true
	return nil
}

// handleContext assembles the prompt for the intent's path.
func (e *Engine) handleContext(ctx context.Context, st *turnState) error {
	var memoryTurns []types.Turn
	if st.useMemory {
		memoryTurns = st.recent
	}
	contextText := buildContext(st.retrieved, memoryTurns, e.contextBudget)
	st.prompt = buildPrompt(st.intent, contextText, st.message, len(st.recent) == 0)
	return nil
}

// handleGenerate calls the model with retries. Exhaustion fails the
// turn; no answer text is ever fabricated.
func (e *Engine) handleGenerate(ctx context.Context, st *turnState) error {
	var response string
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var gerr error
		response, gerr = e.llm.Generate(ctx, st.prompt, provider.GenerateOptions{
			MaxTokens:   e.maxTokens,
			Temperature: float32(e.temperature),
		})
		return gerr
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrGeneration, err)
	}
	st.response = response
	return nil
}

// handleCodeFormat normalizes fenced code blocks when present.
func (e *Engine) handleCodeFormat(ctx context.Context, st *turnState) error {
	if hasCodeFences(st.response) {
		st.response = normalizeCodeFences(st.response)
	}
	return nil
}

// handleOutput appends both turns atomically.
func (e *Engine) handleOutput(ctx context.Context, st *turnState) error {
	if _, err := e.memory.AppendExchange(ctx, st.chatID, st.userID, st.message, st.response, st.intent); err != nil {
		return fmt.Errorf("%w: appending exchange: %v", types.ErrPersistence, err)
	}
	return nil
}
