// docagent is a documentation chat agent: it ingests a documentation
// source into a vector index and answers questions about it over HTTP
// or from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ollamaEmbed "github.com/jortega/docagent/builtin/embedding/ollama"
	openaiEmbed "github.com/jortega/docagent/builtin/embedding/openai"
	"github.com/jortega/docagent/builtin/fetch/web"
	ollamaLLM "github.com/jortega/docagent/builtin/llm/ollama"
	openaiLLM "github.com/jortega/docagent/builtin/llm/openai"
	"github.com/jortega/docagent/builtin/vectorstore/memstore"
	"github.com/jortega/docagent/builtin/vectorstore/sqlitevec"
	"github.com/jortega/docagent/internal/chunker"
	"github.com/jortega/docagent/internal/config"
	"github.com/jortega/docagent/internal/ingest"
	"github.com/jortega/docagent/internal/intent"
	"github.com/jortega/docagent/internal/memory"
	"github.com/jortega/docagent/internal/server"
	"github.com/jortega/docagent/internal/service"
	"github.com/jortega/docagent/internal/workflow"
	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/retry"
	"github.com/jortega/docagent/pkg/types"
)

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docagent",
	Short: "Documentation chat agent",
	Long: `docagent ingests a documentation source (URL) into a vector index and
answers questions about it, keeping per-chat conversation memory.

It supports:
- Multiple embedding and LLM providers (Ollama, OpenAI)
- sqlite-vec or in-memory vector indexes
- An HTTP API (serve) and direct CLI usage (ingest, ask)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("docagent %s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <uri>",
	Short: "Ingest a documentation source",
	Long:  `Ingest a documentation URL into the vector index and print the chat ID to ask questions against.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		chatID, _ := cmd.Flags().GetString("chat")
		runIngest(args[0], chatID)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <chat-id> <question>",
	Short: "Ask a question in a chat",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		userID, _ := cmd.Flags().GetString("user")
		runAsk(args[0], userID, args[1])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <chat-id>",
	Short: "Show ingestion status for a chat",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runStatus(args[0])
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print a chat's conversation history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runHistory(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: docagent.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	ingestCmd.Flags().String("chat", "", "existing chat to re-ingest into")
	askCmd.Flags().String("user", "", "user identifier recorded on the turn")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// app holds the assembled application.
type app struct {
	cfg   *config.Config
	store *memory.Store
	index provider.VectorIndex
	chats *service.ChatService
	docs  *service.DocService
}

func (a *app) close() {
	a.index.Close()
	a.store.Close()
}

func loadConfig() *config.Config {
	path := cfgFile
	if path == "" {
		path = "docagent.yaml"
	}

	cfg, warnings, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		slog.Warn(w)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid config", "error", e)
		}
		os.Exit(1)
	}
	return cfg
}

// createProviders creates the embedding, LLM and index providers from config.
func createProviders(cfg *config.Config) (provider.EmbeddingProvider, provider.LLMProvider, provider.VectorIndex, error) {
	var embedder provider.EmbeddingProvider
	switch cfg.Embedding.Provider {
	case "openai":
		embedder = openaiEmbed.New(openaiEmbed.Config{
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			BatchSize: cfg.Embedding.BatchSize,
		})
	default:
		embedder = ollamaEmbed.New(ollamaEmbed.Config{
			Model:     cfg.Embedding.Model,
			Endpoint:  cfg.Embedding.Endpoint,
			BatchSize: cfg.Embedding.BatchSize,
		})
	}

	var llm provider.LLMProvider
	switch cfg.LLM.Provider {
	case "openai":
		llm = openaiLLM.New(openaiLLM.Config{
			Model:  cfg.LLM.Model,
			APIKey: cfg.LLM.APIKey,
		})
	default:
		llm = ollamaLLM.New(ollamaLLM.Config{
			Model:    cfg.LLM.Model,
			Endpoint: cfg.LLM.Endpoint,
		})
	}

	var index provider.VectorIndex
	switch cfg.Storage.IndexProvider {
	case "memory":
		index = memstore.New()
	default:
		store := sqlitevec.New()
		if err := store.Init(cfg.Storage.IndexPath); err != nil {
			return nil, nil, nil, fmt.Errorf("initializing vector index: %w", err)
		}
		index = store
	}

	return embedder, llm, index, nil
}

// buildApp wires config into the full service graph.
func buildApp(cfg *config.Config) (*app, error) {
	embedder, llm, index, err := createProviders(cfg)
	if err != nil {
		return nil, err
	}

	store, err := memory.Open(cfg.Storage.MemoryPath)
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	ck, err := chunker.New(chunker.Config{
		Size:    cfg.Chunking.Size,
		Overlap: cfg.Chunking.Overlap,
	})
	if err != nil {
		index.Close()
		store.Close()
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
	}

	fetchPolicy := retry.Policy{
		MaxAttempts: cfg.Fetch.MaxRetries,
		BaseDelay:   cfg.Retry.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
	}

	tracker := ingest.NewTracker()
	pipeline := ingest.New(ingest.Config{
		Chunker:    ck,
		Embedder:   embedder,
		Index:      index,
		Fetcher:    web.New(web.Config{Timeout: cfg.Fetch.Timeout}),
		Docs:       store,
		Tracker:    tracker,
		EmbedRate:  cfg.Embedding.RateLimit,
		Retry:      policy,
		FetchRetry: fetchPolicy,
	})

	classifier := intent.New(intent.Config{LLM: llm})
	engine := workflow.New(workflow.Config{
		Classifier:    classifier,
		Embedder:      embedder,
		Index:         index,
		LLM:           llm,
		Memory:        store,
		RetrievalK:    cfg.Retrieval.K,
		ContextBudget: cfg.Retrieval.ContextBudget,
		MemoryWindow:  cfg.Memory.Window,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   float64(cfg.LLM.Temperature),
		Retry:         policy,
	})

	return &app{
		cfg:   cfg,
		store: store,
		index: index,
		chats: service.NewChatService(store, engine, nil),
		docs:  service.NewDocService(store, pipeline, tracker, index, nil),
	}, nil
}

func runServe() {
	cfg := loadConfig()
	a, err := buildApp(cfg)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.close()

	slog.Info("configuration loaded",
		"embedding", cfg.Embedding.Provider+"/"+cfg.Embedding.Model,
		"llm", cfg.LLM.Provider+"/"+cfg.LLM.Model,
		"index", cfg.Storage.IndexProvider,
		"config_hash", cfg.Hash()[:12],
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: server.New(a.chats, a.docs, nil).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}

func runIngest(uri, chatID string) {
	cfg := loadConfig()
	a, err := buildApp(cfg)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.close()

	job, err := a.docs.StartIngestion(context.Background(), uri, chatID)
	if err != nil {
		slog.Error("ingestion rejected", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion started", "chat_id", job.ChatID, "document_id", job.DocumentID)

	for {
		time.Sleep(200 * time.Millisecond)
		job, err = a.docs.GetStatus(context.Background(), job.ChatID)
		if err != nil {
			slog.Error("status check failed", "error", err)
			os.Exit(1)
		}
		if job.State.Terminal() {
			break
		}
	}

	if job.State == types.JobStateFailed {
		slog.Error("ingestion failed", "category", job.Category, "detail", job.ErrorDetail)
		os.Exit(1)
	}

	info, err := a.docs.Info(context.Background(), job.ChatID)
	if err != nil {
		slog.Error("info lookup failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Ingested %q (%d chunks)\n", info.Document.Title, info.Chunks)
	fmt.Printf("Chat ID: %s\n", job.ChatID)
}

func runAsk(chatID, userID, question string) {
	cfg := loadConfig()
	a, err := buildApp(cfg)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.close()

	answer, err := a.chats.PostMessage(context.Background(), chatID, userID, question)
	if err != nil {
		slog.Error("turn failed", "error", err)
		os.Exit(1)
	}

	fmt.Println(answer.Text)
	if len(answer.Sources) > 0 {
		fmt.Printf("\n[intent: %s, sources: %v]\n", answer.Intent, answer.Sources)
	} else {
		fmt.Printf("\n[intent: %s]\n", answer.Intent)
	}
}

func runStatus(chatID string) {
	cfg := loadConfig()
	a, err := buildApp(cfg)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.close()

	job, err := a.docs.GetStatus(context.Background(), chatID)
	if err != nil {
		slog.Error("status lookup failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Job: %s (%s)\n", job.DocumentID, job.State)
	if job.State == types.JobStateFailed {
		fmt.Printf("Failure: %s (%s)\n", job.Category, job.ErrorDetail)
	}
}

func runHistory(chatID string) {
	cfg := loadConfig()
	a, err := buildApp(cfg)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.close()

	turns, err := a.chats.GetHistory(context.Background(), chatID)
	if err != nil {
		slog.Error("history lookup failed", "error", err)
		os.Exit(1)
	}

	for _, turn := range turns {
		fmt.Printf("[%d] %s: %s\n", turn.Index, turn.Role, turn.Text)
	}
}
