package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/attest/internal/api"
	"github.com/kalambet/attest/internal/chunking"
	"github.com/kalambet/attest/internal/config"
	"github.com/kalambet/attest/internal/documents"
	"github.com/kalambet/attest/internal/engine"
	"github.com/kalambet/attest/internal/extraction"
	"github.com/kalambet/attest/internal/ingest"
	"github.com/kalambet/attest/internal/objectstore"
	"github.com/kalambet/attest/internal/ollama"
	"github.com/kalambet/attest/internal/parser"
	"github.com/kalambet/attest/internal/questionnaire"
	"github.com/kalambet/attest/internal/retrieval"
	"github.com/kalambet/attest/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API and, unless disabled, the pipeline worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the document pipeline worker only",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

// app holds the wired services of one process.
type app struct {
	cfg            config.Config
	store          *storage.Store
	documents      *documents.Service
	questionnaires *questionnaire.Service
	retriever      *retrieval.Retriever
	worker         *ingest.Worker
	closers        []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}

func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

func openStore(ctx context.Context, cfg config.Config) (*storage.Store, error) {
	if cfg.Storage.Driver == config.DriverPostgres {
		return storage.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
	}
	return storage.Open(cfg.Storage.DataDir)
}

func providerSettings(p config.ProviderConfig, dims int) engine.Settings {
	return engine.Settings{
		Provider:   p.Provider,
		BaseURL:    p.BaseURL,
		Model:      p.Model,
		APIKey:     p.APIKey,
		Dimensions: dims,
		Policy:     engine.DefaultPolicy(),
	}
}

// buildApp opens storage and wires every service from cfg.
func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	objects, err := objectstore.NewFS(cfg.ObjectsDir())
	if err != nil {
		return nil, fmt.Errorf("opening object store: %w", err)
	}

	rules, err := extraction.LoadRules(cfg.Extraction.RulesFile)
	if err != nil {
		return nil, err
	}

	var remote *parser.Remote
	if cfg.Parser.ServiceURL != "" {
		remote = parser.NewRemote(cfg.Parser.ServiceURL)
	}

	embedder, err := engine.NewEmbeddings(ctx, providerSettings(cfg.Embeddings.ProviderConfig, cfg.Embeddings.Dimensions))
	if err != nil {
		return nil, fmt.Errorf("configuring embeddings: %w", err)
	}
	a.closers = append(a.closers, embedder.Close)

	completer, err := engine.NewCompletion(ctx, providerSettings(cfg.LLM, 0))
	if err != nil {
		return nil, fmt.Errorf("configuring completion: %w", err)
	}
	a.closers = append(a.closers, completer.Close)

	a.retriever = retrieval.New(store, embedder, completer, retrieval.Options{
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
	})
	a.documents = documents.NewService(store, objects)
	a.questionnaires = questionnaire.NewService(store, a.retriever)
	a.worker = ingest.NewWorker(store, objects, parser.Default(remote), chunking.New(cfg.Chunking.MaxChars),
		extraction.New(rules), embedder, ingest.Config{
			PollInterval: cfg.Worker.PollInterval,
			MaxAttempts:  cfg.Worker.MaxAttempts,
			StaleAfter:   cfg.Worker.StaleAfter,
		})

	ok = true
	return a, nil
}

// ensureLocalModels pulls the Ollama models the configuration relies on.
// Failures are logged: the engine degrades to zero vectors and error text.
func ensureLocalModels(ctx context.Context, cfg config.Config) {
	byURL := map[string][]string{}
	if cfg.LLM.Provider == engine.ProviderOllama {
		model := cfg.LLM.Model
		if model == "" {
			model = engine.DefaultChatModel(engine.ProviderOllama)
		}
		byURL[cfg.LLM.BaseURL] = append(byURL[cfg.LLM.BaseURL], model)
	}
	if cfg.Embeddings.Provider == engine.ProviderOllama {
		model := cfg.Embeddings.Model
		if model == "" {
			model = engine.DefaultEmbeddingModel(engine.ProviderOllama)
		}
		byURL[cfg.Embeddings.BaseURL] = append(byURL[cfg.Embeddings.BaseURL], model)
	}
	for baseURL, models := range byURL {
		if err := engine.EnsureModels(ctx, ollama.New(baseURL), models, os.Stderr); err != nil {
			slog.Warn("local models unavailable", "base_url", baseURL, "error", err)
		}
	}
}

func loadForDaemon(ctx context.Context) (context.Context, context.CancelFunc, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, config.Config{}, err
	}
	setupLogging(cfg)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, stop, cfg, nil
}

func runServe(parent context.Context) error {
	ctx, stop, cfg, err := loadForDaemon(parent)
	if err != nil {
		return err
	}
	defer stop()
	if cfg.Server.APIToken == "" {
		return fmt.Errorf("serve requires an API token: set ATTEST_SERVER_API_TOKEN")
	}
	slog.Info("starting attest", "version", version, "storage", cfg.Storage.Driver)

	ensureLocalModels(ctx, cfg)
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewHandler(api.Deps{
			Documents:      a.documents,
			Questionnaires: a.questionnaires,
			Answerer:       a.retriever,
			Token:          cfg.Server.APIToken,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Worker.Enabled {
		g.Go(func() error {
			a.worker.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

func runWorker(parent context.Context) error {
	ctx, stop, cfg, err := loadForDaemon(parent)
	if err != nil {
		return err
	}
	defer stop()

	ensureLocalModels(ctx, cfg)
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.worker.Run(ctx)
	return nil
}

// runMCP serves tools over stdio; stdout belongs to the protocol, so logs go
// to stderr and no model pulls are attempted.
func runMCP(parent context.Context) error {
	ctx, stop, cfg, err := loadForDaemon(parent)
	if err != nil {
		return err
	}
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewMCPServer(api.MCPDeps{Answerer: a.retriever, Documents: a.documents})
	if err := server.NewStdioServer(srv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
