package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resumai/resumai/internal/api"
	"github.com/resumai/resumai/internal/config"
	"github.com/resumai/resumai/internal/dispatch"
	"github.com/resumai/resumai/internal/draft"
	"github.com/resumai/resumai/internal/generation"
	"github.com/resumai/resumai/internal/identity"
	"github.com/resumai/resumai/internal/ingest"
	"github.com/resumai/resumai/internal/notify"
	"github.com/resumai/resumai/internal/prompt"
	"github.com/resumai/resumai/internal/review"
	"github.com/resumai/resumai/internal/store"
	"github.com/resumai/resumai/internal/transcript"
	"github.com/resumai/resumai/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat webhook server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting server", zap.String("port", cfg.Port), zap.Bool("dev", cfg.IsDevelopment()),
		zap.String("provider", cfg.Generation.Provider))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", zap.Error(closeErr))
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	err = repo.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", zap.String("path", cfg.DBPath))

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()
	preloadGuides(ctx, cfg, backend, logger)

	notifier, responder, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	alloc := identity.NewAllocator(repo, cfg.StoreTimeout, logger)
	defer alloc.Wait()
	ids := identity.NewStore(repo, alloc, cfg.StoreTimeout, logger)
	drafts := draft.NewAccumulator(repo)
	reviews := review.NewHandoff(drafts, repo, notifier, "", logger)
	ingester := ingest.New(backend, ingest.Options{
		MaxLinks: cfg.Ingest.MaxLinks,
		MaxBytes: cfg.Ingest.MaxBytes,
		Timeout:  cfg.Ingest.Timeout,
	}, logger)

	systemPrompt := prompt.Load(cfg.Generation.SystemPromptPath, logger)
	if err := systemPrompt.Watch(); err != nil {
		logger.Warn("System prompt hot reload disabled", zap.Error(err))
	}
	defer func() { _ = systemPrompt.Close() }()

	transcripts, err := transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transcripts: %w", err)
	}
	defer func() { _ = transcripts.Close() }()

	messages, err := dispatch.LoadMessages(cfg.MessagesPath)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Identity:     ids,
		Drafts:       drafts,
		Reviews:      reviews,
		Generator:    backend,
		Ingester:     ingester,
		Interactions: repo,
		Prompt:       systemPrompt,
		Transcript:   transcripts,
		Logger:       logger,
	}, dispatch.Config{
		RequireMode:      cfg.RequireModeForQueries,
		EscalationMarker: cfg.EscalationMarker,
		Sampling:         samplingFrom(cfg),
		Guides: dispatch.Guides{
			SessionID: cfg.Guides.SessionID,
			Threshold: cfg.Guides.Threshold,
			K:         cfg.Guides.K,
		},
		LogTimeout:      cfg.StoreTimeout,
		GenerateTimeout: cfg.Generation.Timeout,
		Messages:        messages,
	})

	sweeper, err := worker.NewSweeper(alloc, cfg.Pool.SweepSchedule, cfg.StoreTimeout, logger)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sweeper.Stop(stopCtx)
	}()
	logger.Info("Pool sweeper started", zap.String("schedule", cfg.Pool.SweepSchedule))

	routerCfg := api.RouterConfig{
		Turns:          dispatcher,
		Store:          repo,
		Logger:         logger,
		Dev:            cfg.IsDevelopment(),
		AllowedOrigins: cfg.AllowedOrigins,
		HealthTimeout:  cfg.StoreTimeout,
		TelegramSecret: cfg.Telegram.WebhookSecret,
		TelegramChat:   cfg.Telegram.ReviewerChatID,
	}
	if responder != nil {
		routerCfg.Telegram = responder
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Generation.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped successfully")
	return nil
}

func samplingFrom(cfg *config.Config) generation.Sampling {
	return generation.Sampling{
		Model:        cfg.Generation.Model,
		Temperature:  cfg.Generation.Temperature,
		LastK:        cfg.Generation.LastK,
		RAG:          cfg.Generation.RAG,
		RAGK:         cfg.Generation.RAGK,
		RAGThreshold: cfg.Generation.RAGThreshold,
	}
}

// newNotifier returns the reviewer notifier and, when Telegram is in use,
// the responder for its callback webhook.
func newNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, *notify.Telegram, error) {
	if !cfg.TelegramEnabled() {
		logger.Info("Telegram not configured; reviewer notifications are only logged")
		return notify.NewLogNotifier(logger), nil, nil
	}
	bot, err := notify.NewTelegramBot(cfg.Telegram.BotToken)
	if err != nil {
		return nil, nil, err
	}
	tg := notify.NewTelegram(bot, cfg.Telegram.ReviewerChatID, logger)
	return tg, tg, nil
}

// preloadGuides loads guides.dir into the corpus session for the Gemini
// provider, whose documents live in process memory.
func preloadGuides(ctx context.Context, cfg *config.Config, backend generation.Backend, logger *zap.Logger) {
	if cfg.Generation.Provider != config.ProviderGemini || cfg.Guides.SessionID == "" {
		return
	}
	paths, err := guideFiles(cfg.Guides.Dir)
	if err != nil {
		logger.Warn("Failed to list guides", zap.Error(err))
		return
	}
	if len(paths) == 0 {
		return
	}
	if err := uploadGuides(ctx, backend, cfg.Guides.SessionID, paths, io.Discard, logger); err != nil {
		logger.Warn("Some guides were not loaded", zap.Error(err))
	}
}
