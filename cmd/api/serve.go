package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fieldhouse/api/internal/app"
	"fieldhouse/api/internal/assistant"
	"fieldhouse/api/internal/auth"
	"fieldhouse/api/internal/authpw"
	"fieldhouse/api/internal/catalog"
	"fieldhouse/api/internal/config"
	"fieldhouse/api/internal/content"
	"fieldhouse/api/internal/email"
	"fieldhouse/api/internal/gitrepo"
	"fieldhouse/api/internal/llm"
	"fieldhouse/api/internal/llm/anthropic"
	"fieldhouse/api/internal/llm/gemini"
	"fieldhouse/api/internal/media"
	"fieldhouse/api/internal/search"
	"fieldhouse/api/internal/session"
	"fieldhouse/api/internal/store"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expired-draft sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.cfg, opts.log)
		},
	}
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	return store.Open(ctx, cfg.DatabaseURL, store.Pool{
		MaxOpenConns:    cfg.DBPool.MaxOpenConns,
		MaxIdleConns:    cfg.DBPool.MaxIdleConns,
		ConnMaxLifetime: cfg.DBPool.ConnMaxLifetime,
	})
}

// openStore connects, applies migrations and loads the catalog.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*sql.DB, *store.PostgresStore, *catalog.Catalog, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	for _, version := range applied {
		logger.Info("migration applied", zap.String("version", version))
	}
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return db, store.NewPostgresStore(db), cat, nil
}

func newContentService(cfg config.Config, st *store.PostgresStore, cat *catalog.Catalog, logger *zap.Logger) *content.Service {
	return content.New(st, cat, content.Options{
		DraftTTL:       cfg.DraftTTL,
		PreviewBaseURL: cfg.PublicBaseURL,
		Logger:         logger.Named("content"),
	})
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	db, dataStore, cat, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	contentService := newContentService(cfg, dataStore, cat, logger)
	if _, err := contentService.SeedDefaults(ctx); err != nil {
		return fmt.Errorf("seed catalog defaults: %w", err)
	}

	var meiliClient *search.Meili
	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, search.NewPgFTS(db), cat, logger)
	} else {
		searchService = search.NewService(nil, search.NewPgFTS(db), cat, logger)
	}
	contentService.AddListener(searchService)
	if meiliClient != nil {
		records, err := dataStore.ListContent(ctx, "")
		if err != nil {
			logger.Warn("list content for reindex", zap.Error(err))
		} else {
			searchService.ReindexAll(records)
		}
	}

	notifier := email.NewNotifier(email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}), cfg.NotifyEmails, cat, cfg.PublicBaseURL, logger)
	if notifier.Enabled() {
		contentService.AddListener(notifier)
		logger.Info("publish notifications enabled", zap.Int("recipients", len(cfg.NotifyEmails)))
	}

	var archive *gitrepo.Service
	if strings.TrimSpace(cfg.ContentArchiveDir) != "" {
		archive = gitrepo.New(cfg.ContentArchiveDir)
		if err := archive.EnsureRepo(); err != nil {
			return fmt.Errorf("content archive: %w", err)
		}
		contentService.AddListener(archive)
		logger.Info("content archive enabled", zap.String("dir", cfg.ContentArchiveDir))
	}

	deps := app.Deps{
		Store:     dataStore,
		Content:   contentService,
		Search:    searchService,
		Archive:   archive,
		Passwords: authpw.NewService(dataStore),
		Provider:  auth.NewProviderVerifier(cfg.AuthProviderJWTSecret, cfg.AdminEmails),
		Logger:    logger,
	}

	var conversations assistant.ConversationStore = session.NewMemoryConversations()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		deps.Redis = redisStore
		conversations = redisStore
		logger.Info("using redis for refresh sessions and transcripts")
	} else {
		logger.Info("using postgres for refresh sessions")
	}

	storage, err := media.NewStorage(ctx, media.Config{
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		UseSSL:        cfg.S3UseSSL,
		PublicBaseURL: cfg.S3PublicBaseURL,
	}, logger)
	switch {
	case errors.Is(err, media.ErrNotConfigured):
		logger.Info("image uploads disabled")
	case err != nil:
		return err
	default:
		deps.Media = storage
	}

	model, err := newModel(ctx, cfg)
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		logger.Warn("assistant disabled: no credential for provider", zap.String("provider", cfg.LLMProvider))
	case err != nil:
		return err
	default:
		deps.Assistant = assistant.New(model, contentService, searchService, conversations, assistant.Options{
			MaxToolRounds: cfg.MaxToolRounds,
			TranscriptTTL: cfg.ConversationTTL,
			Logger:        logger,
		})
		logger.Info("assistant enabled", zap.String("provider", cfg.LLMProvider), zap.String("model", cfg.DefaultModel()))
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("fieldhouse api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return contentService.RunSweeper(gctx, cfg.DraftSweepEvery)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("fieldhouse api stopped")
	return err
}

func newModel(ctx context.Context, cfg config.Config) (llm.Model, error) {
	switch cfg.LLMProvider {
	case "gemini":
		return gemini.NewClient(ctx, cfg.ProviderAPIKey(), cfg.DefaultModel())
	case "anthropic", "":
		return anthropic.NewClient(cfg.ProviderAPIKey(), cfg.DefaultModel())
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}
