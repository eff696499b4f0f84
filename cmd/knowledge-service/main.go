package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fundlens-ai/knowledge-service/internal/analyzer"
	"github.com/fundlens-ai/knowledge-service/internal/cache"
	"github.com/fundlens-ai/knowledge-service/internal/completion"
	"github.com/fundlens-ai/knowledge-service/internal/config"
	"github.com/fundlens-ai/knowledge-service/internal/embedding"
	"github.com/fundlens-ai/knowledge-service/internal/metrics"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/prompt"
	"github.com/fundlens-ai/knowledge-service/internal/rag"
	"github.com/fundlens-ai/knowledge-service/internal/retrieval"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

// backend is the full storage contract a driver must satisfy.
type backend interface {
	storage.ChunkStore
	storage.SourceStore
	storage.ConversationStore
	storage.FeedbackStore
}

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Str("cache", cfg.Cache.Driver).
		Str("embedding_model", cfg.Embedding.Model).
		Msg("Starting knowledge service")

	ctx := context.Background()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Storage backend unavailable")
	}
	defer store.Close()

	embedder, err := embedding.NewClient(embedding.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimension:  cfg.Embedding.Dimension,
		CacheSize:  cfg.Embedding.CacheSize,
		MaxRetries: cfg.Embedding.MaxRetries,
		Timeout:    cfg.Embedding.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Embedding client misconfigured")
	}
	// A dimension drift between config and client corrupts the index.
	if embedder.Dimension() != cfg.Embedding.Dimension {
		logger.Fatal().
			Int("configured", cfg.Embedding.Dimension).
			Int("client", embedder.Dimension()).
			Msg("Embedding dimension mismatch")
	}
	if cfg.Database.Driver == "sqlite" {
		logger.Warn().Msg("SQLite backend has no vector index, retrieval degrades to lexical")
	}

	cacheClient := openCache(ctx, cfg, logger)
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	m := metrics.New()

	completer, err := completion.NewClient(completion.Config{
		BaseURL:     cfg.Completion.BaseURL,
		APIKey:      cfg.Completion.APIKey,
		Models:      cfg.Completion.Models,
		MaxTokens:   cfg.Completion.MaxTokens,
		Temperature: cfg.Completion.Temperature,
		Timeout:     cfg.Completion.Timeout,
		MaxRetries:  cfg.Completion.MaxRetries,
		MaxInFlight: cfg.Completion.MaxInFlight,
		QueueWait:   cfg.Completion.QueueWait,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Completion client misconfigured")
	}
	completer.OnRetry(m.CompletionRetries.Inc)

	configs := config.NewStore(cfg)
	retriever := retrieval.New(store, embedder, cacheClient, logger)
	orchestrator := rag.New(
		loadAnalyzer(cfg, logger),
		retriever,
		prompt.New(),
		completer,
		store,
		configs,
		m,
		logger,
	)

	router := NewRouter(logger, cfg, Dependencies{
		Orchestrator:  orchestrator,
		Conversations: store,
		Feedback:      store,
		Chunks:        store,
		Cache:         cacheClient,
		Configs:       configs,
		Metrics:       m,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) (backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return storage.NewPostgres(ctx, storage.PostgresOptions{
			DSN:             cfg.Database.Postgres.DSN,
			Dimension:       cfg.Embedding.Dimension,
			MaxOpenConns:    cfg.Database.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Database.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.Postgres.ConnMaxLifetime,
			QueryTimeout:    cfg.Database.Postgres.QueryTimeout,
			MaxRetries:      cfg.Database.Postgres.MaxRetries,
			RetryBackoff:    cfg.Database.Postgres.RetryBackoff,
		}, logger)
	case "sqlite":
		return storage.NewSQLite(ctx, storage.SQLiteOptions{
			Path:        cfg.Database.SQLite.Path,
			JournalMode: cfg.Database.SQLite.JournalMode,
		}, logger)
	case "memory":
		return storage.NewMemory(cfg.Embedding.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// openCache returns nil when caching is disabled; the retriever treats a
// nil client as cache-off. A Redis connection failure falls back to the
// in-process cache rather than blocking startup.
func openCache(ctx context.Context, cfg *config.Config, logger *observability.Logger) cache.Client {
	if !cfg.Cache.Enabled {
		return nil
	}
	if cfg.Cache.Driver == "redis" {
		client, err := cache.NewRedisClient(ctx, cache.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err == nil {
			return client
		}
		logger.Warn().Err(err).Msg("Redis unavailable, using in-process cache")
	}
	return cache.NewMemoryClient(cfg.Cache.MaxSize)
}

func loadAnalyzer(cfg *config.Config, logger *observability.Logger) *analyzer.Analyzer {
	gazetteer, err := analyzer.LoadGazetteer(cfg.Analyzer.GazetteerPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.Analyzer.GazetteerPath).Msg("Gazetteer unavailable")
	}
	stopwords, err := analyzer.LoadStopwords(cfg.Analyzer.StopwordsPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.Analyzer.StopwordsPath).Msg("Stopword list unavailable")
	}
	return analyzer.New(gazetteer, stopwords)
}
