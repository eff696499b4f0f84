package main

import (
	"context"
	"fmt"

	"github.com/fundlens-ai/knowledge-service/internal/config"
	"github.com/fundlens-ai/knowledge-service/internal/embedding"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

// backend is the full storage contract the CLI commands need.
type backend interface {
	storage.ChunkStore
	storage.SourceStore
	storage.ConversationStore
	storage.FeedbackStore
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func newLogger(cfg *config.Config) *observability.Logger {
	level := cfg.Observability.LogLevel
	if verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: "console",
	})
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

func newEmbedder(cfg *config.Config, logger *observability.Logger, mock bool) (embedding.Embedder, error) {
	if mock {
		return embedding.NewMock(cfg.Embedding.Dimension), nil
	}
	return embedding.NewClient(embedding.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimension:  cfg.Embedding.Dimension,
		CacheSize:  cfg.Embedding.CacheSize,
		MaxRetries: cfg.Embedding.MaxRetries,
		Timeout:    cfg.Embedding.Timeout,
	}, logger)
}
