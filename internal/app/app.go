// Package app wires the Movi components from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/movi/internal/config"
	"github.com/ashureev/movi/internal/fleet"
	"github.com/ashureev/movi/internal/llm"
	"github.com/ashureev/movi/internal/pipeline"
	"github.com/ashureev/movi/internal/registry"
	"github.com/ashureev/movi/internal/session"
	"github.com/ashureev/movi/internal/store"
)

// App holds the long-lived components shared by the server and the CLI.
type App struct {
	Config   *config.Config
	Repo     *store.SQLiteStore
	Registry *registry.Registry
	Sessions *session.Manager
	Engine   *pipeline.Engine
	Sweeper  *session.Sweeper
	Metrics  *pipeline.Metrics
}

// Options overrides collaborators, mainly for tests and offline tools.
type Options struct {
	// Client replaces the OpenAI-compatible completion client.
	Client llm.Client
}

// New opens the store and builds the pipeline. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a, err := build(ctx, cfg, repo, logger, opts)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, repo *store.SQLiteStore, logger *slog.Logger, opts Options) (*App, error) {
	if err := repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check: %w", err)
	}
	if cfg.SeedOnStart {
		if err := repo.Seed(ctx); err != nil {
			return nil, fmt.Errorf("seed database: %w", err)
		}
		logger.Info("Database seeded")
	}

	overrides, err := registry.LoadContextOverrides(cfg.ToolContextsFile)
	if err != nil {
		return nil, err
	}
	reg, err := fleet.NewRegistry(repo, overrides)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = llm.NewOpenAI(llm.Config{
			APIKey:          cfg.LLM.APIKey,
			BaseURL:         cfg.LLM.BaseURL,
			ClassifierModel: cfg.LLM.ClassifierModel,
			VisionModel:     cfg.LLM.VisionModel,
			ReplyModel:      cfg.LLM.ReplyModel,
		}, logger)
	}

	metrics := pipeline.DefaultMetrics()
	sessions := session.NewManager(repo, session.Config{
		LeaseTTL:  cfg.Session.LeaseTTL,
		CacheSize: cfg.Session.CacheSize,
	}, logger)

	engine, err := pipeline.NewEngine(pipeline.Deps{
		Client:      client,
		Registry:    reg,
		Resolver:    fleet.NewResolver(repo),
		Normalizer:  fleet.NewNormalizer(repo),
		Sessions:    sessions,
		Checkpoints: repo,
		Metrics:     metrics,
		Logger:      logger,
	}, pipeline.Config{
		CompletionTimeout: cfg.LLM.Timeout,
		ConfirmationTTL:   cfg.Pipeline.ConfirmationTTL,
		HistoryWindow:     cfg.Pipeline.HistoryWindow,
	})
	if err != nil {
		return nil, err
	}

	sweeper := session.NewSweeper(repo, sessions, engine.ExpireCheckpoint,
		cfg.Session.IdleTTL, cfg.Session.SweepInterval, logger)

	logger.Info("Pipeline ready",
		"tools", len(reg.Names()),
		"high_impact_tools", reg.HighImpactNames(),
		"confirmation_ttl", cfg.Pipeline.ConfirmationTTL,
	)

	return &App{
		Config:   cfg,
		Repo:     repo,
		Registry: reg,
		Sessions: sessions,
		Engine:   engine,
		Sweeper:  sweeper,
		Metrics:  metrics,
	}, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.Repo.Close()
}
