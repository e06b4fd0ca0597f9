package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vbonduro/nutrilens/internal/analysis"
	"github.com/vbonduro/nutrilens/internal/chat"
	"github.com/vbonduro/nutrilens/internal/config"
	"github.com/vbonduro/nutrilens/internal/db"
	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/grounding"
	"github.com/vbonduro/nutrilens/internal/history"
	"github.com/vbonduro/nutrilens/internal/llm"
	"github.com/vbonduro/nutrilens/internal/llm/claude"
	"github.com/vbonduro/nutrilens/internal/llm/ollama"
	"github.com/vbonduro/nutrilens/internal/photostore/local"
	"github.com/vbonduro/nutrilens/internal/refdata"
	"github.com/vbonduro/nutrilens/internal/service"
	"github.com/vbonduro/nutrilens/internal/store"
	"github.com/vbonduro/nutrilens/internal/store/redisstore"
	"github.com/vbonduro/nutrilens/internal/usage"
)

// Container wires the application services to their adapters. It owns the
// process-wide singletons: the reference data loader, the usage counter and
// the LLM provider.
type Container struct {
	Config   *config.Config
	Logger   *slog.Logger
	Service  *service.NutritionService
	Loader   *refdata.Loader
	Provider *llm.Provider
	Client   *http.Client

	closers []func() error
}

// BuildContainer constructs the dependency graph. Callers must Close it.
func BuildContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: logger,
		Client: &http.Client{Timeout: cfg.LLMTimeout},
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.closers = append(c.closers, database.Close)

	repo, err := c.historyRepository(ctx, database)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	photos, err := local.NewLocalPhotoStore(cfg.PhotoPath)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize photo store: %w", err)
	}

	settings := store.NewSettingsStore(database)
	counter, err := usage.NewCounter(ctx, settings, usage.Tariff{
		InputPerMillion:  cfg.InputRatePerMillion,
		OutputPerMillion: cfg.OutputRatePerMillion,
	}, logger)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize usage counter: %w", err)
	}

	c.Provider, err = newProvider(cfg, settings, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.Loader = refdata.NewLoader(cfg.GIDataSource, cfg.NutrientDataSource, c.Client, logger)

	c.Service = service.NewNutritionService(
		history.New(repo, photos, logger),
		c.Loader,
		grounding.New(c.Loader, cfg.MatchThreshold),
		analysis.NewClient(c.Provider, counter, logger),
		chat.NewService(c.Provider, counter, logger),
		counter,
		c.Provider,
		logger,
	)
	return c, nil
}

// historyRepository is the sqlite history table unless HistoryBackend selects
// a shared Redis instance.
func (c *Container) historyRepository(ctx context.Context, database *sql.DB) (historyRepo, error) {
	switch c.Config.HistoryBackend {
	case "", "sqlite":
		return store.NewHistoryStore(database), nil
	case "redis":
		rs, err := redisstore.New(c.Config.RedisURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, rs.Close)
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		c.Logger.Info("using redis history backend")
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", c.Config.HistoryBackend)
	}
}

// historyRepo is implemented by store.HistoryStore and redisstore.HistoryStore.
type historyRepo interface {
	Create(ctx context.Context, entry *domain.HistoryEntry) (bool, error)
	GetByHash(ctx context.Context, hash string) (*domain.HistoryEntry, error)
	List(ctx context.Context) ([]*domain.HistoryEntry, error)
	Delete(ctx context.Context, hash string) (*domain.HistoryEntry, error)
	DeleteAll(ctx context.Context) ([]*domain.HistoryEntry, error)
}

func newProvider(cfg *config.Config, settings *store.SettingsStore, logger *slog.Logger) (*llm.Provider, error) {
	switch cfg.LLMBackend {
	case "claude":
		logger.Info("using Claude backend", "model", cfg.ClaudeModel)
		build := func(apiKey string) llm.Backend {
			return claude.New(apiKey, claude.Options{
				Model:     cfg.ClaudeModel,
				MaxTokens: cfg.MaxTokens,
				BaseURL:   cfg.ClaudeBaseURL,
				Timeout:   cfg.LLMTimeout,
			}, logger)
		}
		return llm.NewProvider(build, true, cfg.APIKey, settings), nil
	case "ollama":
		logger.Info("using Ollama backend", "model", cfg.OllamaModel)
		build := func(string) llm.Backend {
			return ollama.New(cfg.OllamaHost, cfg.OllamaModel, cfg.LLMTimeout, logger)
		}
		return llm.NewProvider(build, false, "", settings), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.LLMBackend)
	}
}

// Close releases the database and any backend connections.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
