package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/domain/service"
	"github.com/quillchat/quill/internal/infrastructure/config"
	"github.com/quillchat/quill/internal/infrastructure/llm"
	"github.com/quillchat/quill/internal/infrastructure/llm/local"
	"github.com/quillchat/quill/internal/infrastructure/persistence"
	"github.com/quillchat/quill/internal/infrastructure/runtime"
	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// App owns the wired object graph and its lifecycle.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store         storage.Store
	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Providers     repository.ProviderRepository
	Personas      repository.PersonaRepository
	Models        repository.ModelRepository
	Settings      repository.SettingsRepository

	Registry     *llm.Registry
	Runtime      *runtime.Manager
	Selection    *service.Selection
	Orchestrator *service.Orchestrator
	Porter       *Porter

	watcher *config.Watcher
}

// New wires the application. The store, adapters, and services come up in
// dependency order; provider seeds from the config file are merged in, then
// data migrations run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = store

	a.Conversations = persistence.NewConversationRepo(store)
	a.Messages = persistence.NewMessageRepo(store)
	a.Providers = persistence.NewProviderRepo(store)
	a.Personas = persistence.NewPersonaRepo(store)
	a.Models = persistence.NewModelRepo(store)
	a.Settings = persistence.NewSettingsRepo(store)

	a.Runtime = runtime.NewManager(nil, logger)
	a.Registry = llm.NewRegistry(logger)

	// The on-device adapter carries dependencies, so it registers here
	// instead of from an init().
	llm.RegisterFactory(entity.KindLocal, func(l *zap.Logger) llm.Provider {
		return local.New(a.Runtime, a.Models, l)
	})

	a.Selection = service.NewSelection(a.Providers, a.Personas, a.Conversations, a.Settings, a.Registry, logger)
	a.Orchestrator = service.NewOrchestrator(a.Conversations, a.Messages, a.Providers, a.Personas, a.Registry, logger)
	a.Porter = NewPorter(store, a.Conversations, a.Messages, a.Providers, logger)

	if err := a.seedProviders(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed providers: %w", err)
	}
	if err := a.seedDefaults(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}
	if err := persistence.Migrate(ctx, store, logger); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.watcher = config.NewWatcher(func(fresh *config.Config) {
		a.Config = fresh
		if err := a.seedProviders(context.Background(), fresh); err != nil {
			logger.Error("provider reseed after config reload failed", zap.Error(err))
		}
	}, logger)

	return a, nil
}

// Start begins background work (the config watcher).
func (a *App) Start(ctx context.Context) error {
	return a.watcher.Start(ctx)
}

// Stop releases everything: in-flight turns are cancelled, loaded models
// released, the watcher stopped.
func (a *App) Stop() {
	a.watcher.Stop()
	a.Orchestrator.CancelAll()
	a.Runtime.ReleaseAll()
	a.Logger.Info("app stopped")
}

func buildStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Database.Type == "memory" {
		return storage.NewMemoryStore(), nil
	}
	db, err := storage.NewDBConnection(storage.DBConfig{
		Type: cfg.Database.Type,
		DSN:  cfg.Database.DSN,
	})
	if err != nil {
		return nil, err
	}
	return storage.NewGormStore(db), nil
}

// seedProviders merges config-file provider entries into the store. Seeds
// are matched by id (falling back to name); entries created interactively
// are left alone.
func (a *App) seedProviders(ctx context.Context, cfg *config.Config) error {
	existing, err := a.Providers.FindAll(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*entity.ProviderConfig, len(existing))
	byName := make(map[string]*entity.ProviderConfig, len(existing))
	for _, p := range existing {
		byID[p.ID] = p
		byName[p.Name] = p
	}

	for _, seed := range cfg.Providers {
		kind := entity.ProviderKind(seed.Kind)
		if !kind.Valid() {
			a.Logger.Warn("skipping provider seed with unknown kind",
				zap.String("name", seed.Name), zap.String("kind", seed.Kind))
			continue
		}

		target := byID[seed.ID]
		if target == nil {
			target = byName[seed.Name]
		}
		if target == nil {
			p, err := entity.NewProviderConfig(seed.Name, kind, seed.BaseURL, seed.DefaultModel)
			if err != nil {
				return err
			}
			if seed.ID != "" {
				p.ID = seed.ID
			}
			target = p
		}

		target.Kind = kind
		target.BaseURL = seed.BaseURL
		target.DefaultModel = seed.DefaultModel
		target.Headers = seed.Headers
		target.IsLocal = kind == entity.KindLocal || kind == entity.KindOllama
		if seed.APIKey != "" {
			target.APIKey = seed.APIKey
		}
		if seed.Enabled != nil {
			target.IsEnabled = *seed.Enabled
		}

		if err := a.Providers.Save(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

// seedDefaults fills app settings on first run only.
func (a *App) seedDefaults(ctx context.Context, cfg *config.Config) error {
	s, err := a.Settings.Load(ctx)
	if err != nil {
		return err
	}
	if s.DefaultProviderID != "" || cfg.Defaults.Provider == "" {
		return nil
	}

	target, err := a.findProvider(ctx, cfg.Defaults.Provider)
	if err != nil {
		if apperrors.IsNotFound(err) {
			a.Logger.Warn("configured default provider not found",
				zap.String("provider", cfg.Defaults.Provider))
			return nil
		}
		return err
	}

	s.DefaultProviderID = target.ID
	s.ThinkingDefault = cfg.Defaults.Thinking
	return a.Settings.Save(ctx, s)
}

func (a *App) findProvider(ctx context.Context, idOrName string) (*entity.ProviderConfig, error) {
	if p, err := a.Providers.FindByID(ctx, idOrName); err == nil {
		return p, nil
	}
	all, err := a.Providers.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.Name == idOrName {
			return p, nil
		}
	}
	return nil, apperrors.NewNotFoundError("provider not found: " + idOrName)
}
