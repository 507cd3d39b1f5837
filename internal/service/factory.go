// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/internal/api"
	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/extract"
	"github.com/xkilldash9x/scalpel-recon/internal/mapper"
	"github.com/xkilldash9x/scalpel-recon/internal/notify"
	"github.com/xkilldash9x/scalpel-recon/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-recon/internal/registry"
	"github.com/xkilldash9x/scalpel-recon/internal/store"
	"github.com/xkilldash9x/scalpel-recon/internal/supervisor"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

// ComponentFactory creates the set of components a command runs against.
// Commands depend on this interface so tests can substitute the tool
// catalogue or the whole engine.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// FactoryOption customizes the production factory.
type FactoryOption func(*concreteFactory)

// WithToolOptions forwards options to the tool catalogue, e.g. to install
// fake tools in tests.
func WithToolOptions(opts ...tools.Option) FactoryOption {
	return func(f *concreteFactory) { f.toolOpts = append(f.toolOpts, opts...) }
}

type concreteFactory struct {
	toolOpts []tools.Option
}

// NewComponentFactory creates the production component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create wires every component. On failure the components built so far are
// shut down before the error is returned.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	components := &Components{
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		logger:          logger.Named("service"),
	}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Metrics
	metrics, err := InitializeMetrics(cfg.Metrics)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Metrics = metrics

	// 2. Task registry and notification bus
	components.Registry = registry.New(logger)
	components.Bus = notify.New(logger, cfg.Notify, metrics)
	logger.Debug("Task registry and notification bus initialized.")

	// 3. Supervisor
	components.Supervisor = supervisor.New(components.Registry, components.Bus, cfg.Supervisor, logger, metrics)
	logger.Debug("Process supervisor initialized.")

	// 4. Database (optional)
	var recorder *store.Recorder
	if cfg.Database.URL == "" {
		logger.Warn("No database configured; projects and scan history are disabled.")
	} else {
		pool, dbStore, err := InitializeDatabase(ctx, cfg.Database, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize database: %w", err)
			return nil, initializationErr
		}
		components.DBPool = pool
		components.Store = dbStore
		recorder = store.NewRecorder(dbStore)
	}

	// 5. Tool catalogue
	components.Catalog = tools.NewRegistry(cfg.Tools, logger, f.toolOpts...)
	logger.Debug("Tool catalogue initialized.", zap.Int("tools", len(components.Catalog.Names())))

	// 6. Orchestrator
	orchOpts := []orchestrator.Option{
		orchestrator.WithPublisher(components.Bus),
		orchestrator.WithMetrics(metrics),
	}
	if recorder != nil {
		orchOpts = append(orchOpts, orchestrator.WithRecorder(recorder))
	}
	components.Orchestrator = orchestrator.New(cfg, components.Supervisor, components.Registry, components.Catalog, logger, orchOpts...)
	logger.Debug("Orchestrator initialized.")

	// 7. Target mapper
	components.Mapper = mapper.New(components.Registry, extract.NewRegistry(logger), logger,
		mapper.WithSources(components.Orchestrator))

	// 8. API server
	deps := api.Deps{
		Orchestrator: components.Orchestrator,
		Tasks:        components.Registry,
		Catalog:      components.Catalog,
		Bus:          components.Bus,
		Mapper:       components.Mapper,
		Metrics:      metrics,
	}
	if components.Store != nil {
		deps.Projects = components.Store
	}
	components.Server = api.NewServer(cfg.Server, deps, logger)

	logger.Info("All components initialized successfully.", zap.Bool("persistence", components.Store != nil))
	return components, nil
}
