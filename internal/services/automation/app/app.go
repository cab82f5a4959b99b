// Package app wires the automation engine: sqlite persistence, workflow
// definitions, the domain service, and optional notification fanout.
package app

import (
	"fmt"
	"log"

	"github.com/warehouseops/orderflow/internal/platform/config"
	"github.com/warehouseops/orderflow/internal/services/automation/domain"
	"github.com/warehouseops/orderflow/internal/services/automation/storage/sqlite"
	"github.com/warehouseops/orderflow/internal/services/automation/workflow"
)

// Config carries the engine's process configuration.
type Config struct {
	DBPath string `env:"ORDERFLOW_AUTOMATION_DB_PATH" envDefault:"data/automation.db"`
}

// ParseConfig loads Config from the environment.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// App bundles the running engine and its resources.
type App struct {
	Service *domain.Service
	Store   *sqlite.Store
}

// Options carries the external collaborators the engine consumes.
type Options struct {
	// Roles is required: it answers role and admin lookups.
	Roles domain.RoleResolver
	// Directory and Sink enable notification fanout; leave both nil to run
	// without notifications.
	Directory domain.RoleDirectory
	Sink      domain.NotificationSink
	Logger    *log.Logger
}

// New opens the database, applies migrations, and assembles the engine.
func New(cfg Config, opts Options) (*App, error) {
	if opts.Roles == nil {
		return nil, fmt.Errorf("role resolver is required")
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open automation store: %w", err)
	}

	registry, err := workflow.Load()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load workflow definitions: %w", err)
	}

	serviceOpts := []domain.Option{}
	if opts.Logger != nil {
		serviceOpts = append(serviceOpts, domain.WithLogger(opts.Logger))
	}
	if opts.Directory != nil && opts.Sink != nil {
		fanout := domain.NewFanout(opts.Directory, opts.Sink, store)
		if opts.Logger != nil {
			fanout.WithFanoutLogger(opts.Logger)
		}
		serviceOpts = append(serviceOpts, domain.WithFanout(fanout))
	}

	service := domain.NewService(NewDomainStore(store), registry, opts.Roles, serviceOpts...)
	return &App{Service: service, Store: store}, nil
}

// Close releases the engine's resources.
func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
