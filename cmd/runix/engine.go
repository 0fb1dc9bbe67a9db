package main

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/sebastianm/runix/internal/artifacts"
	"github.com/sebastianm/runix/internal/cleanup"
	"github.com/sebastianm/runix/internal/config"
	"github.com/sebastianm/runix/internal/driver"
	"github.com/sebastianm/runix/internal/logging"
	"github.com/sebastianm/runix/internal/registry"
	"github.com/sebastianm/runix/internal/sessionindex"
	"github.com/sebastianm/runix/internal/steps"
)

// engine wires the full stack for one CLI invocation: config, logging,
// supervisor, registry, router, artifact store, session index and the
// cleanup manager that guarantees no driver outlives the process.
type engine struct {
	cfg     *config.Config
	log     *slog.Logger
	sup     *driver.Supervisor
	reg     *registry.Registry
	router  *steps.Router
	store   *artifacts.Store
	cleaner *cleanup.Manager
	index   *sessionindex.Store

	db          *sql.DB
	stopSignals func()
}

func newEngine(ctx context.Context) (*engine, error) {
	log, lerr := logging.New(logging.OptionsFromEnv())
	if log == nil {
		return nil, lerr
	}
	if lerr != nil {
		log.Warn("invalid LOG_LEVEL, falling back to info", "error", lerr)
	}

	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}

	sup := driver.NewSupervisor(log, driver.SupervisorOptions{
		StartupTimeout: cfg.Timeouts.Startup(),
		StopGrace:      cfg.Timeouts.StopGrace(),
		DriverLogLevel: cfg.DriverLogLevel,
		PortBase:       cfg.DriverPortBase,
	})

	var reg *registry.Registry
	router := steps.NewRouter(log, func() []string { return reg.Order() })
	reg = registry.New(log, cfg, sup, router)

	e := &engine{
		cfg:    cfg,
		log:    log,
		sup:    sup,
		reg:    reg,
		router: router,
		store:  artifacts.NewStore(cfg.OutputRoot),
	}

	e.cleaner = cleanup.NewManager(log, cfg.Timeouts.Cleanup(), sup)
	e.cleaner.Register(func(ctx context.Context) { reg.StopAll(ctx) })

	if cfg.IndexPath != "" {
		db, err := sessionindex.Open(ctx, cfg.IndexPath)
		if err != nil {
			return nil, err
		}
		e.db = db
		e.index = sessionindex.NewStore(db)
		e.cleaner.Register(func(context.Context) { _ = db.Close() })
	}

	e.stopSignals = e.cleaner.InstallSignalHandler()

	if err := reg.Discover(cfg.SearchPaths); err != nil {
		e.close()
		return nil, err
	}
	for _, inv := range reg.InvalidManifests() {
		log.Warn("invalid driver manifest skipped", "dir", inv.Dir, "error", inv.Err)
	}
	return e, nil
}

// close tears the engine down through the cleanup manager; safe to call
// alongside a signal-triggered run.
func (e *engine) close() {
	if e.stopSignals != nil {
		e.stopSignals()
	}
	e.cleaner.Run()
}
