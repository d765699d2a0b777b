package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"routeforge/internal/adapters"
	"routeforge/internal/api"
	"routeforge/internal/audit"
	"routeforge/internal/config"
	"routeforge/internal/debate"
	"routeforge/internal/evidence"
	"routeforge/internal/ledger"
	"routeforge/internal/logging"
	"routeforge/internal/notify"
	"routeforge/internal/optimize"
	"routeforge/internal/orchestrator"
	"routeforge/internal/planner"
	"routeforge/internal/registry"
	"routeforge/internal/router"
	"routeforge/internal/tracker"
	"routeforge/internal/workspace"
)

// app holds the wired components behind every command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *ledger.Store
	backends  *adapters.Set
	registry  *registry.Registry
	router    router.Router
	optimizer *optimize.Optimizer
	notifier  *notify.Notifier
	tracker   *tracker.Publisher
	svc       *api.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	ws, err := workspace.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := ws.EnsureDirs(); err != nil {
		return err
	}

	a.store, err = ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	a.backends = adapters.NewSet()
	if cfg.Backends.Mock {
		a.backends.Register(adapters.NewMockBackend("mock"))
	}
	for _, cc := range cfg.Backends.Commands {
		b, err := adapters.NewCommandBackend(cc)
		if err != nil {
			return fmt.Errorf("backend %s: %w", cc.ID, err)
		}
		a.backends.Register(b)
	}

	a.router, err = router.New(cfg.Router, a.store, logger.Named("router"))
	if err != nil {
		return err
	}
	a.registry = registry.New(a.store, nil, logger.Named("registry"))

	var plannerOpts []planner.Option
	orchOpts := []orchestrator.Option{}
	if workspace.Exists(cfg.Evidence) {
		ev, err := evidence.LoadStatic(cfg.Evidence)
		if err != nil {
			return err
		}
		plannerOpts = append(plannerOpts, planner.WithEvidence(ev))
		orchOpts = append(orchOpts, orchestrator.WithEvidence(ev))
	}
	if cfg.Debate.Enabled {
		orchOpts = append(orchOpts, orchestrator.WithJudge(debate.New(cfg.Debate.Config, logger.Named("debate"))))
	}

	a.notifier = notify.New(cfg.Notify.Enabled, logger.Named("notify"))
	observers := []orchestrator.StepObserver{a.notifier}
	if cfg.Tracker.URL != "" {
		a.tracker, err = tracker.Connect(cfg.Tracker.URL, cfg.Tracker.SubjectPrefix, logger.Named("tracker"))
		if err != nil {
			return err
		}
		observers = append(observers, a.tracker)
	}
	orchOpts = append(orchOpts, orchestrator.WithObservers(observers...))

	a.optimizer = optimize.New(a.store, a.router, cfg.Router.Policy, cfg.Optimizer.Config, logger.Named("optimizer"))
	if _, err := a.optimizer.RestoreExplorationRate(ctx); err != nil {
		logger.Warn("restore exploration rate failed", zap.Error(err))
	}

	a.svc = api.New(api.Deps{
		Planner:      planner.New(a.store, a.registry, cfg.Planner, logger.Named("planner"), plannerOpts...),
		Registry:     a.registry,
		Router:       a.router,
		Orchestrator: orchestrator.New(a.store, a.registry, a.router, a.backends, cfg.Orchestrator, logger.Named("orchestrator"), orchOpts...),
		Auditor:      audit.New(a.store, cfg.Audit, logger.Named("audit")),
		Optimizer:    a.optimizer,
		CatalogPath:  cfg.Catalog,
	}, logger.Named("api"))
	return nil
}

// Close releases the tracker connection, the ledger and the logger.
func (a *app) Close() {
	var errs []error
	if a.tracker != nil {
		errs = append(errs, a.tracker.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp runs fn against a freshly wired app.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
