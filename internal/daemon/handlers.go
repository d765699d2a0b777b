package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
	"routeforge/internal/notify"
	"routeforge/internal/optimize"
	"routeforge/internal/registry"
)

// Job types.
const (
	JobRouteHealth    = "route_health"
	JobOptimizeRoutes = "optimize_routes"
	JobTuneBandit     = "tune_bandit"
	JobWatchTick      = "watch_tick"
	JobCatalogSync    = "catalog_sync"
)

// WatchInterval is how often watch_tick polls the catalog file.
const WatchInterval = 30 * time.Second

// Deps are the components the built-in handlers drive.
type Deps struct {
	Queue     Queue
	Registry  *registry.Registry
	Checker   registry.HealthChecker
	Health    registry.HealthOptions
	Optimizer *optimize.Optimizer
	Notifier  *notify.Notifier
	// CatalogPath is watched by watch_tick and bound by catalog_sync.
	CatalogPath string
	Logger      *zap.Logger
}

// Intervals configure DefaultSchedules. Zero disables a schedule.
type Intervals struct {
	Health   time.Duration
	Optimize time.Duration
	Bandit   time.Duration
	Watch    time.Duration
}

// DefaultSchedules returns the recurring jobs for the given intervals.
func DefaultSchedules(iv Intervals) []Schedule {
	return []Schedule{
		{JobType: JobRouteHealth, Every: iv.Health},
		{JobType: JobOptimizeRoutes, Every: iv.Optimize},
		{JobType: JobTuneBandit, Every: iv.Bandit},
		{JobType: JobWatchTick, Every: iv.Watch},
	}
}

// DefaultHandlers returns the map of built-in daemon handlers. Handlers whose
// dependencies are missing are left out.
func DefaultHandlers(deps Deps) map[string]HandlerFunc {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handlers{deps: deps}
	out := make(map[string]HandlerFunc)
	if deps.Registry != nil && deps.Checker != nil {
		out[JobRouteHealth] = h.routeHealth
	}
	if deps.Optimizer != nil {
		out[JobOptimizeRoutes] = h.optimizeRoutes
		out[JobTuneBandit] = h.tuneBandit
	}
	if deps.Registry != nil && deps.Queue != nil && deps.CatalogPath != "" {
		out[JobWatchTick] = h.watchTick
		out[JobCatalogSync] = h.catalogSync
	}
	return out
}

type handlers struct {
	deps Deps
}

// routeHealth probes every route and announces health flips.
func (h *handlers) routeHealth(ctx context.Context, _ *ledger.Job) (any, error) {
	report, err := h.deps.Registry.HealthPass(ctx, h.deps.Checker, h.deps.Health)
	if err != nil {
		return nil, fmt.Errorf("health pass: %w", err)
	}
	for _, res := range report.Results {
		if !res.Changed {
			continue
		}
		title, message := notify.FormatRouteHealth(res.RouteID, res.Healthy, res.Error)
		if err := h.deps.Notifier.Send(title, message); err != nil {
			h.deps.Logger.Warn("send notification failed", zap.String("route_id", res.RouteID), zap.Error(err))
		}
	}
	return report, nil
}

// optimizeRoutes runs a weight optimisation pass. The job payload may carry
// the fields of optimize.RoutesRequest.
func (h *handlers) optimizeRoutes(ctx context.Context, job *ledger.Job) (any, error) {
	var req optimize.RoutesRequest
	if err := decodeJobPayload(job, &req); err != nil {
		return nil, err
	}
	res, err := h.deps.Optimizer.OptimizeRoutes(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("optimize routes: %w", err)
	}
	return res, nil
}

func (h *handlers) tuneBandit(ctx context.Context, job *ledger.Job) (any, error) {
	var req optimize.BanditRequest
	if err := decodeJobPayload(job, &req); err != nil {
		return nil, err
	}
	res, err := h.deps.Optimizer.TuneBandit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tune bandit: %w", err)
	}
	return res, nil
}

// catalogSync binds every catalog tool that has no route yet.
func (h *handlers) catalogSync(ctx context.Context, _ *ledger.Job) (any, error) {
	catalog, err := registry.LoadCatalog(h.deps.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	report, err := h.deps.Registry.ProfileTools(ctx, catalog.Tools, true)
	if err != nil {
		return nil, fmt.Errorf("profile catalog: %w", err)
	}
	return map[string]any{
		"catalog":  catalog.Source,
		"tools":    len(report.Tools),
		"bound":    report.Bound,
		"existing": report.Existing,
	}, nil
}

func decodeJobPayload(job *ledger.Job, v any) error {
	if job == nil || job.PayloadJSON == "" || job.PayloadJSON == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(job.PayloadJSON), v); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	return nil
}
