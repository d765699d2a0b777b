package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"routeforge/internal/ledger"
	"routeforge/internal/metrics"
)

// HealthChecker probes whether a route can currently serve traffic.
// A nil error means healthy.
type HealthChecker interface {
	CheckRoute(ctx context.Context, route ledger.Route) error
}

// HealthOptions pace a health pass.
type HealthOptions struct {
	// ChecksPerSecond limits probe rate. Zero means unlimited.
	ChecksPerSecond float64
	// Concurrency bounds in-flight probes. Zero means 4.
	Concurrency int
	// Timeout bounds a single probe. Zero means 10s.
	Timeout time.Duration
}

// HealthResult is the outcome for one route.
type HealthResult struct {
	RouteID string `json:"route_id"`
	Healthy bool   `json:"healthy"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// HealthReport summarises a health pass.
type HealthReport struct {
	Checked   int            `json:"checked"`
	Healthy   int            `json:"healthy"`
	Unhealthy int            `json:"unhealthy"`
	Errors    int            `json:"errors"`
	Results   []HealthResult `json:"results"`
}

// HealthPass probes every route. A failing probe marks its route unhealthy; a
// failing ledger write is counted and logged. Neither aborts the batch.
func (r *Registry) HealthPass(ctx context.Context, checker HealthChecker, opts HealthOptions) (HealthReport, error) {
	routes, err := r.store.ListRoutes(ctx, "")
	if err != nil {
		return HealthReport{}, err
	}

	limit := rate.Inf
	if opts.ChecksPerSecond > 0 {
		limit = rate.Limit(opts.ChecksPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	results := make([]HealthResult, len(routes))
	var mu sync.Mutex
	report := HealthReport{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, route := range routes {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			res := r.checkOne(gctx, checker, route, opts.Timeout)

			mu.Lock()
			defer mu.Unlock()
			results[i] = res
			report.Checked++
			switch {
			case res.Error != "":
				report.Errors++
			case res.Healthy:
				report.Healthy++
			default:
				report.Unhealthy++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return HealthReport{}, err
	}

	report.Results = results
	r.logger.Info("health pass complete",
		zap.Int("checked", report.Checked),
		zap.Int("healthy", report.Healthy),
		zap.Int("unhealthy", report.Unhealthy),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

func (r *Registry) checkOne(ctx context.Context, checker HealthChecker, route ledger.Route, timeout time.Duration) HealthResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := HealthResult{RouteID: route.ID, Healthy: true}
	reason := "probe ok"
	if err := checker.CheckRoute(probeCtx, route); err != nil {
		res.Healthy = false
		reason = err.Error()
		metrics.HealthChecks.WithLabelValues("unhealthy").Inc()
	} else {
		metrics.HealthChecks.WithLabelValues("healthy").Inc()
	}

	if route.Healthy == res.Healthy {
		return res
	}
	if err := r.UpdateRouteHealth(ctx, route.ID, res.Healthy, reason); err != nil {
		metrics.HealthChecks.WithLabelValues("error").Inc()
		r.logger.Warn("persist route health failed", zap.String("route_id", route.ID), zap.Error(err))
		res.Healthy = route.Healthy
		res.Error = err.Error()
		return res
	}
	res.Changed = true
	return res
}
