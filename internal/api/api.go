// Package api is the operation boundary of routeforge. Every operation takes a
// structured request and returns a Response; errors are converted to payloads
// and never cross the boundary as Go errors.
package api

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/zap"

	"routeforge/internal/adapters"
	"routeforge/internal/audit"
	"routeforge/internal/debate"
	"routeforge/internal/ledger"
	"routeforge/internal/metrics"
	"routeforge/internal/optimize"
	"routeforge/internal/orchestrator"
	"routeforge/internal/planner"
	"routeforge/internal/registry"
	"routeforge/internal/router"
)

// Error codes.
const (
	CodeNotFound              = "not_found"
	CodeNoRouteAvailable      = "no_route_available"
	CodeTimedOut              = "timed_out"
	CodeDependencyUnsatisfied = "dependency_unsatisfied"
	CodeInvalidTransition     = "invalid_transition"
	CodeConflict              = "conflict"
	CodeInvalidArgument       = "invalid_argument"
	CodeInternal              = "internal"
)

var (
	// ErrInvalidArgument marks malformed or out-of-range requests.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownOperation is returned by Dispatch for an unregistered name.
	ErrUnknownOperation = errors.New("unknown operation")
)

// ErrorPayload is the structured form of a failed operation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response wraps the result of every operation.
type Response[T any] struct {
	OK     bool          `json:"ok"`
	Result T             `json:"result,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty"`
}

// Deps are the components behind the operations.
type Deps struct {
	Planner      *planner.Planner
	Registry     *registry.Registry
	Router       router.Router
	Orchestrator *orchestrator.Orchestrator
	Auditor      *audit.Auditor
	Optimizer    *optimize.Optimizer
	// CatalogPath is profiled when profile_tools names neither tools nor a catalog.
	CatalogPath string
}

// Service implements the sixteen operations.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

// New creates a Service.
func New(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger}
}

func respond[T any](s *Service, op string, result T, err error) Response[T] {
	if err != nil {
		payload := Classify(err)
		metrics.OperationsTotal.WithLabelValues(op, "error").Inc()
		if payload.Code == CodeInternal {
			s.logger.Warn("operation failed", zap.String("op", op), zap.Error(err))
		} else {
			s.logger.Debug("operation rejected", zap.String("op", op), zap.String("code", payload.Code), zap.Error(err))
		}
		return Response[T]{Error: &payload}
	}
	metrics.OperationsTotal.WithLabelValues(op, "ok").Inc()
	return Response[T]{OK: true, Result: result}
}

// Classify maps an error to its payload.
func Classify(err error) ErrorPayload {
	code := CodeInternal
	switch {
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, adapters.ErrUnknownBackend),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, ErrUnknownOperation):
		code = CodeNotFound
	case errors.Is(err, router.ErrNoRouteAvailable):
		code = CodeNoRouteAvailable
	case errors.Is(err, orchestrator.ErrTimedOut),
		errors.Is(err, context.DeadlineExceeded):
		code = CodeTimedOut
	case errors.Is(err, ledger.ErrDependencyUnsatisfied):
		code = CodeDependencyUnsatisfied
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrTicketNotCompleted):
		code = CodeInvalidTransition
	case errors.Is(err, ledger.ErrRouteExists):
		code = CodeConflict
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, planner.ErrEmptyGoal),
		errors.Is(err, planner.ErrDependencyCycle),
		errors.Is(err, optimize.ErrUnknownTarget),
		errors.Is(err, debate.ErrNoCandidates):
		code = CodeInvalidArgument
	}
	return ErrorPayload{Code: code, Message: err.Error()}
}
