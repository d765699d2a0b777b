// Package httpapi serves the routeforge operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"routeforge/internal/api"
)

const maxBodyBytes = 1 << 20

// Server provides HTTP endpoints for routeforge.
type Server struct {
	echo   *echo.Echo
	svc    *api.Service
	addr   string
	logger *zap.Logger
}

// New creates a server listening on addr once started.
func New(svc *api.Service, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, svc: svc, addr: addr, logger: logger}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.GET("/ops", s.handleList)
	v1.POST("/ops/:op", s.handleOperation)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// OperationInfo describes one operation in GET /v1/ops.
type OperationInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleList(c echo.Context) error {
	ops := api.Operations()
	out := make([]OperationInfo, 0, len(ops))
	for _, op := range ops {
		out = append(out, OperationInfo{Name: op.Name, Description: op.Description})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleOperation(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	resp := s.svc.Dispatch(c.Request().Context(), c.Param("op"), body)
	status := http.StatusOK
	if !resp.OK {
		status = StatusFor(resp.Error.Code)
	}
	return c.JSON(status, resp)
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case api.CodeNotFound:
		return http.StatusNotFound
	case api.CodeInvalidArgument:
		return http.StatusBadRequest
	case api.CodeConflict, api.CodeInvalidTransition, api.CodeDependencyUnsatisfied:
		return http.StatusConflict
	case api.CodeNoRouteAvailable:
		return http.StatusUnprocessableEntity
	case api.CodeTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
