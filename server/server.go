// Package server implements the RPC/HTTP/WebSocket boundary (spec §1,
// §6.3, §6.4): an echo.Echo HTTP API exposing batch statement execution,
// a WebSocket endpoint for the same RPC plus live-query push, and a health
// check. Grounded on the teacher's http/server.go echo toolkit
// (NewEchoServer's middleware stack, HealthCheckHandler,
// StartServer/GracefulShutdown, CustomHTTPErrorHandler) generalized from a
// generic service scaffold to glyphdb's statement-batch boundary, and on
// coordinator/coordinator.go for the WebSocket connection/read-loop shape.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"glyphdb.dev/glyphdb/auth"
	"glyphdb.dev/glyphdb/common"
	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/engine"
)

// Config mirrors the teacher's http.ServerConfig, trimmed to the knobs
// this boundary actually uses.
type Config struct {
	Port            int
	Debug           bool
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64

	ServiceName    string
	ServiceVersion string
}

func DefaultConfig() Config {
	return Config{
		Port:            8000,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
		ServiceName:     "glyphdb",
		ServiceVersion:  "dev",
	}
}

// Server wires an engine.Engine and auth.Service behind the HTTP/WS
// boundary.
type Server struct {
	cfg    Config
	engine *engine.Engine
	authSv *auth.Service
	echo   *echo.Echo
	log    *common.ContextLogger
}

func New(cfg Config, eng *engine.Engine, authSv *auth.Service) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		authSv: authSv,
		log:    common.ServiceLogger(cfg.ServiceName, cfg.ServiceVersion),
	}
	s.echo = s.newEcho()
	s.routes()
	return s
}

// newEcho builds the middleware stack the teacher's NewEchoServer defines,
// plus session resolution ahead of the statement-boundary routes.
func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = s.cfg.Debug
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if s.cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
	e.Use(middleware.RequestID())
	if s.cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(s.cfg.RateLimit))))
	}
	return e
}

func (s *Server) routes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/login", s.handleLogin)

	sql := s.echo.Group("/sql", s.sessionMiddleware)
	sql.POST("", s.handleRPC)

	s.echo.GET("/rpc", s.handleWebSocket, s.sessionMiddleware)
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "healthy", Service: s.cfg.ServiceName, Version: s.cfg.ServiceVersion})
}

// errorResponse mirrors the teacher's http.ErrorResponse shape.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorHandler maps dberr.Kind onto HTTP status, matching the teacher's
// CustomHTTPErrorHandler's "don't double-write a committed response"
// guard.
func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
	} else {
		code = statusForKind(err)
	}
	if c.Response().Committed {
		return
	}
	if werr := c.JSON(code, errorResponse{Error: http.StatusText(code), Message: err.Error()}); werr != nil {
		s.log.WithError(werr).Error("write error response")
	}
}

func statusForKind(err error) int {
	switch {
	case dberr.Is(err, dberr.KindPermissionDenied):
		return http.StatusForbidden
	case dberr.Is(err, dberr.KindNotFound):
		return http.StatusNotFound
	case dberr.Is(err, dberr.KindParse), dberr.Is(err, dberr.KindFieldCheck), dberr.Is(err, dberr.KindTypeCoerce):
		return http.StatusBadRequest
	case dberr.Is(err, dberr.KindRecordExists):
		return http.StatusConflict
	case dberr.Is(err, dberr.KindQueryTimedOut):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// within cfg.ShutdownTimeout (spec has no explicit lifecycle contract for
// this external collaborator; shape grounded on the teacher's
// StartServer/GracefulShutdown pair).
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", srv.Addr)
		if err := s.echo.StartServer(srv); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.log.Info("shutting down server gracefully")
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	}
}
