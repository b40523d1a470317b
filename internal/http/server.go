// Package http serves fixpland's REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/review"
	"github.com/fyrsmithlabs/fixplan/internal/store"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

// Service is the engine surface behind the API.
type Service interface {
	Submit(ctx context.Context, sub *plan.Submission, actor string, opts engine.SubmitOptions) (*plan.Plan, error)
	UpdateDraft(ctx context.Context, id string, sub *plan.Submission, actor string) (*plan.Plan, error)
	SubmitDraft(ctx context.Context, id, actor string) (*plan.Plan, error)
	Get(ctx context.Context, id string) (*plan.Plan, error)
	List(ctx context.Context, f store.ListFilter) ([]*plan.Plan, error)
	Audit(ctx context.Context, id string) (*engine.AuditTrail, error)
	Pending(ctx context.Context, limit int) ([]*plan.Plan, error)
	Decide(ctx context.Context, id string, d review.Decision, actor, justification string) (*review.Result, error)
	Cancel(ctx context.Context, id, actor, reason string) (*plan.Plan, error)
	Search(ctx context.Context, query string, k int) ([]knowledge.Match, error)
	Stats(ctx context.Context) (*engine.Stats, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TelemetryHealth reports the state of the trace and metric exporters.
type TelemetryHealth interface {
	Health() telemetry.HealthStatus
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	BodyLimit       string
	ShutdownTimeout time.Duration
	Reviewers       []config.Reviewer
}

// ConfigFrom maps the daemon settings onto Config.
func ConfigFrom(s config.ServerConfig, a config.AuthConfig) Config {
	return Config{
		Host:            s.Host,
		Port:            s.Port,
		BodyLimit:       s.BodyLimit,
		ShutdownTimeout: s.ShutdownTimeout.Duration(),
		Reviewers:       a.Reviewers,
	}
}

// Server provides the plan API.
type Server struct {
	echo   *echo.Echo
	svc    Service
	health Pinger
	tel    TelemetryHealth
	auth   *authenticator
	logger *logging.Logger
	config Config
}

// NewServer wires routes and middleware. health may be nil.
func NewServer(cfg Config, svc Service, health Pinger, logger *logging.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("http: service is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8742
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "4M"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		svc:    svc,
		health: health,
		auth:   newAuthenticator(cfg.Reviewers),
		logger: logger,
		config: cfg,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(s.requestLogger)
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(s.auth.identify)

	s.registerRoutes()
	return s, nil
}

// WithTelemetry adds exporter health to GET /health.
func (s *Server) WithTelemetry(t TelemetryHealth) *Server {
	s.tel = t
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/plans", s.handleSubmit)
	v1.GET("/plans", s.handleList)
	v1.GET("/plans/:id", s.handleGet)
	v1.PUT("/plans/:id", s.handleUpdateDraft)
	v1.POST("/plans/:id/submit", s.handleSubmitDraft)
	v1.GET("/plans/:id/audit", s.handleAudit)
	v1.POST("/plans/:id/decision", s.handleDecision, requireReviewer)
	v1.POST("/plans/:id/cancel", s.handleCancel, requireReviewer)
	v1.GET("/reviews/pending", s.handlePending)
	v1.GET("/knowledge/search", s.handleSearch)
	v1.GET("/stats", s.handleStats)
}

// requestLogger logs one line per request and carries the request id into
// the handler's context.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		rid := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), rid)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}
		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		}
		if actor := actorOf(c); actor != "" {
			fields = append(fields, zap.String("actor", actor))
		}
		if c.Response().Status >= http.StatusInternalServerError {
			s.logger.Warn(ctx, "http request", fields...)
		} else {
			s.logger.Debug(ctx, "http request", fields...)
		}
		return nil
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Addr returns the listen address.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port) }

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.Addr()))
	return s.echo.Start(s.Addr())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Run serves until ctx is done, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
