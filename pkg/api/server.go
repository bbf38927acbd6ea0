package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/aquaops/aquaops/pkg/compliance"
	"github.com/aquaops/aquaops/pkg/condition"
	"github.com/aquaops/aquaops/pkg/lifecycle"
	"github.com/aquaops/aquaops/pkg/pm"
	"github.com/aquaops/aquaops/pkg/sla"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// Config configures the HTTP server.
type Config struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		Mode:            gin.ReleaseMode,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Services are the engine services exposed over HTTP.
type Services struct {
	Lifecycle  *lifecycle.Service
	Scheduler  *pm.Scheduler
	SLA        *sla.Engine
	Monitor    *condition.Monitor
	Compliance *compliance.Aggregator
}

// Server serves the engine's REST API.
type Server struct {
	cfg    Config
	svc    Services
	tel    *telemetry.Telemetry
	router *gin.Engine
	srv    *http.Server
}

// NewServer creates a server and registers its routes.
func NewServer(cfg Config, svc Services, tel *telemetry.Telemetry) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	tel = tel.Component("api")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(otelgin.Middleware(tel.Config.ServiceName))
	router.Use(Logger(tel.Logger))

	s := &Server{cfg: cfg, svc: svc, tel: tel, router: router}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	metricsPath := "/metrics"
	if s.tel.Config != nil && s.tel.Config.Metrics.Path != "" {
		metricsPath = s.tel.Config.Metrics.Path
	}
	s.router.GET(metricsPath, gin.WrapH(s.tel.Metrics.Handler()))

	v1 := s.router.Group("/api/v1")

	wo := v1.Group("/work-orders")
	wo.POST("", s.createWorkOrder)
	wo.GET("", s.listWorkOrders)
	wo.GET("/:id", s.getWorkOrder)
	wo.POST("/:id/transitions", s.transitionWorkOrder)
	wo.GET("/:id/transitions", s.listTransitions)
	wo.GET("/:id/checklist", s.listChecklist)
	wo.POST("/:id/checklist/:seq", s.recordChecklistResult)
	wo.POST("/:id/qa-signoff", s.signOffQA)

	gl := v1.Group("/generation-logs")
	gl.GET("", s.listGenerationLogs)
	gl.GET("/:id", s.getGenerationLog)
	gl.POST("/:id/deferrals", s.deferOccurrence)

	br := v1.Group("/sla-breaches")
	br.GET("", s.listBreaches)
	br.POST("/:id/waive", s.waiveBreach)

	cm := v1.Group("/compliance-metrics")
	cm.GET("", s.listComplianceMetrics)
	cm.GET("/export", s.exportComplianceMetrics)

	v1.POST("/readings", s.ingestReadings)
	v1.GET("/alarms", s.listAlarms)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.tel.Logger.WithField("addr", s.cfg.Addr).Info("API server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	s.tel.Logger.Info("API server stopped")
	return nil
}
