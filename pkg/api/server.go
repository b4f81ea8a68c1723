// Package api exposes the verification pipeline over HTTP: synchronous
// verification, asynchronous run management, artifact retrieval, and live
// progress streaming over websockets.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/khryptorgraphics/rtverify/internal/config"
	"github.com/khryptorgraphics/rtverify/pkg/auth"
	"github.com/khryptorgraphics/rtverify/pkg/database"
	"github.com/khryptorgraphics/rtverify/pkg/llm"
	"github.com/khryptorgraphics/rtverify/pkg/uppaal"
)

// Server represents the API server
type Server struct {
	config    *config.Config
	runs      *RunManager
	db        *database.Manager
	jwtSvc    *auth.JWTService
	logger    *slog.Logger
	server    *http.Server
	websocket *WebSocketHub
}

// NewServer creates a new API server instance. db may be nil when
// persistence is disabled.
func NewServer(cfg *config.Config, verifier uppaal.Verifier, source llm.PropertySource, db *database.Manager, logger *slog.Logger) (*Server, error) {
	var jwtSvc *auth.JWTService
	if cfg.Auth.Enabled {
		svc, err := auth.NewJWTService(&cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT service: %w", err)
		}
		jwtSvc = svc
	}

	hub := NewWebSocketHub(logger)
	server := &Server{
		config:    cfg,
		runs:      NewRunManager(cfg, verifier, source, db, hub, logger),
		db:        db,
		jwtSvc:    jwtSvc,
		logger:    logger,
		websocket: hub,
	}
	return server, nil
}

// Start starts the API server
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRouter()

	s.server = &http.Server{
		Addr:         s.config.API.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.websocket.Run()

	s.logger.Info("starting API server",
		"address", s.config.API.Listen,
		"tls_enabled", s.config.API.TLSEnabled,
		"auth_enabled", s.config.Auth.Enabled)

	if s.config.API.TLSEnabled {
		return s.server.ListenAndServeTLS(s.config.API.CertFile, s.config.API.KeyFile)
	}
	return s.server.ListenAndServe()
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")
	s.websocket.Stop()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// setupRouter configures the Gin router with middleware and routes
func (s *Server) setupRouter() *gin.Engine {
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(s.loggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())
	router.Use(s.securityMiddleware())
	if s.config.API.RateLimit.Enabled {
		router.Use(s.rateLimitMiddleware())
	}

	router.GET("/health", s.healthHandler)

	v1 := router.Group("/api/v1")
	{
		if s.config.Auth.Enabled {
			v1.POST("/auth/login", s.loginHandler)
		}

		protected := v1.Group("/")
		if s.config.Auth.Enabled {
			protected.Use(auth.JWTAuthMiddleware(s.jwtSvc))
		}
		{
			protected.POST("/verify", s.verifyHandler)

			runs := protected.Group("/runs")
			{
				runs.POST("/", s.createRunHandler)
				runs.GET("/", s.listRunsHandler)
				runs.GET("/:id", s.getRunHandler)
				runs.DELETE("/:id", s.cancelRunHandler)
				runs.GET("/:id/model", s.getRunModelHandler)
				runs.GET("/:id/properties", s.getRunPropertiesHandler)
				runs.GET("/:id/log", s.getRunLogHandler)
				runs.GET("/:id/report", s.getRunReportHandler)
			}
		}
	}

	router.GET("/ws/runs/:id", s.runProgressHandler)

	return router
}
