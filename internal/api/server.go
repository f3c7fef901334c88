// Package api serves the quota and push relay HTTP interface.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orbisapp/quotad/internal/push"
	"github.com/orbisapp/quotad/internal/usage"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	AdminToken     string // Empty leaves the admin routes unmounted
	RateLimit      float64
	RateLimitBurst int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TrustedProxies []string
	AllowedOrigins []string
}

// Server is the public HTTP server.
type Server struct {
	config      Config
	tracker     *usage.Tracker
	push        *push.Service
	rateLimiter *RateLimiter
	engine      *gin.Engine
	server      *http.Server
	listener    net.Listener
	logger      zerolog.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg Config, tracker *usage.Tracker, pushService *push.Service, logger zerolog.Logger) (*Server, error) {
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	s := &Server{
		config:  cfg,
		tracker: tracker,
		push:    pushService,
		engine:  engine,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	if cfg.RateLimit > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RateLimit, cfg.RateLimitBurst, 10*time.Minute)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(RequestIDMiddleware())
	s.engine.Use(LoggingMiddleware(s.logger))
	s.engine.Use(MetricsMiddleware())
	if len(s.config.AllowedOrigins) > 0 {
		s.engine.Use(CORSMiddleware(s.config.AllowedOrigins))
	}

	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	if s.rateLimiter != nil {
		api.Use(RateLimitMiddleware(s.rateLimiter))
	}

	// Usage
	api.GET("/usage/:device_id", HandleUsageGET(s.tracker))
	api.POST("/usage/check", HandleUsageCheckPOST(s.tracker))
	api.POST("/usage/record", HandleUsageRecordPOST(s.tracker))
	api.POST("/usage/consume", HandleUsageConsumePOST(s.tracker))
	api.POST("/purchase/verify", HandlePurchaseVerifyPOST(s.tracker))

	// Push
	api.POST("/fcm/register", HandlePushRegisterPOST(s.push))
	api.POST("/push/register-token", HandlePushRegisterPOST(s.push))
	api.POST("/push/subscribe-topic", HandlePushSubscribePOST(s.push))
	api.POST("/push/unsubscribe-topic", HandlePushUnsubscribePOST(s.push))

	if s.config.AdminToken == "" {
		s.logger.Warn().Msg("No admin token configured, admin routes are disabled")
		return
	}

	admin := api.Group("")
	admin.Use(AdminAuthMiddleware(s.config.AdminToken))
	admin.POST("/premium/grant", HandlePremiumGrantPOST(s.tracker))
	admin.POST("/push/send-to-user", HandlePushSendToUserPOST(s.push))
	admin.POST("/push/send-to-topic", HandlePushSendToTopicPOST(s.push))
	admin.POST("/push/broadcast", HandlePushBroadcastPOST(s.push))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves in the background.
func (s *Server) Start() error {
	if s.listener == nil {
		ln, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
		}
		s.listener = ln
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated HTTP listener")
	}

	s.logger.Info().
		Str("addr", s.listener.Addr().String()).
		Bool("admin_routes", s.config.AdminToken != "").
		Msg("Starting API server")

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")

	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
