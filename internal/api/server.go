// Package api exposes the advisor over HTTP and WebSocket: strategy control,
// market data reads, recommendation lifecycle, runtime configuration and the
// test override endpoints.
package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/cache"
	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/database"
	"okx-trading-advisor/internal/events"
	"okx-trading-advisor/internal/market"
	"okx-trading-advisor/internal/reco"
	"okx-trading-advisor/internal/strategy"
)

const defaultRateLimitPerMin = 120

// rateLimiter is a sliding-window request counter keyed by client IP.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	clk      clock.Clock
}

func newRateLimiter(limit int, window time.Duration, clk clock.Clock) *rateLimiter {
	return &rateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		clk:      clk,
	}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	cutoff := now.Add(-r.window)

	valid := r.requests[key][:0]
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= r.limit {
		r.requests[key] = valid
		return false
	}

	r.requests[key] = append(valid, now)
	return true
}

// Server wires every service behind the HTTP and WebSocket surface.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Manager
	gateway    *market.Gateway
	tracker    *reco.Tracker
	trigger    *strategy.Controller
	bus        *events.Broadcaster
	repo       *database.Repository
	redis      *cache.CacheService
	clk        clock.Clock
	logger     zerolog.Logger
	limiter    *rateLimiter
	startedAt  time.Time

	wsMu      sync.Mutex
	wsClients map[*wsClient]struct{}
}

// NewServer builds the router and middleware chain. repo and redis may be nil
// when the corresponding backends are disabled.
func NewServer(
	cfg *config.Manager,
	gateway *market.Gateway,
	tracker *reco.Tracker,
	trigger *strategy.Controller,
	bus *events.Broadcaster,
	repo *database.Repository,
	redis *cache.CacheService,
	clk clock.Clock,
	logger zerolog.Logger,
) *Server {
	srvCfg := cfg.Get().Server
	if srvCfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	limit := srvCfg.RateLimitPerMin
	if limit <= 0 {
		limit = defaultRateLimitPerMin
	}

	s := &Server{
		router:    gin.New(),
		cfg:       cfg,
		gateway:   gateway,
		tracker:   tracker,
		trigger:   trigger,
		bus:       bus,
		repo:      repo,
		redis:     redis,
		clk:       clk,
		logger:    logger.With().Str("component", "api").Logger(),
		limiter:   newRateLimiter(limit, time.Minute, clk),
		startedAt: clk.Now(),
		wsClients: make(map[*wsClient]struct{}),
	}

	s.router.Use(s.recoveryMiddleware())
	s.router.Use(cors.New(s.corsConfig(srvCfg)))
	s.router.Use(s.rateLimitMiddleware())
	s.setupRoutes()

	return s
}

func (s *Server) corsConfig(srvCfg config.ServerConfig) cors.Config {
	cc := cors.DefaultConfig()
	cc.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cc.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	cc.MaxAge = 12 * time.Hour

	origins := strings.TrimSpace(srvCfg.AllowedOrigins)
	if origins == "" || origins == "*" {
		cc.AllowAllOrigins = true
		return cc
	}

	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cc.AllowOrigins = append(cc.AllowOrigins, o)
		}
	}
	cc.AllowCredentials = true
	return cc
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		incident := uuid.New().String()
		s.logger.Error().
			Interface("panic", recovered).
			Str("incident", incident).
			Str("path", c.Request.URL.Path).
			Msg("Handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, envelope{
			Success:   false,
			Error:     "internal error: " + incident,
			Timestamp: s.timestamp(),
		})
	})
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	exempt := map[string]bool{
		"/health":  true,
		"/metrics": true,
		"/ws":      true,
	}
	return func(c *gin.Context) {
		if exempt[c.Request.URL.Path] {
			c.Next()
			return
		}
		if !s.limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, envelope{
				Success:   false,
				Error:     "rate limit exceeded",
				Timestamp: s.timestamp(),
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		// ===== STRATEGY HANDLERS =====
		api.GET("/strategy/status", s.handleStrategyStatus)
		api.GET("/strategy/analysis", s.handleStrategyAnalysis)
		api.POST("/strategy/analysis/trigger", s.handleTriggerAnalysis)
		api.GET("/strategy/progress", s.handleStrategyProgress)

		// ===== MARKET DATA HANDLERS =====
		api.GET("/market/ticker", s.handleTicker)
		api.GET("/market/kline", s.handleKlines)
		api.GET("/market/funding-rate", s.handleFundingRate)
		api.GET("/sentiment/fgi", s.handleSentiment)

		// ===== CONFIG HANDLERS =====
		api.GET("/config", s.handleGetConfig)
		api.POST("/config", s.handleUpdateConfig)

		// ===== TESTING OVERRIDE HANDLERS =====
		api.GET("/testing/overrides", s.handleListOverrides)
		api.POST("/testing/price-override", s.handleSetPriceOverride)
		api.POST("/testing/price-override/clear", s.handleClearPriceOverride)
		api.POST("/testing/fgi-override", s.handleSetFGIOverride)
		api.POST("/testing/fgi-override/clear", s.handleClearFGIOverride)
		api.POST("/testing/funding-override", s.handleSetFundingOverride)
		api.POST("/testing/funding-override/clear", s.handleClearFundingOverride)

		// ===== RECOMMENDATION HANDLERS =====
		api.POST("/recommendations", s.handleCreateRecommendation)
		api.GET("/recommendations/active", s.handleActiveRecommendations)
		api.GET("/recommendations/history", s.handleRecommendationHistory)
		api.GET("/recommendations/stats", s.handleRecommendationStats)
		api.POST("/recommendations/:id/close", s.handleCloseRecommendation)
	}
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains WebSocket clients and stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeWSClients()
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler chain for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ===== RESPONSE HELPERS =====

type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func (s *Server) timestamp() string {
	return s.clk.Now().UTC().Format(time.RFC3339)
}

func (s *Server) respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Success: true, Data: data, Timestamp: s.timestamp()})
}

func (s *Server) fail(c *gin.Context, status int, message string) {
	c.JSON(status, envelope{Success: false, Error: message, Timestamp: s.timestamp()})
}
