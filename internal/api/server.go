// Package api serves the dashboard HTTP surface: read endpoints over the
// live engine state, operator overrides behind optional JWT auth, and a
// one-per-second SSE feed.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"paper-trading-bot/internal/auth"
	"paper-trading-bot/internal/cache"
	"paper-trading-bot/internal/circuit"
	"paper-trading-bot/internal/feed"
	"paper-trading-bot/internal/journal"
	"paper-trading-bot/internal/knowledge"
	"paper-trading-bot/internal/learning"
	"paper-trading-bot/internal/performance"
	"paper-trading-bot/internal/sniper"
)

// Storage is the slice of the database repository the dashboard reads.
type Storage interface {
	HealthCheck(ctx context.Context) error
	ListClosedTrades(ctx context.Context, limit, offset int) ([]journal.TradeResult, error)
	RecentActivity(ctx context.Context, limit int) ([]journal.ActivityEntry, error)
	InsightsSince(ctx context.Context, since time.Time) ([]learning.StoredInsight, error)
	ListAdaptations(ctx context.Context, limit int) ([]learning.Adaptation, error)
}

// EngineControl is the narrow engine surface behind the override endpoints.
// The engine implements it; keeping it an interface avoids an import cycle
// and lets handler tests stub the expensive paths.
type EngineControl interface {
	// ClosePositionAtMarket exits an open position at the current feed price.
	ClosePositionAtMarket(coin string) (*sniper.ClosedTrade, error)
	// TriggerReflection runs one reflection round outside the schedule.
	TriggerReflection(ctx context.Context) (*learning.Reflection, error)
	// RollbackAdaptation reverses an applied adaptation by id.
	RollbackAdaptation(ctx context.Context, adaptationID string) (*learning.Adaptation, error)
	// LLMAvailable reports whether the LLM gateway is configured and up.
	LLMAvailable() bool
}

// RateLimiter is a per-endpoint sliding-window limiter. The override
// endpoints sit behind it because trigger-reflection spends LLM calls.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server is the dashboard HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	baseCtx    context.Context
	baseCancel context.CancelFunc

	matcher *sniper.Matcher
	prices  feed.PriceSource
	store   *knowledge.Store
	repo    Storage
	perf    *performance.Aggregator
	breaker *circuit.Breaker
	cache   *cache.Service
	auth    *auth.Manager
	control EngineControl

	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer wires the dashboard routes. All dependencies are live engine
// components; the server itself holds no state beyond the rate limiter.
func NewServer(
	matcher *sniper.Matcher,
	prices feed.PriceSource,
	store *knowledge.Store,
	repo Storage,
	perf *performance.Aggregator,
	breaker *circuit.Breaker,
	cacheService *cache.Service,
	authManager *auth.Manager,
	control EngineControl,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	baseCtx, baseCancel := context.WithCancel(context.Background())
	server := &Server{
		router:      router,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		matcher:     matcher,
		prices:      prices,
		store:       store,
		repo:        repo,
		perf:        perf,
		breaker:     breaker,
		cache:       cacheService,
		auth:        authManager,
		control:     control,
		rateLimiter: NewRateLimiter(30, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	router.Use(server.requestLogger())
	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/token", s.handleAuthToken)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/conditions", s.handleGetConditions)
		api.GET("/positions", s.handleGetPositions)
		api.GET("/prices", s.handleGetPrices)
		api.GET("/trades", s.handleGetTrades)
		api.GET("/activity", s.handleGetActivity)
		api.GET("/feed", s.handleFeed)
		api.GET("/adaptations", s.handleGetAdaptations)

		know := api.Group("/knowledge")
		{
			know.GET("/scores", s.handleGetCoinScores)
			know.GET("/patterns", s.handleGetPatterns)
			know.GET("/rules", s.handleGetRules)
			know.GET("/context", s.handleGetContext)
			know.GET("/insights", s.handleGetInsights)
		}

		profitability := api.Group("/profitability")
		{
			profitability.GET("/snapshot", s.handleGetSnapshot)
			profitability.GET("/history", s.handleGetSnapshotHistory)
			profitability.GET("/equity", s.handleGetEquityCurve)
		}

		override := api.Group("/override")
		override.Use(s.auth.Middleware(), s.rateLimitMiddleware())
		{
			override.POST("/pause", s.handlePause)
			override.POST("/resume", s.handleResume)
			override.POST("/close-position/:coin", s.handleClosePosition)
			override.POST("/blacklist/:coin", s.handleBlacklist)
			override.POST("/unblacklist/:coin", s.handleUnblacklist)
			override.POST("/disable-pattern/:id", s.handleDisablePattern)
			override.POST("/trigger-reflection", s.handleTriggerReflection)
			override.POST("/rollback/:adaptation_id", s.handleRollback)
			override.POST("/reset-circuit", s.handleResetCircuit)
		}
	}
}

// rateLimitMiddleware limits requests per endpoint path.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "too many requests to this endpoint",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

// requestLogger logs completed requests at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// Start serves HTTP on a listener the caller already bound. Binding before
// component boot is what turns a port conflict into a clean early exit.
func (s *Server) Start(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections outlive any fixed write deadline
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return s.baseCtx },
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Dashboard server listening")

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. Cancelling the base context
// first ends open SSE streams so draining does not wait on them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
