package server

import (
	"net/http"
	"time"

	"mock-api-platform/internal/cache"
	"mock-api-platform/internal/handlers"
	"mock-api-platform/internal/logger"
	"mock-api-platform/internal/metrics"
	"mock-api-platform/internal/middleware"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Auth      *services.AuthService
	Usage     *services.UsageService
	Endpoints *services.EndpointService
	Mock      *services.MockService
	Cache     *cache.CacheManager
	Metrics   *metrics.Metrics
	DB        handlers.Pinger
	// WebSocket is optional; /ws/usage is only mounted when it is set.
	WebSocket *handlers.WebSocketHandler
	Log       *zap.Logger
}

type Options struct {
	RateLimitPerHour   int
	UsageCacheTTL      time.Duration
	EnforceIPWhitelist bool
}

// NewRouter mounts the management API, the mock surface and the ops routes.
func NewRouter(d Deps, opts Options) *gin.Engine {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	authHandler := handlers.NewAuthHandler(d.Auth, d.Usage, log)
	endpointHandler := handlers.NewEndpointHandler(d.Endpoints, log)
	usageHandler := handlers.NewUsageHandler(d.Usage, d.Cache, opts.UsageCacheTTL, log)
	mockHandler := handlers.NewMockHandler(d.Mock, log)
	healthHandler := handlers.NewHealthHandler(d.DB, d.Cache)

	router := gin.New()

	// Global middleware
	router.Use(logger.GinMiddleware(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	authOpts := middleware.AuthOptions{EnforceIPWhitelist: opts.EnforceIPWhitelist, Log: log}
	requireAuth := middleware.RequireAuth(d.Auth, authOpts)
	rateLimit := middleware.RateLimitMiddleware(d.Cache, opts.RateLimitPerHour)
	quota := middleware.QuotaMiddleware(d.Usage, log)

	// Ops
	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	// Public routes
	public := router.Group("/api")
	public.Use(middleware.ValidationMiddleware())
	public.POST("/auth/register", authHandler.Register)
	public.POST("/auth/login", authHandler.Login)
	public.GET("/plans", usageHandler.Plans)

	// Protected routes
	protected := router.Group("/api")
	protected.Use(requireAuth, rateLimit, middleware.ValidationMiddleware(), quota)

	protected.POST("/auth/logout", authHandler.Logout)
	protected.GET("/auth/profile", authHandler.Profile)

	protected.GET("/keys", authHandler.ListAPIKeys)
	protected.POST("/keys", authHandler.CreateAPIKey)
	protected.DELETE("/keys/:id", authHandler.RevokeAPIKey)

	protected.POST("/endpoints", endpointHandler.Create)
	protected.GET("/endpoints", endpointHandler.List)
	protected.GET("/endpoints/:id", endpointHandler.Get)
	protected.PUT("/endpoints/:id", endpointHandler.Update)
	protected.DELETE("/endpoints/:id", endpointHandler.Delete)
	protected.POST("/endpoints/:id/restore", endpointHandler.Restore)

	protected.GET("/usage", usageHandler.Summary)
	protected.GET("/usage/daily", usageHandler.GetDailyUsage)
	protected.GET("/usage/recent", usageHandler.Recent)

	protected.GET("/debug/match", mockHandler.DebugMatch)

	// Mock surface. Anonymous callers get through identity resolution and are
	// turned away by the quota gate; bodies are checked against each
	// endpoint's own schema rather than by content type.
	router.Any("/mock/*path", middleware.OptionalAuth(d.Auth, authOpts), quota, rateLimit, mockHandler.Serve)

	if d.WebSocket != nil {
		router.GET("/ws/usage", d.WebSocket.HandleConnections)
	}

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-API-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Mock-Endpoint-Id, X-Mock-Pattern, X-Mock-Processing-Time-Ms, X-Mock-Delay-Ms, X-RateLimit-Limit, X-RateLimit-Remaining")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
