package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mock-api-platform/configs"
	"mock-api-platform/internal/cache"
	"mock-api-platform/internal/database"
	"mock-api-platform/internal/handlers"
	"mock-api-platform/internal/logger"
	"mock-api-platform/internal/matcher"
	"mock-api-platform/internal/metrics"
	"mock-api-platform/internal/schema"
	"mock-api-platform/internal/server"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// @title Mock API Platform
// @version 1.0
// @description Define mock HTTP endpoints and serve them under /mock with plan quotas

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

const (
	shutdownTimeout     = 10 * time.Second
	revocationPurgeTick = time.Hour
)

func main() {
	cfg, err := configs.Load()
	if err != nil {
		// Logger is not configured yet.
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		ServiceName: "mock-api",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *configs.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mt := metrics.New()

	// Initialize database
	dbm, err := database.NewDBManager(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbm.Close(); err != nil {
			log.Warn("database close failed", zap.Error(err))
		}
	}()

	// Initialize cache
	cacheMgr := cache.NewCacheManager(cfg.RedisURL, log)
	defer func() { _ = cacheMgr.Close() }()

	patterns := matcher.New(cfg.MatcherCacheSize,
		matcher.WithStrictEscaping(cfg.StrictPatternEscaping),
		matcher.WithLogger(log),
	)
	validator := schema.New(cfg.SchemaCacheSize)

	// Initialize services
	defaults := services.Limits{
		PlanCode:            "free",
		MaxEndpoints:        int64(cfg.DefaultMaxEndpoints),
		MaxRequestsPerMonth: int64(cfg.DefaultMaxRequestsPerMonth),
		MaxRequestDelayMs:   cfg.MaxResponseDelayMs,
	}
	usageService := services.NewUsageService(dbm.WriteDB, defaults, log,
		services.WithReadDB(dbm.GetReadDB),
		services.WithUsageMetrics(mt),
	)
	endpointService := services.NewEndpointService(dbm.WriteDB, usageService, validator, cacheMgr, cfg.EndpointCacheTTL, log)
	authService := services.NewAuthService(dbm.WriteDB, cfg.JWTSecret, cfg.JWTTTL, log,
		services.WithAPIKeyCacheTTL(cfg.APIKeyCacheTTL),
	)

	var wsHandler *handlers.WebSocketHandler
	recorderOpts := []services.RecorderOption{
		services.WithRecorderCache(cacheMgr),
		services.WithRecorderMetrics(mt),
	}
	if cfg.EnableWebSocket {
		wsHandler = handlers.NewWebSocketHandler(authService, log)
		go wsHandler.RunHub(ctx)
		recorderOpts = append(recorderOpts, services.WithNotifier(wsHandler))
	}

	// The recorder outlives the signal context so requests still in flight
	// during shutdown are persisted.
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	recorder := services.NewUsageRecorder(dbm, cfg.UsageQueueSize, cfg.UsageWorkers, log, recorderOpts...)
	recorder.Start(recorderCtx)
	defer recorder.Stop()

	mockService := services.NewMockService(endpointService, patterns, validator, recorder, mt, log)

	go purgeRevocations(ctx, authService, log)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := server.NewRouter(server.Deps{
		Auth:      authService,
		Usage:     usageService,
		Endpoints: endpointService,
		Mock:      mockService,
		Cache:     cacheMgr,
		Metrics:   mt,
		DB:        dbm,
		WebSocket: wsHandler,
		Log:       log,
	}, server.Options{
		RateLimitPerHour:   cfg.RateLimitPerHour,
		UsageCacheTTL:      cfg.CacheTTL,
		EnforceIPWhitelist: cfg.EnableIPWhitelist,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

func purgeRevocations(ctx context.Context, auth *services.AuthService, log *zap.Logger) {
	ticker := time.NewTicker(revocationPurgeTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := auth.PurgeExpiredRevocations(ctx)
			if err != nil {
				log.Warn("revoked token purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("purged expired token revocations", zap.Int64("count", n))
			}
		}
	}
}
