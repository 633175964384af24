package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger checks that the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheStatus reports whether the shared redis tier is connected.
type CacheStatus interface {
	IsAvailable() bool
}

type HealthHandler struct {
	db    Pinger
	cache CacheStatus
}

func NewHealthHandler(db Pinger, cache CacheStatus) *HealthHandler {
	return &HealthHandler{db: db, cache: cache}
}

// Health
// @Summary Health check
// @Tags ops
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	overall := "healthy"
	database := "connected"
	if err := h.db.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
		database = "unreachable"
	}

	redis := "local_cache_only"
	if h.cache.IsAvailable() {
		redis = "connected"
	}

	c.JSON(status, gin.H{
		"status":    overall,
		"timestamp": time.Now().Unix(),
		"services": map[string]string{
			"database": database,
			"redis":    redis,
			"cache":    "active",
		},
	})
}
