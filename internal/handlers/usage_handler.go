package handlers

import (
	"net/http"
	"strconv"
	"time"

	"mock-api-platform/internal/cache"
	"mock-api-platform/internal/middleware"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type UsageHandler struct {
	usage    *services.UsageService
	cache    *cache.CacheManager
	cacheTTL time.Duration
	log      *zap.Logger
}

func NewUsageHandler(usage *services.UsageService, cm *cache.CacheManager, cacheTTL time.Duration, log *zap.Logger) *UsageHandler {
	return &UsageHandler{usage: usage, cache: cm, cacheTTL: cacheTTL, log: log}
}

// Summary returns the caller's quota position for the current month
// @Summary Current month usage
// @Tags usage
// @Security BearerAuth
// @Success 200 {object} services.Snapshot
// @Router /api/usage [get]
func (h *UsageHandler) Summary(c *gin.Context) {
	snapshot, err := h.usage.Snapshot(c.Request.Context(), c.GetString(middleware.ContextUserID))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetDailyUsage returns daily usage for the last N days
// @Summary Get daily usage
// @Description Requests per day for the last N days (default 7), zero-filled
// @Tags usage
// @Produce json
// @Security BearerAuth
// @Param days query int false "Number of days"
// @Success 200 {object} services.DailyUsage
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/usage/daily [get]
func (h *UsageHandler) GetDailyUsage(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	days := services.DefaultUsageDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > services.MaxUsageDays {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "days must be between 1 and " + strconv.Itoa(services.MaxUsageDays)})
			return
		}
		days = n
	}

	// Only the views that usage updates invalidate are cached.
	cacheable := days == 7 || days == 30
	cacheKey := cache.DailyUsageKey(userID, days)
	if cacheable {
		var cached services.DailyUsage
		if found, err := h.cache.Get(cacheKey, &cached); found && err == nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	daily, err := h.usage.DailyUsage(c.Request.Context(), userID, days)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	if cacheable {
		if err := h.cache.Set(cacheKey, daily, h.cacheTTL); err != nil {
			h.log.Warn("usage cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, daily)
}

// Recent returns the latest usage records
// @Summary Recent usage
// @Tags usage
// @Security BearerAuth
// @Success 200 {array} models.UsageRecord
// @Router /api/usage/recent [get]
func (h *UsageHandler) Recent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(services.RecentUsageLimit)))
	records, err := h.usage.Recent(c.Request.Context(), c.GetString(middleware.ContextUserID), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// Plans lists the available subscription plans
// @Summary List plans
// @Tags usage
// @Success 200 {array} models.SubscriptionPlan
// @Router /api/plans [get]
func (h *UsageHandler) Plans(c *gin.Context) {
	plans, err := h.usage.Plans(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}
