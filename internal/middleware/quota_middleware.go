package middleware

import (
	"context"
	"errors"
	"net/http"

	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UpgradeURL is where quota rejections point the caller.
const UpgradeURL = "/api/plans"

// RequestQuota is the part of the usage service the quota gate needs.
type RequestQuota interface {
	CheckRequests(ctx context.Context, userID string) error
}

// QuotaMiddleware rejects identified callers whose monthly request quota is
// spent, before the handler runs. Anonymous callers are rejected outright.
// Account-management routes are exempt.
func QuotaMiddleware(quota RequestQuota, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		userID := c.GetString(ContextUserID)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		if services.IsExempt(c.Request.Method, c.FullPath()) {
			c.Next()
			return
		}

		err := quota.CheckRequests(c.Request.Context(), userID)
		if err == nil {
			c.Next()
			return
		}

		var quotaErr *services.QuotaError
		if errors.As(err, &quotaErr) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, QuotaExceededBody(quotaErr))
			return
		}

		log.Error("quota check failed", zap.String("user_id", userID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// QuotaExceededBody is the payload sent with a 429 for an exhausted quota.
func QuotaExceededBody(err *services.QuotaError) gin.H {
	return gin.H{
		"error":       "Quota exceeded",
		"message":     err.Error(),
		"quota":       err,
		"upgrade_url": UpgradeURL,
	}
}
