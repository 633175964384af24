package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mock-api-platform/internal/cache"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Context keys set by the auth middleware.
const (
	ContextUserID   = "user_id"
	ContextAPIKeyID = "api_key_id"
	ContextAuthVia  = "auth_via"
	ContextToken    = "token"
)

type AuthOptions struct {
	// EnforceIPWhitelist rejects API keys used from addresses outside their whitelist.
	EnforceIPWhitelist bool
	Log                *zap.Logger
}

// RequireAuth resolves the caller from an API key or a bearer JWT and
// rejects the request when neither is valid.
func RequireAuth(authService *services.AuthService, opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, message := authenticate(c, authService, opts)
		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"error": message})
			return
		}
		c.Next()
	}
}

// OptionalAuth resolves the caller when credentials are present and valid,
// and otherwise lets the request through as anonymous.
func OptionalAuth(authService *services.AuthService, opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if status, message := authenticate(c, authService, opts); status != 0 && status != http.StatusUnauthorized {
			c.AbortWithStatusJSON(status, gin.H{"error": message})
			return
		}
		c.Next()
	}
}

// authenticate stores the identity in the context. It returns a non-zero
// status with a client-facing message on failure.
func authenticate(c *gin.Context, authService *services.AuthService, opts AuthOptions) (int, string) {
	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		apiKey = c.Query("api_key")
	}

	var tokenString string
	if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		tokenString = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	credential := tokenString
	if apiKey != "" {
		if !strings.HasPrefix(apiKey, services.APIKeyPrefix) {
			return http.StatusUnauthorized, "Invalid API key"
		}
		credential = apiKey
	}
	if credential == "" {
		return http.StatusUnauthorized, "Authentication required"
	}

	identity, err := authService.Resolve(c.Request.Context(), credential)
	switch {
	case errors.Is(err, services.ErrInvalidAPIKey):
		return http.StatusUnauthorized, "Invalid API key"
	case err != nil:
		if !errors.Is(err, services.ErrInvalidToken) && !errors.Is(err, services.ErrTokenRevoked) && opts.Log != nil {
			opts.Log.Error("token validation failed", zap.Error(err))
		}
		return http.StatusUnauthorized, "Invalid token"
	}

	if identity.APIKey != nil && opts.EnforceIPWhitelist && !authService.CheckIPWhitelist(identity.APIKey, c.ClientIP()) {
		return http.StatusForbidden, "IP not whitelisted"
	}
	c.Set(ContextUserID, identity.UserID)
	c.Set(ContextAuthVia, identity.Via)
	if identity.APIKeyID != "" {
		c.Set(ContextAPIKeyID, identity.APIKeyID)
	} else {
		c.Set(ContextToken, credential)
	}
	return 0, ""
}

// RateLimitMiddleware caps each user at limit requests per clock hour.
func RateLimitMiddleware(cm *cache.CacheManager, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ContextUserID)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		count, err := cm.Increment(cache.RateLimitKey(userID, time.Now()), 1, time.Hour)
		if err != nil {
			// If cache fails, continue without rate limiting
			c.Next()
			return
		}

		if count > int64(limit) {
			c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "Rate limit exceeded",
				"limit":     limit,
				"remaining": 0,
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(int64(limit)-count, 10))
		c.Next()
	}
}

// ValidationMiddleware requires a JSON content type on requests that carry a body.
func ValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if c.Request.ContentLength != 0 && !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Content-Type must be application/json"})
				return
			}
		}
		c.Next()
	}
}
