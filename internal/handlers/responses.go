package handlers

import (
	"errors"
	"net/http"

	"mock-api-platform/internal/middleware"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

// respondError maps service errors to HTTP responses. Anything unexpected is
// logged and reported as a generic 500.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	var validationErr *services.ValidationError
	var quotaErr *services.QuotaError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Field:   validationErr.Field,
			Message: validationErr.Message,
		})
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusTooManyRequests, middleware.QuotaExceededBody(quotaErr))
	case errors.Is(err, services.ErrDuplicateEndpoint):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrEmailTaken):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Email already registered"})
	case errors.Is(err, services.ErrEndpointNotFound),
		errors.Is(err, services.ErrAPIKeyNotFound),
		errors.Is(err, services.ErrUserNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid email or password"})
	case errors.Is(err, services.ErrInvalidToken), errors.Is(err, services.ErrTokenRevoked):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid token"})
	default:
		_ = c.Error(err)
		log.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("user_id", c.GetString(middleware.ContextUserID)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
}
