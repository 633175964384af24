package handlers

import (
	"net/http"
	"time"

	"mock-api-platform/internal/middleware"
	"mock-api-platform/internal/models"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AuthHandler struct {
	auth  *services.AuthService
	usage *services.UsageService
	log   *zap.Logger
}

func NewAuthHandler(auth *services.AuthService, usage *services.UsageService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, usage: usage, log: log}
}

type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Name     string `json:"name" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

type ProfileResponse struct {
	User   *models.User    `json:"user"`
	Limits services.Limits `json:"limits"`
}

type CreateAPIKeyRequest struct {
	Name        string `json:"name" binding:"required,max=100"`
	IPWhitelist string `json:"ip_whitelist"`
}

type CreateAPIKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// Register creates an account on the default plan
// @Summary Register a new user
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration data"
// @Success 201 {object} AuthResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	user, token, err := h.auth.Register(c.Request.Context(), services.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.Info("user registered", zap.String("user_id", user.ID))
	c.JSON(http.StatusCreated, AuthResponse{User: user, Token: token})
}

// Login exchanges credentials for a JWT
// @Summary Log in
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} AuthResponse
// @Failure 401 {object} ErrorResponse
// @Router /api/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	user, token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, AuthResponse{User: user, Token: token})
}

// Logout revokes the JWT used for this request
// @Summary Log out
// @Tags auth
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Router /api/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	token := c.GetString(middleware.ContextToken)
	if token == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Logout requires a bearer token"})
		return
	}
	if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Logged out"})
}

// Profile returns the caller and their plan limits
// @Summary Get profile
// @Tags auth
// @Security BearerAuth
// @Success 200 {object} ProfileResponse
// @Router /api/auth/profile [get]
func (h *AuthHandler) Profile(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(middleware.ContextUserID)

	user, err := h.auth.GetUser(ctx, userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	limits, err := h.usage.LimitsFor(ctx, userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ProfileResponse{User: user, Limits: limits})
}

// CreateAPIKey issues a key; the plaintext is only ever returned here
// @Summary Create API key
// @Tags keys
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateAPIKeyRequest true "Key data"
// @Success 201 {object} CreateAPIKeyResponse
// @Router /api/keys [post]
func (h *AuthHandler) CreateAPIKey(c *gin.Context) {
	var req CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	key, plaintext, err := h.auth.CreateAPIKey(c.Request.Context(), c.GetString(middleware.ContextUserID), req.Name, req.IPWhitelist)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, CreateAPIKeyResponse{APIKey: key, Key: plaintext})
}

// ListAPIKeys
// @Summary List API keys
// @Tags keys
// @Security BearerAuth
// @Success 200 {array} models.APIKey
// @Router /api/keys [get]
func (h *AuthHandler) ListAPIKeys(c *gin.Context) {
	keys, err := h.auth.ListAPIKeys(c.Request.Context(), c.GetString(middleware.ContextUserID))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeAPIKey
// @Summary Revoke API key
// @Tags keys
// @Security BearerAuth
// @Param id path string true "Key ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/keys/{id} [delete]
func (h *AuthHandler) RevokeAPIKey(c *gin.Context) {
	err := h.auth.RevokeAPIKey(c.Request.Context(), c.GetString(middleware.ContextUserID), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Message: "API key revoked",
		Data:    gin.H{"id": c.Param("id"), "revoked_at": time.Now().UTC()},
	})
}
