package handlers

import (
	"net/http"
	"strconv"

	"mock-api-platform/internal/middleware"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type EndpointHandler struct {
	endpoints *services.EndpointService
	log       *zap.Logger
}

func NewEndpointHandler(endpoints *services.EndpointService, log *zap.Logger) *EndpointHandler {
	return &EndpointHandler{endpoints: endpoints, log: log}
}

// Create registers a mock endpoint
// @Summary Create endpoint
// @Tags endpoints
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.CreateEndpointInput true "Endpoint definition"
// @Success 201 {object} models.Endpoint
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /api/endpoints [post]
func (h *EndpointHandler) Create(c *gin.Context) {
	var req services.CreateEndpointInput
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	endpoint, err := h.endpoints.Create(c.Request.Context(), c.GetString(middleware.ContextUserID), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, endpoint)
}

// List returns the caller's endpoints
// @Summary List endpoints
// @Tags endpoints
// @Security BearerAuth
// @Param active query bool false "Filter by state"
// @Success 200 {array} models.Endpoint
// @Router /api/endpoints [get]
func (h *EndpointHandler) List(c *gin.Context) {
	var active *bool
	if raw := c.Query("active"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "active must be true or false"})
			return
		}
		active = &value
	}

	endpoints, err := h.endpoints.List(c.Request.Context(), c.GetString(middleware.ContextUserID), active)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints, "count": len(endpoints)})
}

// Get
// @Summary Get endpoint
// @Tags endpoints
// @Security BearerAuth
// @Param id path string true "Endpoint ID"
// @Success 200 {object} models.Endpoint
// @Failure 404 {object} ErrorResponse
// @Router /api/endpoints/{id} [get]
func (h *EndpointHandler) Get(c *gin.Context) {
	endpoint, err := h.endpoints.Get(c.Request.Context(), c.GetString(middleware.ContextUserID), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, endpoint)
}

// Update applies a partial update
// @Summary Update endpoint
// @Tags endpoints
// @Accept json
// @Security BearerAuth
// @Param id path string true "Endpoint ID"
// @Param request body services.UpdateEndpointInput true "Fields to change"
// @Success 200 {object} models.Endpoint
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/endpoints/{id} [put]
func (h *EndpointHandler) Update(c *gin.Context) {
	var req services.UpdateEndpointInput
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	endpoint, err := h.endpoints.Update(c.Request.Context(), c.GetString(middleware.ContextUserID), c.Param("id"), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, endpoint)
}

// Delete deactivates an endpoint; it can be restored later
// @Summary Deactivate endpoint
// @Tags endpoints
// @Security BearerAuth
// @Param id path string true "Endpoint ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/endpoints/{id} [delete]
func (h *EndpointHandler) Delete(c *gin.Context) {
	endpoint, err := h.endpoints.Deactivate(c.Request.Context(), c.GetString(middleware.ContextUserID), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Endpoint deactivated", Data: endpoint})
}

// Restore reactivates a deactivated endpoint
// @Summary Restore endpoint
// @Tags endpoints
// @Security BearerAuth
// @Param id path string true "Endpoint ID"
// @Success 200 {object} models.Endpoint
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /api/endpoints/{id}/restore [post]
func (h *EndpointHandler) Restore(c *gin.Context) {
	endpoint, err := h.endpoints.Restore(c.Request.Context(), c.GetString(middleware.ContextUserID), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, endpoint)
}
