package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"mock-api-platform/internal/middleware"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MaxMockBodyBytes caps the request body read for schema validation.
const MaxMockBodyBytes = 1 << 20

type MockHandler struct {
	mock *services.MockService
	log  *zap.Logger
}

func NewMockHandler(mock *services.MockService, log *zap.Logger) *MockHandler {
	return &MockHandler{mock: mock, log: log}
}

// Serve replays the configured response of the best matching endpoint
// @Summary Serve a mock response
// @Tags mock
// @Security BearerAuth
// @Param path path string true "Mocked path"
// @Success 200 {object} object "Configured response body"
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /mock/{path} [get]
func (h *MockHandler) Serve(c *gin.Context) {
	path := c.Param("path")
	if path == "" {
		path = "/"
	}

	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxMockBodyBytes))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Request body too large"})
			return
		}
	}

	ctx := c.Request.Context()
	result, err := h.mock.Dispatch(ctx, services.DispatchRequest{
		Method:  c.Request.Method,
		Path:    path,
		Headers: c.Request.Header,
		Query:   c.Request.URL.Query(),
		Body:    body,
		UserID:  c.GetString(middleware.ContextUserID),
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// The client went away during the simulated delay.
			h.log.Debug("mock request abandoned", zap.String("path", path), zap.Error(err))
			c.Abort()
			return
		}
		respondError(c, h.log, err)
		return
	}

	for name, values := range result.Headers {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Data(result.StatusCode, "application/json; charset=utf-8", result.Body)
}

// DebugMatch reports which endpoint a request would hit without serving it
// @Summary Explain a match
// @Tags mock
// @Security BearerAuth
// @Param method query string true "HTTP method"
// @Param path query string true "Request path"
// @Success 200 {object} services.MatchInfo
// @Router /api/debug/match [get]
func (h *MockHandler) DebugMatch(c *gin.Context) {
	method := strings.ToUpper(strings.TrimSpace(c.DefaultQuery("method", http.MethodGet)))
	path := c.Query("path")
	if !strings.HasPrefix(path, "/") {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "path must start with /"})
		return
	}

	info, err := h.mock.Explain(c.Request.Context(), method, path)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
