package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mockRouter(env *testEnv, userID string) *gin.Engine {
	h := NewMockHandler(env.mock, zap.NewNop())
	r := gin.New()
	r.Any("/mock/*path", asUser(userID), h.Serve)
	r.GET("/api/debug/match", asUser(userID), h.DebugMatch)
	return r
}

func TestMockHandler_Serve(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := env.createUser(t, "owner@example.com")
	caller := env.createUser(t, "caller@example.com")

	user, err := env.endpoints.Create(ctx, owner.ID, services.CreateEndpointInput{
		Method:       "GET",
		URLPattern:   "/users/{id}",
		ResponseData: json.RawMessage(`{"id":42,"name":"Ada"}`),
	})
	require.NoError(t, err)
	_, err = env.endpoints.Create(ctx, owner.ID, services.CreateEndpointInput{
		Method:             "POST",
		URLPattern:         "/orders",
		RequestSchema:      json.RawMessage(`{"type":"object","required":["sku"],"properties":{"sku":{"type":"string"}}}`),
		ResponseData:       json.RawMessage(`{"status":"created"}`),
		ResponseStatusCode: intPtr(201),
	})
	require.NoError(t, err)

	r := mockRouter(env, caller.ID)

	t.Run("matched", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/mock/users/42", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"id":42,"name":"Ada"}`, rec.Body.String())
		assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Equal(t, user.ID, rec.Header().Get(services.HeaderEndpointID))
		assert.Equal(t, "/users/{id}", rec.Header().Get(services.HeaderPattern))
		assert.Equal(t, "0", rec.Header().Get(services.HeaderDelay))
		assert.NotEmpty(t, rec.Header().Get(services.HeaderProcessingTime))
	})

	t.Run("schema accepted", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/mock/orders", map[string]string{"sku": "A-1"})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.JSONEq(t, `{"status":"created"}`, rec.Body.String())
	})

	t.Run("schema rejected", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/mock/orders", map[string]int{"sku": 7})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "Request validation failed", body["error"])
		assert.NotEmpty(t, body["details"])
	})

	t.Run("not found", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodDelete, "/mock/users/42", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "DELETE", body["method"])
		assert.Equal(t, "/users/42", body["path"])
		assert.Empty(t, rec.Header().Get(services.HeaderEndpointID))
	})

	t.Run("body too large", func(t *testing.T) {
		big := `{"sku":"` + strings.Repeat("x", MaxMockBodyBytes) + `"}`
		rec := doJSON(t, r, http.MethodPost, "/mock/orders", big)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	// matched, schema accepted and schema rejected are charged to the caller
	assert.Equal(t, int64(3), countUsage(t, env.db, caller.ID))
	assert.Equal(t, int64(0), countUsage(t, env.db, owner.ID))
}

func TestMockHandler_DebugMatch(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "owner@example.com")
	created, err := env.endpoints.Create(context.Background(), owner.ID, services.CreateEndpointInput{
		Method:     "GET",
		URLPattern: "/users/:id/posts/{post}",
	})
	require.NoError(t, err)
	r := mockRouter(env, owner.ID)

	rec := doJSON(t, r, http.MethodGet, "/api/debug/match?method=get&path=/users/7/posts/9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["matched"])
	assert.Equal(t, created.ID, body["endpoint_id"])
	assert.Equal(t, map[string]interface{}{"id": "7", "post": "9"}, body["params"])

	rec = doJSON(t, r, http.MethodGet, "/api/debug/match?path=/nothing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["matched"])

	rec = doJSON(t, r, http.MethodGet, "/api/debug/match?path=users", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int64(0), countUsage(t, env.db, owner.ID))
}

func intPtr(v int) *int { return &v }
