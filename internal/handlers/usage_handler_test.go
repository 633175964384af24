package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"mock-api-platform/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func usageRouter(env *testEnv, userID string) *gin.Engine {
	h := NewUsageHandler(env.usage, env.cache, time.Minute, zap.NewNop())
	r := gin.New()
	r.GET("/api/plans", h.Plans)
	g := r.Group("/api", asUser(userID))
	g.GET("/usage", h.Summary)
	g.GET("/usage/daily", h.GetDailyUsage)
	g.GET("/usage/recent", h.Recent)
	return r
}

func seedUsage(t *testing.T, env *testEnv, userID string, at time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, env.db.Create(&models.UsageRecord{
			UserID:     userID,
			Method:     "GET",
			URLPattern: "/users/{id}",
			StatusCode: 200,
			DateKey:    models.DateKeyFor(at),
			CreatedAt:  at,
		}).Error)
	}
}

func TestUsageHandler_Summary(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "user@example.com")
	seedUsage(t, env, user.ID, time.Now().UTC(), 3)

	rec := doJSON(t, usageRouter(env, user.ID), http.MethodGet, "/api/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	requests := body["requests"].(map[string]interface{})
	assert.Equal(t, float64(3), requests["used"])
	assert.Equal(t, float64(testLimits.MaxRequestsPerMonth), requests["limit"])
	assert.Equal(t, time.Now().UTC().Format("2006-01"), body["month"])
}

func TestUsageHandler_GetDailyUsage(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "user@example.com")
	r := usageRouter(env, user.ID)
	now := time.Now().UTC()
	seedUsage(t, env, user.ID, now, 2)
	seedUsage(t, env, user.ID, now.AddDate(0, 0, -2), 1)

	rec := doJSON(t, r, http.MethodGet, "/api/usage/daily", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["total"])
	assert.Len(t, body["usage"], 7)

	// The 7 day view is cached until new usage is published.
	seedUsage(t, env, user.ID, now, 1)
	rec = doJSON(t, r, http.MethodGet, "/api/usage/daily?days=7", nil)
	assert.Equal(t, float64(3), decode(t, rec)["total"])

	env.cache.PublishUpdate(user.ID)
	rec = doJSON(t, r, http.MethodGet, "/api/usage/daily?days=7", nil)
	assert.Equal(t, float64(4), decode(t, rec)["total"])

	// Other windows are always computed.
	rec = doJSON(t, r, http.MethodGet, "/api/usage/daily?days=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Len(t, body["usage"], 3)
	assert.Equal(t, float64(4), body["total"])

	for _, bad := range []string{"0", "91", "abc"} {
		rec = doJSON(t, r, http.MethodGet, "/api/usage/daily?days="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestUsageHandler_RecentAndPlans(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "user@example.com")
	seedUsage(t, env, user.ID, time.Now().UTC(), 4)
	r := usageRouter(env, user.ID)

	rec := doJSON(t, r, http.MethodGet, "/api/usage/recent?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["count"])

	rec = doJSON(t, r, http.MethodGet, "/api/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plans := decode(t, rec)["plans"].([]interface{})
	require.NotEmpty(t, plans)
	codes := make([]string, 0, len(plans))
	for _, p := range plans {
		codes = append(codes, p.(map[string]interface{})["code"].(string))
	}
	assert.Contains(t, codes, "free")

	_, err := env.usage.LimitsFor(context.Background(), user.ID)
	require.NoError(t, err)
}
