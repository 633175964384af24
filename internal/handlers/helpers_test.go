package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mock-api-platform/internal/cache"
	"mock-api-platform/internal/database"
	"mock-api-platform/internal/matcher"
	"mock-api-platform/internal/middleware"
	"mock-api-platform/internal/models"
	"mock-api-platform/internal/schema"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testLimits = services.Limits{
	PlanCode:            "free",
	MaxEndpoints:        5,
	MaxRequestsPerMonth: 100,
	MaxRequestDelayMs:   1000,
}

type testEnv struct {
	db        *gorm.DB
	cache     *cache.CacheManager
	auth      *services.AuthService
	usage     *services.UsageService
	endpoints *services.EndpointService
	mock      *services.MockService
}

// dbSink writes usage records synchronously so tests can assert on them
// without waiting for the background recorder.
type dbSink struct {
	db *gorm.DB
}

func (s dbSink) Record(record models.UsageRecord) bool {
	return s.db.Create(&record).Error == nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open("sqlite", fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", name), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))
	require.NoError(t, database.SeedPlans(db, testLimits.MaxRequestDelayMs))

	cm := cache.NewCacheManager("", nil)
	t.Cleanup(func() { _ = cm.Close() })

	validator := schema.New(64)
	usage := services.NewUsageService(db, testLimits, zap.NewNop())
	endpoints := services.NewEndpointService(db, usage, validator, cm, time.Minute, zap.NewNop())

	return &testEnv{
		db:        db,
		cache:     cm,
		auth:      services.NewAuthService(db, "test-secret", time.Hour, zap.NewNop(), services.WithBcryptCost(bcrypt.MinCost)),
		usage:     usage,
		endpoints: endpoints,
		mock:      services.NewMockService(endpoints, matcher.New(64), validator, dbSink{db: db}, nil, zap.NewNop()),
	}
}

func (e *testEnv) createUser(t *testing.T, email string) *models.User {
	t.Helper()
	user, _, err := e.auth.Register(context.Background(), services.RegisterInput{
		Email:    email,
		Password: "password123",
		Name:     "Test User",
	})
	require.NoError(t, err)
	return user
}

// asUser stands in for the auth middleware.
func asUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Next()
	}
}

func newJSONRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func doJSON(t *testing.T, r http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, newJSONRequest(t, method, target, body))
	return rec
}

func doAuthed(t *testing.T, r http.Handler, method, target, authorization string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := newJSONRequest(t, method, target, body)
	req.Header.Set("Authorization", authorization)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func countUsage(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.UsageRecord{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}
