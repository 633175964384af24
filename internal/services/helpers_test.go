package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"mock-api-platform/internal/cache"
	"mock-api-platform/internal/database"
	"mock-api-platform/internal/models"
	"mock-api-platform/internal/schema"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var testDefaults = Limits{
	PlanCode:            "free",
	MaxEndpoints:        10,
	MaxRequestsPerMonth: 1000,
	MaxRequestDelayMs:   10000,
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name), zap.NewNop())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	require.NoError(t, database.SeedPlans(db, testDefaults.MaxRequestDelayMs))
	return db
}

func newTestAuth(db *gorm.DB) *AuthService {
	return NewAuthService(db, "test-secret", time.Hour, zap.NewNop(), WithBcryptCost(bcrypt.MinCost))
}

func createUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()
	user, _, err := newTestAuth(db).Register(context.Background(), RegisterInput{
		Email:    email,
		Password: "password123",
		Name:     "Test User",
	})
	require.NoError(t, err)
	return user
}

type endpointFixture struct {
	db        *gorm.DB
	usage     *UsageService
	endpoints *EndpointService
	cache     *cache.CacheManager
}

func newEndpointFixture(t *testing.T, limits Limits) *endpointFixture {
	t.Helper()
	db := newTestDB(t)
	cm := cache.NewCacheManager("", nil)
	t.Cleanup(func() { _ = cm.Close() })

	usage := NewUsageService(db, limits, zap.NewNop())
	return &endpointFixture{
		db:        db,
		usage:     usage,
		endpoints: NewEndpointService(db, usage, schema.New(64), cm, time.Minute, zap.NewNop()),
		cache:     cm,
	}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func boolPtr(v bool) *bool { return &v }

// memorySink collects usage records in place of the recorder.
type memorySink struct {
	mu      sync.Mutex
	records []models.UsageRecord
}

func (s *memorySink) Record(record models.UsageRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return true
}

func (s *memorySink) all() []models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UsageRecord(nil), s.records...)
}

// staticFinder serves a fixed endpoint list.
type staticFinder struct {
	endpoints []models.Endpoint
	err       error
}

func (f *staticFinder) FindActiveByMethod(_ context.Context, method string) ([]models.Endpoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Endpoint
	for _, e := range f.endpoints {
		if e.Method == method && e.IsActive {
			out = append(out, e)
		}
	}
	return out, nil
}
