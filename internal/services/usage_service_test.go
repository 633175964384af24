package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"mock-api-platform/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func insertUsage(t *testing.T, db *gorm.DB, userID string, at time.Time, n int) {
	t.Helper()
	records := make([]models.UsageRecord, n)
	for i := range records {
		records[i] = models.UsageRecord{
			UserID:     userID,
			Method:     models.MethodGet,
			URLPattern: "/api/users",
			StatusCode: 200,
			DateKey:    models.DateKeyFor(at),
			CreatedAt:  at,
		}
	}
	require.NoError(t, db.CreateInBatches(records, 100).Error)
}

func TestMonthRange(t *testing.T) {
	start, end := MonthRange(time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestLimitsForFallsBackToDefaults(t *testing.T) {
	db := newTestDB(t)
	usage := NewUsageService(db, testDefaults, zap.NewNop())

	limits, err := usage.LimitsFor(context.Background(), "no-subscription")
	require.NoError(t, err)
	assert.Equal(t, testDefaults, limits)
}

func TestLimitsForUsesActiveSubscription(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "pro@example.com")

	var pro models.SubscriptionPlan
	require.NoError(t, db.Where("code = ?", "pro").First(&pro).Error)
	require.NoError(t, db.Create(&models.UserSubscription{
		UserID:    user.ID,
		Status:    models.SubscriptionActive,
		PlanID:    pro.ID,
		StartedAt: time.Now().UTC(),
	}).Error)

	capped := testDefaults
	capped.MaxRequestDelayMs = 2000
	usage := NewUsageService(db, capped, zap.NewNop())

	limits, err := usage.LimitsFor(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", limits.PlanCode)
	assert.Equal(t, int64(pro.MaxEndpoints), limits.MaxEndpoints)
	assert.Equal(t, int64(pro.MaxRequestsPerMonth), limits.MaxRequestsPerMonth)
	assert.Equal(t, 2000, limits.MaxRequestDelayMs)
}

func TestCheckRequestsBoundary(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

	limits := testDefaults
	limits.MaxRequestsPerMonth = 5
	usage := NewUsageService(db, limits, zap.NewNop(), WithClock(fixedClock(now)))

	// Last month's traffic does not count.
	insertUsage(t, db, "u1", now.AddDate(0, -1, 0), 20)
	insertUsage(t, db, "u1", now, 4)
	require.NoError(t, usage.CheckRequests(ctx, "u1"))

	insertUsage(t, db, "u1", now, 1)
	err := usage.CheckRequests(ctx, "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))

	var quota *QuotaError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, ResourceRequests, quota.Resource)
	assert.Equal(t, int64(5), quota.Used)
	assert.Equal(t, int64(5), quota.Limit)
	assert.Equal(t, "2026-05", quota.Month)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), quota.ResetsAt)

	// Other users are unaffected.
	require.NoError(t, usage.CheckRequests(ctx, "u2"))
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newEndpointFixture(t, testDefaults)
	user := createUser(t, f.db, "snap@example.com")

	_, err := f.endpoints.Create(ctx, user.ID, CreateEndpointInput{Method: "GET", URLPattern: "/a"})
	require.NoError(t, err)
	insertUsage(t, f.db, user.ID, time.Now().UTC(), 3)

	snap, err := f.usage.Snapshot(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "free", snap.Plan)
	assert.Equal(t, ResourceUsage{Used: 3, Limit: 1000}, snap.Requests)
	assert.Equal(t, ResourceUsage{Used: 1, Limit: 10}, snap.Endpoints)
	assert.Equal(t, time.Now().UTC().Format("2006-01"), snap.Month)
}

func TestDailyUsageFillsMissingDays(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	usage := NewUsageService(db, testDefaults, zap.NewNop(), WithClock(fixedClock(now)))

	insertUsage(t, db, "u1", now, 2)
	insertUsage(t, db, "u1", now.AddDate(0, 0, -3), 1)
	insertUsage(t, db, "u1", now.AddDate(0, 0, -10), 7)

	daily, err := usage.DailyUsage(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-25", daily.StartDate)
	assert.Equal(t, "2026-03-03", daily.EndDate)
	require.Len(t, daily.Usage, DefaultUsageDays)
	assert.Equal(t, DayUsage{Date: "2026-02-28", RequestCount: 1}, daily.Usage[3])
	assert.Equal(t, DayUsage{Date: "2026-03-03", RequestCount: 2}, daily.Usage[6])
	assert.Equal(t, int64(0), daily.Usage[0].RequestCount)
	assert.Equal(t, int64(3), daily.Total)

	daily, err = usage.DailyUsage(context.Background(), "u1", 500)
	require.NoError(t, err)
	assert.Len(t, daily.Usage, MaxUsageDays)
}

func TestRecentNewestFirst(t *testing.T) {
	db := newTestDB(t)
	usage := NewUsageService(db, testDefaults, zap.NewNop())
	now := time.Now().UTC()

	insertUsage(t, db, "u1", now.Add(-time.Hour), 1)
	insertUsage(t, db, "u1", now, 1)
	insertUsage(t, db, "u2", now, 1)

	records, err := usage.Recent(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].CreatedAt.After(records[1].CreatedAt))
}

func TestIsExempt(t *testing.T) {
	assert.True(t, IsExempt("GET", "/api/auth/profile"))
	assert.True(t, IsExempt("POST", "/api/keys"))
	assert.True(t, IsExempt("DELETE", "/api/keys/:id"))
	assert.True(t, IsExempt("GET", "/api/usage/daily"))
	assert.False(t, IsExempt("POST", "/api/endpoints"))
	assert.False(t, IsExempt("GET", "/mock/*path"))
}
