package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mock-api-platform/internal/metrics"
	"mock-api-platform/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultUsageDays = 7
	MaxUsageDays     = 90
	RecentUsageLimit = 50
)

// Limits are the monthly ceilings that apply to one user.
type Limits struct {
	PlanCode            string `json:"plan"`
	MaxEndpoints        int64  `json:"max_endpoints"`
	MaxRequestsPerMonth int64  `json:"max_requests_per_month"`
	MaxRequestDelayMs   int    `json:"max_request_delay_ms"`
}

type ResourceUsage struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// Snapshot is a user's quota position for the current month.
type Snapshot struct {
	Plan      string        `json:"plan"`
	Month     string        `json:"month"`
	ResetsAt  time.Time     `json:"resets_at"`
	Requests  ResourceUsage `json:"requests"`
	Endpoints ResourceUsage `json:"endpoints"`
}

type DayUsage struct {
	Date         string `json:"date"`
	RequestCount int64  `json:"request_count"`
}

type DailyUsage struct {
	UserID    string     `json:"user_id"`
	StartDate string     `json:"start_date"`
	EndDate   string     `json:"end_date"`
	Total     int64      `json:"total"`
	Usage     []DayUsage `json:"usage"`
}

// UsageService computes quota positions from stored usage records and
// active endpoints. Nothing is counted in memory.
type UsageService struct {
	db       *gorm.DB
	readDB   func() *gorm.DB
	defaults Limits
	now      func() time.Time
	metrics  *metrics.Metrics
	log      *zap.Logger
}

type UsageOption func(*UsageService)

// WithReadDB routes aggregate queries through a replica picker.
func WithReadDB(pick func() *gorm.DB) UsageOption {
	return func(s *UsageService) {
		if pick != nil {
			s.readDB = pick
		}
	}
}

func WithClock(now func() time.Time) UsageOption {
	return func(s *UsageService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithUsageMetrics(m *metrics.Metrics) UsageOption {
	return func(s *UsageService) {
		s.metrics = m
	}
}

// NewUsageService uses defaults for users without an active subscription.
// defaults.MaxRequestDelayMs is also the global ceiling on any plan's delay.
func NewUsageService(db *gorm.DB, defaults Limits, log *zap.Logger, opts ...UsageOption) *UsageService {
	if log == nil {
		log = zap.NewNop()
	}
	if defaults.PlanCode == "" {
		defaults.PlanCode = "free"
	}
	s := &UsageService{
		db:       db,
		defaults: defaults,
		now:      time.Now,
		log:      log,
	}
	s.readDB = func() *gorm.DB { return s.db }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MonthRange returns the UTC calendar month containing t as [start, end).
func MonthRange(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// LimitsFor resolves the plan of the user's active subscription.
func (s *UsageService) LimitsFor(ctx context.Context, userID string) (Limits, error) {
	var sub models.UserSubscription
	err := s.readDB().WithContext(ctx).
		Preload("Plan").
		Where("user_id = ? AND status = ?", userID, models.SubscriptionActive).
		Order("started_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && sub.Plan == nil) {
		return s.defaults, nil
	}
	if err != nil {
		return Limits{}, fmt.Errorf("lookup subscription: %w", err)
	}

	return Limits{
		PlanCode:            sub.Plan.Code,
		MaxEndpoints:        int64(sub.Plan.MaxEndpoints),
		MaxRequestsPerMonth: int64(sub.Plan.MaxRequestsPerMonth),
		MaxRequestDelayMs:   min(sub.Plan.MaxRequestDelayMs, s.defaults.MaxRequestDelayMs),
	}, nil
}

// CountThisMonth counts the user's usage records in the current UTC month.
func (s *UsageService) CountThisMonth(ctx context.Context, userID string) (int64, error) {
	start, end := MonthRange(s.now())

	var count int64
	err := s.readDB().WithContext(ctx).Model(&models.UsageRecord{}).
		Where("user_id = ? AND date_key >= ? AND date_key < ?", userID, models.DateKeyFor(start), models.DateKeyFor(end)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return count, nil
}

// CountActiveEndpoints reads from the primary so that a create is checked
// against the latest writes.
func (s *UsageService) CountActiveEndpoints(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Endpoint{}).
		Where("owner_id = ? AND is_active = ?", userID, true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count endpoints: %w", err)
	}
	return count, nil
}

// CheckRequests returns a *QuotaError once the monthly request budget is spent.
func (s *UsageService) CheckRequests(ctx context.Context, userID string) error {
	limits, err := s.LimitsFor(ctx, userID)
	if err != nil {
		return err
	}
	used, err := s.CountThisMonth(ctx, userID)
	if err != nil {
		return err
	}
	return s.check(ResourceRequests, used, limits.MaxRequestsPerMonth)
}

// CheckEndpoints returns a *QuotaError when one more active endpoint would
// exceed the plan.
func (s *UsageService) CheckEndpoints(ctx context.Context, userID string) error {
	limits, err := s.LimitsFor(ctx, userID)
	if err != nil {
		return err
	}
	used, err := s.CountActiveEndpoints(ctx, userID)
	if err != nil {
		return err
	}
	return s.check(ResourceEndpoints, used, limits.MaxEndpoints)
}

func (s *UsageService) check(resource string, used, limit int64) error {
	if used < limit {
		return nil
	}
	start, end := MonthRange(s.now())
	s.metrics.QuotaRejected(resource)
	return &QuotaError{
		Resource: resource,
		Used:     used,
		Limit:    limit,
		Month:    start.Format("2006-01"),
		ResetsAt: end,
	}
}

func (s *UsageService) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	limits, err := s.LimitsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	requests, err := s.CountThisMonth(ctx, userID)
	if err != nil {
		return nil, err
	}
	endpoints, err := s.CountActiveEndpoints(ctx, userID)
	if err != nil {
		return nil, err
	}

	start, end := MonthRange(s.now())
	return &Snapshot{
		Plan:      limits.PlanCode,
		Month:     start.Format("2006-01"),
		ResetsAt:  end,
		Requests:  ResourceUsage{Used: requests, Limit: limits.MaxRequestsPerMonth},
		Endpoints: ResourceUsage{Used: endpoints, Limit: limits.MaxEndpoints},
	}, nil
}

// DailyUsage returns per-day request counts for the last days days, ending
// today, with days that saw no traffic reported as zero.
func (s *UsageService) DailyUsage(ctx context.Context, userID string, days int) (*DailyUsage, error) {
	if days <= 0 {
		days = DefaultUsageDays
	}
	if days > MaxUsageDays {
		days = MaxUsageDays
	}

	endDate := s.now().UTC()
	startDate := endDate.AddDate(0, 0, -(days - 1))

	var rows []DayUsage
	err := s.readDB().WithContext(ctx).Model(&models.UsageRecord{}).
		Select("date_key AS date, COUNT(*) AS request_count").
		Where("user_id = ? AND date_key >= ? AND date_key <= ?", userID, models.DateKeyFor(startDate), models.DateKeyFor(endDate)).
		Group("date_key").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query daily usage: %w", err)
	}

	return fillMissingDays(userID, rows, startDate, endDate), nil
}

func fillMissingDays(userID string, data []DayUsage, startDate, endDate time.Time) *DailyUsage {
	result := &DailyUsage{
		UserID:    userID,
		StartDate: models.DateKeyFor(startDate),
		EndDate:   models.DateKeyFor(endDate),
		Usage:     make([]DayUsage, 0),
	}

	counts := make(map[string]int64, len(data))
	for _, item := range data {
		counts[item.Date] = item.RequestCount
	}

	last := models.DateKeyFor(endDate)
	for d := startDate; ; d = d.AddDate(0, 0, 1) {
		key := models.DateKeyFor(d)
		result.Usage = append(result.Usage, DayUsage{Date: key, RequestCount: counts[key]})
		result.Total += counts[key]
		if key == last {
			break
		}
	}
	return result
}

// Plans lists the plan catalogue, smallest first.
func (s *UsageService) Plans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	var plans []models.SubscriptionPlan
	if err := s.readDB().WithContext(ctx).Order("max_requests_per_month ASC").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// Recent returns the user's latest usage records, newest first.
func (s *UsageService) Recent(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 || limit > RecentUsageLimit {
		limit = RecentUsageLimit
	}

	var records []models.UsageRecord
	err := s.readDB().WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return records, nil
}

// exemptRoutes are account-management operations that stay available after
// the monthly request quota is spent.
var exemptRoutes = map[string]bool{
	http.MethodGet + " /api/auth/profile": true,
	http.MethodPost + " /api/auth/logout": true,
	http.MethodGet + " /api/usage":        true,
	http.MethodGet + " /api/usage/daily":  true,
	http.MethodGet + " /api/usage/recent": true,
	http.MethodGet + " /api/keys":         true,
	http.MethodPost + " /api/keys":        true,
	http.MethodDelete + " /api/keys/:id":  true,
}

// IsExempt reports whether the route template is exempt from the requests quota.
func IsExempt(method, route string) bool {
	return exemptRoutes[method+" "+route]
}
