package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"mock-api-platform/internal/cache"
	"mock-api-platform/internal/models"
	"mock-api-platform/internal/schema"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MaxPatternLength     = 500
	MaxDescriptionLength = 500
)

// CreateEndpointInput describes a new endpoint. A nil status defaults to 200.
type CreateEndpointInput struct {
	Method             string          `json:"method" binding:"required"`
	URLPattern         string          `json:"url_pattern" binding:"required"`
	Description        string          `json:"description"`
	RequestSchema      json.RawMessage `json:"request_schema"`
	ResponseData       json.RawMessage `json:"response_data"`
	ResponseStatusCode *int            `json:"response_status_code"`
	ResponseDelayMs    int             `json:"response_delay_ms"`
}

// UpdateEndpointInput is a partial update; nil or absent fields are left
// unchanged. An explicit JSON null request_schema removes the schema.
type UpdateEndpointInput struct {
	Method             *string         `json:"method"`
	URLPattern         *string         `json:"url_pattern"`
	Description        *string         `json:"description"`
	RequestSchema      json.RawMessage `json:"request_schema"`
	ResponseData       json.RawMessage `json:"response_data"`
	ResponseStatusCode *int            `json:"response_status_code"`
	ResponseDelayMs    *int            `json:"response_delay_ms"`
	IsActive           *bool           `json:"is_active"`
}

// EndpointService owns endpoint definitions. Every mutation drops the cached
// candidate list for the affected methods.
type EndpointService struct {
	db        *gorm.DB
	usage     *UsageService
	validator *schema.Validator
	cache     *cache.CacheManager
	cacheTTL  time.Duration
	log       *zap.Logger
}

func NewEndpointService(db *gorm.DB, usage *UsageService, validator *schema.Validator, cm *cache.CacheManager, cacheTTL time.Duration, log *zap.Logger) *EndpointService {
	if log == nil {
		log = zap.NewNop()
	}
	return &EndpointService{
		db:        db,
		usage:     usage,
		validator: validator,
		cache:     cm,
		cacheTTL:  cacheTTL,
		log:       log,
	}
}

func (s *EndpointService) Create(ctx context.Context, ownerID string, in CreateEndpointInput) (*models.Endpoint, error) {
	status := 200
	if in.ResponseStatusCode != nil {
		status = *in.ResponseStatusCode
	}
	responseData := in.ResponseData
	if len(responseData) == 0 {
		responseData = json.RawMessage(`{}`)
	}

	endpoint := &models.Endpoint{
		OwnerID:            ownerID,
		Method:             strings.ToUpper(strings.TrimSpace(in.Method)),
		URLPattern:         strings.TrimSpace(in.URLPattern),
		Description:        strings.TrimSpace(in.Description),
		ResponseData:       datatypes.JSON(responseData),
		ResponseStatusCode: status,
		ResponseDelayMs:    in.ResponseDelayMs,
		IsActive:           true,
	}
	if models.HasJSON(in.RequestSchema) {
		endpoint.RequestSchema = datatypes.JSON(in.RequestSchema)
	}

	if err := s.validate(ctx, endpoint); err != nil {
		return nil, err
	}
	if err := s.usage.CheckEndpoints(ctx, ownerID); err != nil {
		return nil, err
	}
	if err := s.ensureUnique(ctx, endpoint); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(endpoint).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateEndpoint
		}
		return nil, fmt.Errorf("create endpoint: %w", err)
	}

	s.invalidate(endpoint.Method)
	s.log.Info("endpoint created",
		zap.String("endpoint_id", endpoint.ID),
		zap.String("owner_id", ownerID),
		zap.String("method", endpoint.Method),
		zap.String("url_pattern", endpoint.URLPattern),
	)
	return endpoint, nil
}

// Get returns an endpoint owned by ownerID, active or not.
func (s *EndpointService) Get(ctx context.Context, ownerID, id string) (*models.Endpoint, error) {
	var endpoint models.Endpoint
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return &endpoint, nil
}

// List returns the owner's endpoints, newest first, optionally filtered by state.
func (s *EndpointService) List(ctx context.Context, ownerID string, active *bool) ([]models.Endpoint, error) {
	query := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if active != nil {
		query = query.Where("is_active = ?", *active)
	}

	var endpoints []models.Endpoint
	if err := query.Order("created_at DESC").Find(&endpoints).Error; err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return endpoints, nil
}

func (s *EndpointService) Update(ctx context.Context, ownerID, id string, in UpdateEndpointInput) (*models.Endpoint, error) {
	endpoint, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	previousMethod := endpoint.Method
	wasActive := endpoint.IsActive
	routeChanged := false

	if in.Method != nil {
		method := strings.ToUpper(strings.TrimSpace(*in.Method))
		routeChanged = routeChanged || method != endpoint.Method
		endpoint.Method = method
	}
	if in.URLPattern != nil {
		pattern := strings.TrimSpace(*in.URLPattern)
		routeChanged = routeChanged || pattern != endpoint.URLPattern
		endpoint.URLPattern = pattern
	}
	if in.Description != nil {
		endpoint.Description = strings.TrimSpace(*in.Description)
	}
	if len(in.RequestSchema) > 0 {
		if models.HasJSON(in.RequestSchema) {
			endpoint.RequestSchema = datatypes.JSON(in.RequestSchema)
		} else {
			endpoint.RequestSchema = nil
		}
	}
	if len(in.ResponseData) > 0 {
		endpoint.ResponseData = datatypes.JSON(in.ResponseData)
	}
	if in.ResponseStatusCode != nil {
		endpoint.ResponseStatusCode = *in.ResponseStatusCode
	}
	if in.ResponseDelayMs != nil {
		endpoint.ResponseDelayMs = *in.ResponseDelayMs
	}
	if in.IsActive != nil {
		endpoint.IsActive = *in.IsActive
	}

	if err := s.validate(ctx, endpoint); err != nil {
		return nil, err
	}
	if endpoint.IsActive && !wasActive {
		if err := s.usage.CheckEndpoints(ctx, ownerID); err != nil {
			return nil, err
		}
	}
	if endpoint.IsActive && (routeChanged || !wasActive) {
		if err := s.ensureUnique(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	if err := s.db.WithContext(ctx).Save(endpoint).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateEndpoint
		}
		return nil, fmt.Errorf("update endpoint: %w", err)
	}

	s.invalidate(previousMethod, endpoint.Method)
	return endpoint, nil
}

// Deactivate soft-deletes an endpoint. Deactivating an inactive endpoint is a no-op.
func (s *EndpointService) Deactivate(ctx context.Context, ownerID, id string) (*models.Endpoint, error) {
	endpoint, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !endpoint.IsActive {
		return endpoint, nil
	}

	endpoint.IsActive = false
	if err := s.db.WithContext(ctx).Save(endpoint).Error; err != nil {
		return nil, fmt.Errorf("deactivate endpoint: %w", err)
	}

	s.invalidate(endpoint.Method)
	s.log.Info("endpoint deactivated", zap.String("endpoint_id", id), zap.String("owner_id", ownerID))
	return endpoint, nil
}

// Restore reactivates a soft-deleted endpoint under its original id.
func (s *EndpointService) Restore(ctx context.Context, ownerID, id string) (*models.Endpoint, error) {
	active := true
	return s.Update(ctx, ownerID, id, UpdateEndpointInput{IsActive: &active})
}

// FindDuplicate returns the owner's active endpoint for method and pattern,
// ignoring excludeID. It returns nil when there is none.
func (s *EndpointService) FindDuplicate(ctx context.Context, ownerID, method, pattern, excludeID string) (*models.Endpoint, error) {
	query := s.db.WithContext(ctx).
		Where("owner_id = ? AND method = ? AND url_pattern = ? AND is_active = ?", ownerID, method, pattern, true)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}

	var endpoint models.Endpoint
	err := query.First(&endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find duplicate endpoint: %w", err)
	}
	return &endpoint, nil
}

// FindActiveByMethod returns every owner's active endpoints for method,
// longest pattern first, then newest. Results are cached briefly; a load
// that overlaps a mutation is returned but not cached.
func (s *EndpointService) FindActiveByMethod(ctx context.Context, method string) ([]models.Endpoint, error) {
	key := cache.EndpointsKey(method)

	var endpoints []models.Endpoint
	if found, err := s.cache.Get(key, &endpoints); found && err == nil {
		return endpoints, nil
	} else if err != nil {
		s.log.Warn("endpoint cache read failed", zap.String("key", key), zap.Error(err))
	}

	gen := s.cache.Generation(key)
	endpoints = nil
	err := s.db.WithContext(ctx).
		Where("method = ? AND is_active = ?", method, true).
		Order("LENGTH(url_pattern) DESC").
		Order("created_at DESC").
		Find(&endpoints).Error
	if err != nil {
		return nil, fmt.Errorf("find active endpoints: %w", err)
	}

	if _, err := s.cache.SetIfGeneration(key, endpoints, s.cacheTTL, gen); err != nil {
		s.log.Warn("endpoint cache write failed", zap.String("key", key), zap.Error(err))
	}
	return endpoints, nil
}

func (s *EndpointService) ensureUnique(ctx context.Context, endpoint *models.Endpoint) error {
	duplicate, err := s.FindDuplicate(ctx, endpoint.OwnerID, endpoint.Method, endpoint.URLPattern, endpoint.ID)
	if err != nil {
		return err
	}
	if duplicate != nil {
		return ErrDuplicateEndpoint
	}
	return nil
}

func (s *EndpointService) validate(ctx context.Context, e *models.Endpoint) error {
	if !models.IsSupportedMethod(e.Method) {
		return invalidField("method", "must be one of %s", strings.Join(models.SupportedMethods, ", "))
	}
	if !strings.HasPrefix(e.URLPattern, "/") {
		return invalidField("url_pattern", "must start with /")
	}
	if utf8.RuneCountInString(e.URLPattern) > MaxPatternLength {
		return invalidField("url_pattern", "must be at most %d characters", MaxPatternLength)
	}
	if utf8.RuneCountInString(e.Description) > MaxDescriptionLength {
		return invalidField("description", "must be at most %d characters", MaxDescriptionLength)
	}
	if e.ResponseStatusCode < 100 || e.ResponseStatusCode >= 600 {
		return invalidField("response_status_code", "must be between 100 and 599")
	}
	if !json.Valid(e.ResponseData) {
		return invalidField("response_data", "must be valid JSON")
	}

	limits, err := s.usage.LimitsFor(ctx, e.OwnerID)
	if err != nil {
		return err
	}
	if e.ResponseDelayMs < 0 || e.ResponseDelayMs > limits.MaxRequestDelayMs {
		return invalidField("response_delay_ms", "must be between 0 and %d", limits.MaxRequestDelayMs)
	}

	if e.HasRequestSchema() {
		if err := s.validator.Check(e.RequestSchema); err != nil {
			return invalidField("request_schema", "%s", err.Error())
		}
	}
	return nil
}

func (s *EndpointService) invalidate(methods ...string) {
	keys := make([]string, 0, len(methods))
	seen := make(map[string]bool, len(methods))
	for _, method := range methods {
		if method == "" || seen[method] {
			continue
		}
		seen[method] = true
		keys = append(keys, cache.EndpointsKey(method))
	}
	s.cache.Invalidate(keys...)
}
