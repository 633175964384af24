package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mock-api-platform/internal/matcher"
	"mock-api-platform/internal/metrics"
	"mock-api-platform/internal/models"
	"mock-api-platform/internal/schema"

	"go.uber.org/zap"
)

// Diagnostic headers attached to every matched mock response.
const (
	HeaderEndpointID     = "X-Mock-Endpoint-Id"
	HeaderPattern        = "X-Mock-Pattern"
	HeaderProcessingTime = "X-Mock-Processing-Time-Ms"
	HeaderDelay          = "X-Mock-Delay-Ms"
)

type Outcome string

const (
	OutcomeMatched          Outcome = "matched"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeValidationFailed Outcome = "validation_failed"
)

// EndpointFinder lists the active endpoints registered for a method.
type EndpointFinder interface {
	FindActiveByMethod(ctx context.Context, method string) ([]models.Endpoint, error)
}

// UsageSink accepts usage records without blocking. It reports false when
// the record was dropped.
type UsageSink interface {
	Record(record models.UsageRecord) bool
}

type DispatchRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	Body    []byte
	// UserID is the resolved caller; empty for anonymous requests.
	UserID string
}

// DispatchResult is the response decided for one mock request. NotFound and
// ValidationFailed are ordinary outcomes, not errors.
type DispatchResult struct {
	Outcome        Outcome
	StatusCode     int
	Body           json.RawMessage
	Headers        http.Header
	Endpoint       *models.Endpoint
	Params         map[string]string
	Errors         []schema.FieldError
	DelayMs        int
	ProcessingTime time.Duration
}

type notFoundBody struct {
	Error   string `json:"error"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

type validationBody struct {
	Error   string              `json:"error"`
	Details []schema.FieldError `json:"details"`
}

// MockService turns inbound mock requests into configured responses.
type MockService struct {
	finder    EndpointFinder
	matcher   *matcher.Matcher
	validator *schema.Validator
	usage     UsageSink
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

func NewMockService(finder EndpointFinder, m *matcher.Matcher, v *schema.Validator, usage UsageSink, mt *metrics.Metrics, log *zap.Logger) *MockService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MockService{
		finder:    finder,
		matcher:   m,
		validator: v,
		usage:     usage,
		metrics:   mt,
		log:       log,
		now:       time.Now,
	}
}

// Dispatch matches req against every owner's active endpoints, validates the
// body when the endpoint carries a schema, waits out the configured delay and
// returns the canned response. Only store faults and cancellation during the
// delay are returned as errors.
func (s *MockService) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	start := s.now()

	if !models.IsSupportedMethod(req.Method) {
		return s.notFound(req, start), nil
	}

	endpoints, err := s.finder.FindActiveByMethod(ctx, req.Method)
	if err != nil {
		return nil, fmt.Errorf("load endpoints for %s: %w", req.Method, err)
	}

	match, ok := s.matcher.Best(req.Path, candidates(endpoints))
	if !ok {
		return s.notFound(req, start), nil
	}
	endpoint := endpoints[match.Index]

	if endpoint.HasRequestSchema() && len(bytes.TrimSpace(req.Body)) > 0 {
		if result := s.validate(&endpoint, req.Body); result != nil {
			result.Params = match.Params
			s.finish(req, result, start)
			return result, nil
		}
	}

	if endpoint.ResponseDelayMs > 0 {
		timer := time.NewTimer(time.Duration(endpoint.ResponseDelayMs) * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	body := json.RawMessage(endpoint.ResponseData)
	if !models.HasJSON(body) {
		body = json.RawMessage(`null`)
	}
	result := &DispatchResult{
		Outcome:    OutcomeMatched,
		StatusCode: endpoint.ResponseStatusCode,
		Body:       body,
		Headers:    http.Header{},
		Endpoint:   &endpoint,
		Params:     match.Params,
		DelayMs:    endpoint.ResponseDelayMs,
	}
	s.finish(req, result, start)
	return result, nil
}

// validate returns a failed result, or nil when the body passes.
func (s *MockService) validate(endpoint *models.Endpoint, body []byte) *DispatchResult {
	var errs []schema.FieldError

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		errs = []schema.FieldError{{Field: "body", Message: "request body is not valid JSON"}}
	} else if res := s.validator.Validate(data, endpoint.RequestSchema); !res.Valid {
		errs = res.Errors
	}
	if len(errs) == 0 {
		return nil
	}

	payload, _ := json.Marshal(validationBody{Error: "Request validation failed", Details: errs})
	return &DispatchResult{
		Outcome:    OutcomeValidationFailed,
		StatusCode: http.StatusBadRequest,
		Body:       payload,
		Headers:    http.Header{},
		Endpoint:   endpoint,
		Errors:     errs,
	}
}

func (s *MockService) notFound(req DispatchRequest, start time.Time) *DispatchResult {
	payload, _ := json.Marshal(notFoundBody{
		Error:   "Mock endpoint not found",
		Method:  req.Method,
		Path:    req.Path,
		Message: "No active endpoint matches this method and path",
	})
	result := &DispatchResult{
		Outcome:    OutcomeNotFound,
		StatusCode: http.StatusNotFound,
		Body:       payload,
		Headers:    http.Header{},
	}
	s.finish(req, result, start)
	return result
}

// finish stamps timing and diagnostics and hands matched requests to usage
// accounting. Unmatched requests are never recorded.
func (s *MockService) finish(req DispatchRequest, result *DispatchResult, start time.Time) {
	result.ProcessingTime = s.now().Sub(start)
	s.metrics.ObserveDispatch(string(result.Outcome), result.ProcessingTime)

	if result.Endpoint == nil {
		s.log.Debug("mock request unmatched", zap.String("method", req.Method), zap.String("path", req.Path))
		return
	}

	result.Headers.Set(HeaderEndpointID, result.Endpoint.ID)
	result.Headers.Set(HeaderPattern, result.Endpoint.URLPattern)
	result.Headers.Set(HeaderProcessingTime, strconv.FormatInt(result.ProcessingTime.Milliseconds(), 10))
	result.Headers.Set(HeaderDelay, strconv.Itoa(result.DelayMs))

	if req.UserID == "" || s.usage == nil {
		return
	}
	endpointID := result.Endpoint.ID
	s.usage.Record(models.UsageRecord{
		UserID:       req.UserID,
		EndpointID:   &endpointID,
		Method:       req.Method,
		URLPattern:   result.Endpoint.URLPattern,
		StatusCode:   result.StatusCode,
		ProcessingMs: result.ProcessingTime.Milliseconds(),
		DateKey:      models.DateKeyFor(start),
		CreatedAt:    start.UTC(),
	})
}

// MatchInfo describes which endpoint a request would hit.
type MatchInfo struct {
	Matched    bool              `json:"matched"`
	EndpointID string            `json:"endpoint_id,omitempty"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	URLPattern string            `json:"url_pattern,omitempty"`
	Exact      bool              `json:"exact"`
	Params     map[string]string `json:"params"`
	Candidates int               `json:"candidates"`
}

// Explain runs the matching step only. Nothing is recorded.
func (s *MockService) Explain(ctx context.Context, method, path string) (*MatchInfo, error) {
	info := &MatchInfo{Method: method, Path: path, Params: map[string]string{}}
	if !models.IsSupportedMethod(method) {
		return info, nil
	}

	endpoints, err := s.finder.FindActiveByMethod(ctx, method)
	if err != nil {
		return nil, fmt.Errorf("load endpoints for %s: %w", method, err)
	}
	info.Candidates = len(endpoints)

	match, ok := s.matcher.Best(path, candidates(endpoints))
	if !ok {
		return info, nil
	}
	endpoint := endpoints[match.Index]
	info.Matched = true
	info.EndpointID = endpoint.ID
	info.URLPattern = endpoint.URLPattern
	info.Exact = match.Exact
	info.Params = match.Params
	return info, nil
}

func candidates(endpoints []models.Endpoint) []matcher.Candidate {
	out := make([]matcher.Candidate, len(endpoints))
	for i, e := range endpoints {
		out[i] = matcher.Candidate{ID: e.ID, Pattern: e.URLPattern, CreatedAt: e.CreatedAt}
	}
	return out
}
