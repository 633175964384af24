package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrIPNotAllowed       = errors.New("IP not whitelisted")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrAPIKeyNotFound     = errors.New("API key not found")

	ErrEndpointNotFound  = errors.New("endpoint not found")
	ErrDuplicateEndpoint = errors.New("an active endpoint with this method and URL pattern already exists")
	ErrInvalidEndpoint   = errors.New("invalid endpoint")

	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Quota resources.
const (
	ResourceRequests  = "requests"
	ResourceEndpoints = "endpoints"
)

// ValidationError is a rejected input field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidEndpoint
}

func invalidField(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// QuotaError reports an exhausted monthly quota with the usage that tripped it.
type QuotaError struct {
	Resource string    `json:"resource"`
	Used     int64     `json:"used"`
	Limit    int64     `json:"limit"`
	Month    string    `json:"month"`
	ResetsAt time.Time `json:"resets_at"`
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d of %d used in %s", e.Resource, e.Used, e.Limit, e.Month)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}
