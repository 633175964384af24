package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// HTTP methods an endpoint may be registered for.
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
	MethodPatch  = "PATCH"
)

var SupportedMethods = []string{MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch}

func IsSupportedMethod(method string) bool {
	for _, m := range SupportedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Users
type User struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Email        string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name         string    `gorm:"type:varchar(255);not null" json:"name"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	IsActive     bool      `gorm:"not null" json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Subscription plans
type SubscriptionPlan struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Code                string    `gorm:"type:varchar(50);uniqueIndex;not null" json:"code"`
	Name                string    `gorm:"type:varchar(100);not null" json:"name"`
	MaxEndpoints        int       `gorm:"not null" json:"max_endpoints"`
	MaxRequestsPerMonth int       `gorm:"not null" json:"max_requests_per_month"`
	MaxRequestDelayMs   int       `gorm:"not null" json:"max_request_delay_ms"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (SubscriptionPlan) TableName() string {
	return "subscription_plans"
}

const (
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
)

// User subscriptions; at most one is active per user.
type UserSubscription struct {
	ID        uint              `gorm:"primaryKey;autoIncrement"`
	UserID    string            `gorm:"type:varchar(36);index:idx_subscription_user_status;not null"`
	Status    string            `gorm:"type:varchar(20);index:idx_subscription_user_status;not null"`
	PlanID    uint              `gorm:"not null"`
	Plan      *SubscriptionPlan `gorm:"foreignKey:PlanID"`
	StartedAt time.Time         `gorm:"not null"`
	EndsAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserSubscription) TableName() string {
	return "user_subscriptions"
}

// API keys. Only the prefix is stored in clear; the secret is bcrypt-hashed.
type APIKey struct {
	ID          string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID      string     `gorm:"type:varchar(36);index;not null" json:"-"`
	Name        string     `gorm:"type:varchar(100);not null" json:"name"`
	Prefix      string     `gorm:"type:varchar(16);uniqueIndex;not null" json:"prefix"`
	KeyHash     string     `gorm:"type:varchar(255);not null" json:"-"`
	IPWhitelist string     `gorm:"type:text" json:"ip_whitelist,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (APIKey) TableName() string {
	return "api_keys"
}

func (k *APIKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return nil
}

// Endpoint definitions.
//
// ActiveSlot is 1 while the endpoint is active and NULL otherwise, so the
// unique index on (owner, method, pattern, slot) only constrains active rows.
type Endpoint struct {
	ID                 string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID            string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_endpoint_active_route,priority:1" json:"owner_id"`
	Owner              *User          `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE" json:"-"`
	Method             string         `gorm:"type:varchar(10);not null;index:idx_endpoint_method_active,priority:1;uniqueIndex:idx_endpoint_active_route,priority:2" json:"method"`
	URLPattern         string         `gorm:"type:varchar(500);not null;uniqueIndex:idx_endpoint_active_route,priority:3" json:"url_pattern"`
	Description        string         `gorm:"type:varchar(500)" json:"description,omitempty"`
	RequestSchema      datatypes.JSON `json:"request_schema,omitempty"`
	ResponseData       datatypes.JSON `json:"response_data"`
	ResponseStatusCode int            `gorm:"not null;default:200" json:"response_status_code"`
	ResponseDelayMs    int            `gorm:"not null;default:0" json:"response_delay_ms"`
	IsActive           bool           `gorm:"not null;index:idx_endpoint_method_active,priority:2" json:"is_active"`
	ActiveSlot         *bool          `gorm:"uniqueIndex:idx_endpoint_active_route,priority:4" json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (Endpoint) TableName() string {
	return "endpoints"
}

func (e *Endpoint) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (e *Endpoint) BeforeSave(tx *gorm.DB) error {
	e.SyncActiveSlot()
	return nil
}

// SyncActiveSlot derives ActiveSlot from IsActive.
func (e *Endpoint) SyncActiveSlot() {
	if e.IsActive {
		active := true
		e.ActiveSlot = &active
		return
	}
	e.ActiveSlot = nil
}

// HasRequestSchema reports whether a non-null schema document is attached.
func (e *Endpoint) HasRequestSchema() bool {
	return HasJSON(e.RequestSchema)
}

// HasJSON reports whether raw holds a JSON value other than null.
func HasJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Usage records. DateKey is the UTC day ("2006-01-02") used for monthly rollups.
type UsageRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       string    `gorm:"type:varchar(36);index:idx_usage_user_date,priority:1;not null" json:"user_id"`
	EndpointID   *string   `gorm:"type:varchar(36);index" json:"endpoint_id"`
	Method       string    `gorm:"type:varchar(10);not null" json:"method"`
	URLPattern   string    `gorm:"type:varchar(500)" json:"url_pattern"`
	StatusCode   int       `gorm:"not null" json:"status_code"`
	ProcessingMs int64     `gorm:"not null" json:"processing_ms"`
	DateKey      string    `gorm:"type:char(10);index:idx_usage_user_date,priority:2;not null" json:"date_key"`
	CreatedAt    time.Time `json:"created_at"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// DateKeyFor formats t as a UsageRecord date key.
func DateKeyFor(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Revoked JWTs, keyed by the SHA-256 of the token.
type RevokedToken struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	TokenHash string    `gorm:"type:char(64);uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
}

func (RevokedToken) TableName() string {
	return "revoked_tokens"
}
