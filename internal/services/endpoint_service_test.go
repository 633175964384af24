package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"mock-api-platform/internal/cache"
	"mock-api-platform/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreateEndpointDefaults(t *testing.T) {
	ctx := context.Background()
	f := newEndpointFixture(t, testDefaults)
	user := createUser(t, f.db, "owner@example.com")

	endpoint, err := f.endpoints.Create(ctx, user.ID, CreateEndpointInput{
		Method:     "get",
		URLPattern: " /api/users/{id} ",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, endpoint.ID)
	assert.Equal(t, models.MethodGet, endpoint.Method)
	assert.Equal(t, "/api/users/{id}", endpoint.URLPattern)
	assert.Equal(t, 200, endpoint.ResponseStatusCode)
	assert.JSONEq(t, `{}`, string(endpoint.ResponseData))
	assert.True(t, endpoint.IsActive)
	assert.False(t, endpoint.HasRequestSchema())
}

func TestCreateEndpointValidation(t *testing.T) {
	ctx := context.Background()
	f := newEndpointFixture(t, testDefaults)
	user := createUser(t, f.db, "owner@example.com")

	tests := []struct {
		name  string
		in    CreateEndpointInput
		field string
	}{
		{"unsupported method", CreateEndpointInput{Method: "HEAD", URLPattern: "/a"}, "method"},
		{"relative pattern", CreateEndpointInput{Method: "GET", URLPattern: "api/a"}, "url_pattern"},
		{"pattern too long", CreateEndpointInput{Method: "GET", URLPattern: "/" + strings.Repeat("a", MaxPatternLength)}, "url_pattern"},
		{"status below range", CreateEndpointInput{Method: "GET", URLPattern: "/a", ResponseStatusCode: intPtr(99)}, "response_status_code"},
		{"status above range", CreateEndpointInput{Method: "GET", URLPattern: "/a", ResponseStatusCode: intPtr(600)}, "response_status_code"},
		{"negative delay", CreateEndpointInput{Method: "GET", URLPattern: "/a", ResponseDelayMs: -1}, "response_delay_ms"},
		{"delay above plan", CreateEndpointInput{Method: "GET", URLPattern: "/a", ResponseDelayMs: 10001}, "response_delay_ms"},
		{"broken response", CreateEndpointInput{Method: "GET", URLPattern: "/a", ResponseData: json.RawMessage(`{"a":`)}, "response_data"},
		{"broken schema", CreateEndpointInput{Method: "POST", URLPattern: "/a", RequestSchema: json.RawMessage(`{"type": 12}`)}, "request_schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.endpoints.Create(ctx, user.ID, tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEndpoint)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := f.endpoints.Create(ctx, user.ID, CreateEndpointInput{Method: "GET", URLPattern: "/a", ResponseDelayMs: 10000})
	assert.NoError(t, err)
}

func TestCreateEndpointRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newEndpointFixture(t, testDefaults)
	alice := createUser(t, f.db, "alice@example.com")
	bob := createUser(t, f.db, "bob@example.com")

	in := CreateEndpointInput{Method: "GET", URLPattern: "/api/users"}
	_, err := f.endpoints.Create(ctx, alice.ID, in)
	require.NoError(t, err)

	_, err = f.endpoints.Create(ctx, alice.ID, in)
	assert.ErrorIs(t, err, ErrDuplicateEndpoint)

	_, err = f.endpoints.Create(ctx, bob.ID, in)
	assert.NoError(t, err)

	_, err = f.endpoints.Create(ctx, alice.ID, CreateEndpointInput{Method: "POST", URLPattern: "/api/users"})
	assert.NoError(t, err)
}

func TestDeactivateAndRestoreKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	f := newEndpointFixture(t, testDefaults)
	user := createUser(t, f.db, "owner@example.com")

	created, err := f.endpoints.Create(ctx, user.ID, CreateEndpointInput{Method: "GET", URLPattern: "/api/things"})
	require.NoError(t, err)

	active, err := f.endpoints.FindActiveByMethod(ctx, "GET")
	require.NoError(t, err)
	require.Len(t, active, 1)

	deactivated, err := f.endpoints.Deactivate(ctx, user.ID, created.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)

	active, err = f.endpoints.FindActiveByMethod(ctx, "GET")
	require.NoError(t, err)
	assert.Empty(t, active)

	// Once inactive, the route is free for a new endpoint.
	replacement, err := f.endpoints.Create(ctx, user.ID, CreateEndpointInput{Method: "GET", URLPattern: "/api/things"})
	require.NoError(t, err)

	_, err = f.endpoints.Restore(ctx, user.ID, created.ID)
	assert.ErrorIs(t, err, ErrDuplicateEndpoint)

	_, err = f.endpoints.Deactivate(ctx, user.ID, replacement.ID)
	require.NoError(t, err)

	restored, err := f.endpoints.Restore(ctx, user.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, restored.ID)
	assert.True(t, restored.IsActive)

	active, err = f.endpoints.FindActiveByMethod(ctx, "GET")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, created.ID, active[0].ID)

	var count int64
	require.NoError(t, f.db.Model(&models.Endpoint{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestEndpointQuota(t *testing.T) {
	ctx := context.Background()
	limits := testDefaults
	limits.MaxEndpoints = 2
	f := newEndpointFixture(t, limits)
	user := createUser(t, f.db, "owner@example.com")

	first, err := f.endpoints.Create(ctx, user.ID, CreateEndpointInput{Method: "GET", URLPattern: "/one"})
	require.NoError(t, err)
	_, err = f.endpoints.Create(ctx, user.ID, CreateEndpointInput{Method: "GET", URLPattern: "/two"})
	require.NoError(t, err)

	_, err = f.endpoints.Create(ctx, user.ID, CreateEndpointInput{Method: "GET", URLPattern: "/three"})
	var quota *QuotaError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, ResourceEndpoints, quota.Resource)
	assert.Equal(t, int64(2), quota.Used)

	// Deactivating frees a slot; reactivating while full is refused.
	_, err = f.endpoints.Deactivate(ctx, user.ID, first.ID)
	require.NoError(t, err)
	_, err = f.endpoints.Create(ctx, user.ID, CreateEndpointInput{Method: "GET", URLPattern: "/three"})
	require.NoError(t, err)
	_, err = f.endpoints.Restore(ctx, user.ID, first.ID)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestUpdateEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newEndpointFixture(t, testDefaults)
	user := createUser(t, f.db, "owner@example.com")

	a, err := f.endpoints.Create(ctx, user.ID, CreateEndpointInput{
		Method:        "POST",
		URLPattern:    "/login",
		RequestSchema: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)
	_, err = f.endpoints.Create(ctx, user.ID, CreateEndpointInput{Method: "POST", URLPattern: "/logout"})
	require.NoError(t, err)

	_, err = f.endpoints.Update(ctx, user.ID, a.ID, UpdateEndpointInput{URLPattern: strPtr("/logout")})
	assert.ErrorIs(t, err, ErrDuplicateEndpoint)

	updated, err := f.endpoints.Update(ctx, user.ID, a.ID, UpdateEndpointInput{
		Method:             strPtr("put"),
		ResponseData:       json.RawMessage(`{"ok":true}`),
		ResponseStatusCode: intPtr(201),
		RequestSchema:      json.RawMessage(`null`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.MethodPut, updated.Method)
	assert.Equal(t, 201, updated.ResponseStatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(updated.ResponseData))
	assert.False(t, updated.HasRequestSchema())

	reloaded, err := f.endpoints.Get(ctx, user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MethodPut, reloaded.Method)
	assert.Equal(t, a.CreatedAt.Unix(), reloaded.CreatedAt.Unix())

	_, err = f.endpoints.Update(ctx, user.ID, a.ID, UpdateEndpointInput{ResponseStatusCode: intPtr(42)})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = f.endpoints.Update(ctx, user.ID, a.ID, UpdateEndpointInput{IsActive: boolPtr(false)})
	require.NoError(t, err)
	inactive := false
	list, err := f.endpoints.List(ctx, user.ID, &inactive)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestEndpointsAreOwnerScoped(t *testing.T) {
	ctx := context.Background()
	f := newEndpointFixture(t, testDefaults)
	alice := createUser(t, f.db, "alice@example.com")
	bob := createUser(t, f.db, "bob@example.com")

	endpoint, err := f.endpoints.Create(ctx, alice.ID, CreateEndpointInput{Method: "GET", URLPattern: "/private"})
	require.NoError(t, err)

	_, err = f.endpoints.Get(ctx, bob.ID, endpoint.ID)
	assert.ErrorIs(t, err, ErrEndpointNotFound)
	_, err = f.endpoints.Deactivate(ctx, bob.ID, endpoint.ID)
	assert.ErrorIs(t, err, ErrEndpointNotFound)
	_, err = f.endpoints.Update(ctx, bob.ID, endpoint.ID, UpdateEndpointInput{Description: strPtr("mine now")})
	assert.ErrorIs(t, err, ErrEndpointNotFound)

	list, err := f.endpoints.List(ctx, bob.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFindActiveByMethodOrderingAndCache(t *testing.T) {
	ctx := context.Background()
	f := newEndpointFixture(t, testDefaults)
	alice := createUser(t, f.db, "alice@example.com")
	bob := createUser(t, f.db, "bob@example.com")

	_, err := f.endpoints.Create(ctx, alice.ID, CreateEndpointInput{Method: "GET", URLPattern: "/a"})
	require.NoError(t, err)
	_, err = f.endpoints.Create(ctx, bob.ID, CreateEndpointInput{Method: "GET", URLPattern: "/a/longer"})
	require.NoError(t, err)
	_, err = f.endpoints.Create(ctx, bob.ID, CreateEndpointInput{Method: "POST", URLPattern: "/a/post"})
	require.NoError(t, err)

	active, err := f.endpoints.FindActiveByMethod(ctx, "GET")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "/a/longer", active[0].URLPattern)
	assert.Equal(t, "/a", active[1].URLPattern)

	var cached []models.Endpoint
	found, err := f.cache.Get(cache.EndpointsKey("GET"), &cached)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, cached, 2)

	// A mutation drops the cached list.
	_, err = f.endpoints.Create(ctx, alice.ID, CreateEndpointInput{Method: "GET", URLPattern: "/b"})
	require.NoError(t, err)
	found, _ = f.cache.Get(cache.EndpointsKey("GET"), &cached)
	assert.False(t, found)

	active, err = f.endpoints.FindActiveByMethod(ctx, "GET")
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestFindActiveByMethodDoesNotCacheAcrossMutation(t *testing.T) {
	ctx := context.Background()
	f := newEndpointFixture(t, testDefaults)
	alice := createUser(t, f.db, "alice@example.com")

	endpoint, err := f.endpoints.Create(ctx, alice.ID, CreateEndpointInput{Method: "GET", URLPattern: "/users/{id}"})
	require.NoError(t, err)

	// Deactivate lands after the candidate query has read the row but
	// before its result is written to the cache.
	armed := true
	require.NoError(t, f.db.Callback().Query().After("gorm:query").Register("test:deactivate_mid_load", func(tx *gorm.DB) {
		if !armed || tx.Statement.Table != "endpoints" {
			return
		}
		armed = false
		_, err := f.endpoints.Deactivate(context.Background(), alice.ID, endpoint.ID)
		require.NoError(t, err)
	}))

	active, err := f.endpoints.FindActiveByMethod(ctx, "GET")
	require.NoError(t, err)
	assert.Len(t, active, 1)
	require.False(t, armed)

	var cached []models.Endpoint
	found, err := f.cache.Get(cache.EndpointsKey("GET"), &cached)
	require.NoError(t, err)
	assert.False(t, found)

	active, err = f.endpoints.FindActiveByMethod(ctx, "GET")
	require.NoError(t, err)
	assert.Empty(t, active)
}
