package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"mock-api-platform/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// APIKeyPrefix marks a bearer credential as an API key rather than a JWT.
const APIKeyPrefix = "mk_"

const apiKeyLookupLen = 8

const (
	defaultAPIKeyCacheTTL = time.Minute
	// apiKeyTouchInterval throttles last_used_at writes per key.
	apiKeyTouchInterval = time.Minute
)

type AuthService struct {
	db         *gorm.DB
	secret     []byte
	ttl        time.Duration
	bcryptCost int
	revoked    *cache.Cache
	// verified holds recently verified API keys by lookup prefix.
	verified *cache.Cache
	log      *zap.Logger
}

type AuthOption func(*AuthService)

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) AuthOption {
	return func(s *AuthService) {
		s.bcryptCost = cost
	}
}

// WithAPIKeyCacheTTL sets how long a verified API key skips the bcrypt check.
// Zero disables the cache.
func WithAPIKeyCacheTTL(ttl time.Duration) AuthOption {
	return func(s *AuthService) {
		if ttl <= 0 {
			s.verified = nil
			return
		}
		s.verified = cache.New(ttl, 2*ttl)
	}
}

func NewAuthService(db *gorm.DB, secret string, ttl time.Duration, log *zap.Logger, opts ...AuthOption) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &AuthService{
		db:         db,
		secret:     []byte(secret),
		ttl:        ttl,
		bcryptCost: bcrypt.DefaultCost,
		revoked:    cache.New(ttl, 10*time.Minute),
		verified:   cache.New(defaultAPIKeyCacheTTL, 2*defaultAPIKeyCacheTTL),
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Identity is a resolved caller. APIKey is set when the credential was an API key.
type Identity struct {
	UserID   string
	APIKeyID string
	Via      string
	APIKey   *models.APIKey
}

type verifiedKey struct {
	digest string
	key    models.APIKey
}

type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, string, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))

	var existing models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	if err == nil {
		return nil, "", ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	user := models.User{
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: string(hash),
		IsActive:     true,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", fmt.Errorf("create user: %w", err)
	}

	token, _, err := s.GenerateToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return &user, token, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("email = ? AND is_active = ?", strings.ToLower(strings.TrimSpace(email)), true).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("lookup user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, _, err := s.GenerateToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return &user, token, nil
}

func (s *AuthService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", userID, true).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return &user, nil
}

func (s *AuthService) GenerateToken(userID string) (string, time.Time, error) {
	now := time.Now()
	expirationTime := now.Add(s.ttl)

	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        randomToken(12),
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "mock-api",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expirationTime, nil
}

func (s *AuthService) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	hash := tokenHash(tokenString)
	if _, found := s.revoked.Get(hash); found {
		return nil, ErrTokenRevoked
	}

	var revoked models.RevokedToken
	err = s.db.WithContext(ctx).Where("token_hash = ?", hash).First(&revoked).Error
	if err == nil {
		s.rememberRevoked(hash, revoked.ExpiresAt)
		return nil, ErrTokenRevoked
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup revoked token: %w", err)
	}

	return claims, nil
}

// RevokeToken blacklists a still-valid token until it expires.
func (s *AuthService) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := s.ValidateToken(ctx, tokenString)
	if err != nil {
		return err
	}

	hash := tokenHash(tokenString)
	record := models.RevokedToken{
		TokenHash: hash,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("store revoked token: %w", err)
	}
	s.rememberRevoked(hash, record.ExpiresAt)
	return nil
}

func (s *AuthService) rememberRevoked(hash string, expiresAt time.Time) {
	if ttl := time.Until(expiresAt); ttl > 0 {
		s.revoked.Set(hash, struct{}{}, ttl)
	}
}

// PurgeExpiredRevocations deletes blacklist rows whose tokens have expired.
func (s *AuthService) PurgeExpiredRevocations(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now().UTC()).Delete(&models.RevokedToken{})
	return res.RowsAffected, res.Error
}

// CreateAPIKey returns the stored key and its plaintext, which is never
// recoverable afterwards.
func (s *AuthService) CreateAPIKey(ctx context.Context, userID, name, ipWhitelist string) (*models.APIKey, string, error) {
	lookup := randomHex(apiKeyLookupLen / 2)
	secret := randomToken(24)
	plaintext := APIKeyPrefix + lookup + secret

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash API key: %w", err)
	}

	key := models.APIKey{
		UserID:      userID,
		Name:        strings.TrimSpace(name),
		Prefix:      lookup,
		KeyHash:     string(hash),
		IPWhitelist: strings.TrimSpace(ipWhitelist),
	}
	if err := s.db.WithContext(ctx).Create(&key).Error; err != nil {
		return nil, "", fmt.Errorf("create API key: %w", err)
	}
	return &key, plaintext, nil
}

func (s *AuthService) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("list API keys: %w", err)
	}
	return keys, nil
}

func (s *AuthService) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	var key models.APIKey
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND revoked_at IS NULL", keyID, userID).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAPIKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("revoke API key: %w", err)
	}

	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ? AND revoked_at IS NULL", keyID).
		Update("revoked_at", now)
	if res.Error != nil {
		return fmt.Errorf("revoke API key: %w", res.Error)
	}
	if s.verified != nil {
		s.verified.Delete(key.Prefix)
	}
	if res.RowsAffected == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func (s *AuthService) ValidateAPIKey(ctx context.Context, apiKey string) (*models.APIKey, error) {
	if !strings.HasPrefix(apiKey, APIKeyPrefix) || len(apiKey) <= len(APIKeyPrefix)+apiKeyLookupLen {
		return nil, ErrInvalidAPIKey
	}
	rest := apiKey[len(APIKeyPrefix):]
	lookup, secret := rest[:apiKeyLookupLen], rest[apiKeyLookupLen:]
	digest := tokenHash(apiKey)

	if s.verified != nil {
		if v, ok := s.verified.Get(lookup); ok {
			if entry := v.(verifiedKey); entry.digest == digest {
				key := entry.key
				s.touchAPIKey(ctx, &key, digest)
				return &key, nil
			}
		}
	}

	var key models.APIKey
	err := s.db.WithContext(ctx).
		Where("prefix = ? AND revoked_at IS NULL", lookup).
		First(&key).Error
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, ErrInvalidAPIKey
	}

	if s.verified != nil {
		s.verified.SetDefault(lookup, verifiedKey{digest: digest, key: key})
	}
	s.touchAPIKey(ctx, &key, digest)
	return &key, nil
}

// touchAPIKey records use of key at most once per apiKeyTouchInterval.
func (s *AuthService) touchAPIKey(ctx context.Context, key *models.APIKey, digest string) {
	now := time.Now().UTC()
	if key.LastUsedAt != nil && now.Sub(*key.LastUsedAt) < apiKeyTouchInterval {
		return
	}
	if err := s.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", key.ID).Update("last_used_at", now).Error; err != nil {
		s.log.Warn("failed to touch API key", zap.String("api_key_id", key.ID), zap.Error(err))
		return
	}
	key.LastUsedAt = &now
	if s.verified != nil {
		// Keep the original expiry so revocations elsewhere still age out.
		if _, expires, ok := s.verified.GetWithExpiration(key.Prefix); ok {
			if ttl := time.Until(expires); ttl > 0 {
				s.verified.Set(key.Prefix, verifiedKey{digest: digest, key: *key}, ttl)
			}
		}
	}
}

// CheckIPWhitelist allows ip when the key has no whitelist or lists it.
func (s *AuthService) CheckIPWhitelist(key *models.APIKey, ip string) bool {
	if key.IPWhitelist == "" {
		return true
	}

	for _, allowedIP := range strings.Split(key.IPWhitelist, ",") {
		if strings.TrimSpace(allowedIP) == ip {
			return true
		}
	}
	return false
}

// Resolve identifies the caller behind a bearer credential, which is either
// an API key or a JWT.
func (s *AuthService) Resolve(ctx context.Context, credential string) (*Identity, error) {
	if strings.HasPrefix(credential, APIKeyPrefix) {
		key, err := s.ValidateAPIKey(ctx, credential)
		if err != nil {
			return nil, err
		}
		return &Identity{UserID: key.UserID, APIKeyID: key.ID, Via: "api_key", APIKey: key}, nil
	}

	claims, err := s.ValidateToken(ctx, credential)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: claims.UserID, Via: "jwt"}, nil
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
