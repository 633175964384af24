package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const invalidationChannel = "cache_invalidations"

// CacheManager is a two-tier cache: an in-process go-cache in front of an
// optional redis. Invalidations are fanned out to other instances over redis
// pub/sub; without redis the manager degrades to local-only.
type CacheManager struct {
	redisClient *redis.Client
	localCache  *cache.Cache
	pubSub      *redis.PubSub
	ctx         context.Context
	cancel      context.CancelFunc
	log         *zap.Logger
	mu          sync.RWMutex
	// generations counts deletions of tracked keys; guarded by mu.
	generations map[string]uint64
}

type invalidationMessage struct {
	Action    string   `json:"action"`
	UserID    string   `json:"user_id,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// NewCacheManager connects to redisURL when it is non-empty.
func NewCacheManager(redisURL string, log *zap.Logger) *CacheManager {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cm := &CacheManager{
		ctx:         ctx,
		cancel:      cancel,
		log:         log,
		localCache:  cache.New(5*time.Minute, 10*time.Minute),
		generations: make(map[string]uint64),
	}
	if redisURL != "" {
		cm.connect(redisURL)
	}
	return cm
}

func (cm *CacheManager) connect(redisURL string) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{
			Addr: redisURL,
			DB:   0,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cm.log.Warn("redis connection failed, using local cache only", zap.Error(err))
		_ = client.Close()
		return
	}
	cm.log.Info("redis connection established")

	cm.redisClient = client
	cm.pubSub = client.Subscribe(cm.ctx, invalidationChannel)
	go cm.listenForUpdates()
}

func (cm *CacheManager) listenForUpdates() {
	if cm.pubSub == nil {
		return
	}

	ch := cm.pubSub.Channel()
	for msg := range ch {
		cm.handleUpdateMessage(msg.Payload)
	}
}

func (cm *CacheManager) handleUpdateMessage(payload string) {
	var update invalidationMessage
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		cm.log.Warn("failed to parse cache invalidation message", zap.Error(err))
		return
	}

	keys := update.Keys
	if update.UserID != "" {
		keys = append(keys, UsageKeys(update.UserID)...)
	}
	for _, key := range keys {
		cm.deleteLocal(key)
	}
}

func (cm *CacheManager) Set(key string, value interface{}, ttl time.Duration) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.set(key, value, ttl)
}

// Generation returns a token that changes whenever key is deleted or
// invalidated. Read it before loading the value from the source of truth.
// Only keys passed here are tracked.
func (cm *CacheManager) Generation(key string) uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	gen, ok := cm.generations[key]
	if !ok {
		cm.generations[key] = 0
	}
	return gen
}

// SetIfGeneration stores value only if key has not been deleted since gen was
// read, so a load that raced an invalidation never repopulates stale data.
func (cm *CacheManager) SetIfGeneration(key string, value interface{}, ttl time.Duration, gen uint64) (bool, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.generations[key] != gen {
		return false, nil
	}
	return true, cm.set(key, value, ttl)
}

func (cm *CacheManager) set(key string, value interface{}, ttl time.Duration) error {
	cm.localCache.Set(key, value, ttl)

	if cm.redisClient != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		return cm.redisClient.Set(ctx, key, data, ttl).Err()
	}

	return nil
}

// Get decodes the cached value for key into target.
func (cm *CacheManager) Get(key string, target interface{}) (bool, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if val, found := cm.localCache.Get(key); found {
		data, err := json.Marshal(val)
		if err != nil {
			return false, err
		}
		return true, json.Unmarshal(data, target)
	}

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		data, err := cm.redisClient.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return false, nil
		} else if err != nil {
			return false, err
		}

		cm.localCache.Set(key, json.RawMessage(data), time.Minute)

		return true, json.Unmarshal(data, target)
	}

	return false, nil
}

func (cm *CacheManager) Delete(key string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.localCache.Delete(key)
	cm.bump(key)

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()
		return cm.redisClient.Del(ctx, key).Err()
	}

	return nil
}

// bump must be called with mu held.
func (cm *CacheManager) bump(key string) {
	if _, ok := cm.generations[key]; ok {
		cm.generations[key]++
	}
}

func (cm *CacheManager) deleteLocal(key string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.localCache.Delete(key)
	cm.bump(key)
}

// Increment adds value to the counter at key, creating it with ttl.
func (cm *CacheManager) Increment(key string, value int64, ttl time.Duration) (int64, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		count, err := cm.redisClient.IncrBy(ctx, key, value).Result()
		if err != nil {
			return 0, err
		}
		if count == value {
			cm.redisClient.Expire(ctx, key, ttl)
		}
		return count, nil
	}

	if _, found := cm.localCache.Get(key); !found {
		cm.localCache.Set(key, int64(0), ttl)
	}
	return cm.localCache.IncrementInt64(key, value)
}

// Invalidate removes keys here and on every other instance.
func (cm *CacheManager) Invalidate(keys ...string) {
	for _, key := range keys {
		if err := cm.Delete(key); err != nil {
			cm.log.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	cm.publish(invalidationMessage{Action: "invalidate", Keys: keys})
}

// PublishUpdate invalidates the cached usage views of userID everywhere.
func (cm *CacheManager) PublishUpdate(userID string) {
	for _, key := range UsageKeys(userID) {
		cm.deleteLocal(key)
	}
	cm.publish(invalidationMessage{Action: "usage_updated", UserID: userID})
}

func (cm *CacheManager) publish(msg invalidationMessage) {
	if cm.redisClient == nil {
		return
	}
	msg.Timestamp = time.Now().Unix()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
	defer cancel()

	if err := cm.redisClient.Publish(ctx, invalidationChannel, data).Err(); err != nil {
		cm.log.Warn("cache invalidation publish failed", zap.Error(err))
	}
}

func (cm *CacheManager) IsAvailable() bool {
	return cm.redisClient != nil
}

func (cm *CacheManager) Close() error {
	cm.cancel()
	if cm.pubSub != nil {
		_ = cm.pubSub.Close()
	}
	if cm.redisClient != nil {
		return cm.redisClient.Close()
	}
	return nil
}

// Cache keys.

func EndpointsKey(method string) string {
	return fmt.Sprintf("endpoints:active:%s", method)
}

func DailyUsageKey(userID string, days int) string {
	return fmt.Sprintf("usage:daily:%s:%d", userID, days)
}

func RateLimitKey(userID string, at time.Time) string {
	return fmt.Sprintf("rate_limit:%s:%s", userID, at.UTC().Format("2006-01-02-15"))
}

// UsageKeys lists the usage views cached for userID.
func UsageKeys(userID string) []string {
	return []string{
		DailyUsageKey(userID, 7),
		DailyUsageKey(userID, 30),
	}
}
