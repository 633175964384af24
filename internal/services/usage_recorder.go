package services

import (
	"context"
	"sync"
	"time"

	"mock-api-platform/internal/cache"
	"mock-api-platform/internal/metrics"
	"mock-api-platform/internal/models"

	"go.uber.org/zap"
)

// UsageStore persists batches of usage records.
type UsageStore interface {
	BatchInsertUsage(ctx context.Context, records []models.UsageRecord) error
}

// UsageNotifier is told about every persisted record.
type UsageNotifier interface {
	NotifyUsage(record models.UsageRecord)
}

// UsageRecorder writes usage records in the background. Record never blocks:
// when the queue is full the record is dropped. Persist failures are logged
// and counted, never reported to the caller.
type UsageRecorder struct {
	store         UsageStore
	queue         chan models.UsageRecord
	workers       int
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration

	cache    *cache.CacheManager
	notifier UsageNotifier
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

type RecorderOption func(*UsageRecorder)

// WithBatching sets how many records a worker buffers and how long it waits
// before writing a partial batch.
func WithBatching(size int, interval time.Duration) RecorderOption {
	return func(r *UsageRecorder) {
		if size > 0 {
			r.batchSize = size
		}
		if interval > 0 {
			r.flushInterval = interval
		}
	}
}

func WithRecorderCache(cm *cache.CacheManager) RecorderOption {
	return func(r *UsageRecorder) {
		r.cache = cm
	}
}

func WithNotifier(n UsageNotifier) RecorderOption {
	return func(r *UsageRecorder) {
		r.notifier = n
	}
}

func WithRecorderMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *UsageRecorder) {
		r.metrics = m
	}
}

func NewUsageRecorder(store UsageStore, queueSize, workers int, log *zap.Logger, opts ...RecorderOption) *UsageRecorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &UsageRecorder{
		store:         store,
		queue:         make(chan models.UsageRecord, queueSize),
		workers:       workers,
		batchSize:     100,
		flushInterval: 500 * time.Millisecond,
		writeTimeout:  5 * time.Second,
		log:           log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record enqueues a record and reports whether it was accepted.
func (r *UsageRecorder) Record(record models.UsageRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}
	select {
	case r.queue <- record:
		return true
	default:
		r.metrics.UsageDropped()
		r.log.Warn("usage queue full, dropping record",
			zap.String("user_id", record.UserID),
			zap.String("url_pattern", record.URLPattern),
		)
		return false
	}
}

// Start launches the workers. They stop when ctx is done or Stop is called,
// writing whatever is still queued first.
func (r *UsageRecorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

// Stop closes the queue and waits for the workers to drain it.
func (r *UsageRecorder) Stop() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *UsageRecorder) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]models.UsageRecord, 0, r.batchSize)
	for {
		select {
		case record, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, record)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = make([]models.UsageRecord, 0, r.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]models.UsageRecord, 0, r.batchSize)
			}
		}
	}
}

func (r *UsageRecorder) flush(batch []models.UsageRecord) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.store.BatchInsertUsage(ctx, batch); err != nil {
		r.metrics.UsageFailed(len(batch))
		r.log.Error("failed to persist usage records", zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	r.metrics.UsageRecorded(len(batch))

	users := make(map[string]bool)
	for _, record := range batch {
		users[record.UserID] = true
		if r.notifier != nil {
			r.notifier.NotifyUsage(record)
		}
	}
	if r.cache != nil {
		for userID := range users {
			r.cache.PublishUpdate(userID)
		}
	}
}
