package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mock-api-platform/configs"
	"mock-api-platform/internal/logger"
	"mock-api-platform/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DBManager struct {
	WriteDB     *gorm.DB
	ReadDBs     []*gorm.DB
	currentRead int
	readMutex   sync.Mutex
	log         *zap.Logger
}

// NewDBManager opens the primary database, migrates it, seeds the plan
// catalogue and connects any configured read replicas.
func NewDBManager(cfg *configs.Config, log *zap.Logger) (*DBManager, error) {
	m := &DBManager{
		ReadDBs: make([]*gorm.DB, 0, len(cfg.DatabaseReadURL)),
		log:     log,
	}

	writeDB, err := Open(cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("connect to write database: %w", err)
	}
	m.WriteDB = writeDB

	if err := Migrate(m.WriteDB); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := SeedPlans(m.WriteDB, cfg.MaxResponseDelayMs); err != nil {
		return nil, fmt.Errorf("seed plans: %w", err)
	}

	if sqlDB, err := m.WriteDB.DB(); err == nil {
		if cfg.DatabaseDriver == "sqlite" {
			// sqlite serialises writers; one connection avoids lock errors.
			sqlDB.SetMaxOpenConns(1)
			sqlDB.SetMaxIdleConns(1)
		} else {
			sqlDB.SetMaxIdleConns(10)
			sqlDB.SetMaxOpenConns(100)
			sqlDB.SetConnMaxLifetime(time.Hour)
		}
	}

	for i, url := range cfg.DatabaseReadURL {
		readDB, err := Open(cfg.DatabaseDriver, url, log)
		if err != nil {
			log.Warn("failed to connect to read replica", zap.Int("replica", i), zap.Error(err))
			continue
		}
		m.ReadDBs = append(m.ReadDBs, readDB)
	}

	log.Info("database connection established",
		zap.String("driver", cfg.DatabaseDriver),
		zap.Int("read_replicas", len(m.ReadDBs)),
	)
	return m, nil
}

// Open connects with the zap-backed gorm logger and duplicate-key translation.
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	return gorm.Open(dialector, &gorm.Config{
		Logger:         logger.NewGormLogger(log),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.SubscriptionPlan{},
		&models.UserSubscription{},
		&models.APIKey{},
		&models.Endpoint{},
		&models.UsageRecord{},
		&models.RevokedToken{},
	)
}

// DefaultPlans is the plan catalogue seeded on startup.
func DefaultPlans(maxDelayMs int) []models.SubscriptionPlan {
	return []models.SubscriptionPlan{
		{Code: "free", Name: "Free", MaxEndpoints: 10, MaxRequestsPerMonth: 1000, MaxRequestDelayMs: min(5000, maxDelayMs)},
		{Code: "pro", Name: "Pro", MaxEndpoints: 100, MaxRequestsPerMonth: 100000, MaxRequestDelayMs: maxDelayMs},
		{Code: "enterprise", Name: "Enterprise", MaxEndpoints: 1000, MaxRequestsPerMonth: 5000000, MaxRequestDelayMs: maxDelayMs},
	}
}

// SeedPlans inserts missing plans and leaves existing ones untouched.
func SeedPlans(db *gorm.DB, maxDelayMs int) error {
	plans := DefaultPlans(maxDelayMs)
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoNothing: true,
	}).Create(&plans).Error
}

// GetReadDB returns a read replica using round-robin, or the primary when
// there are none.
func (m *DBManager) GetReadDB() *gorm.DB {
	m.readMutex.Lock()
	defer m.readMutex.Unlock()

	if len(m.ReadDBs) == 0 {
		return m.WriteDB
	}

	db := m.ReadDBs[m.currentRead]
	m.currentRead = (m.currentRead + 1) % len(m.ReadDBs)
	return db
}

// BatchInsertUsage inserts usage records in chunks.
func (m *DBManager) BatchInsertUsage(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	return m.WriteDB.WithContext(ctx).CreateInBatches(records, 500).Error
}

func (m *DBManager) Ping(ctx context.Context) error {
	sqlDB, err := m.WriteDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (m *DBManager) Close() error {
	var errs []error
	for _, db := range append([]*gorm.DB{m.WriteDB}, m.ReadDBs...) {
		if db == nil {
			continue
		}
		if sqlDB, err := db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
