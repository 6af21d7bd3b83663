package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/members"
	"github.com/MarcoPoloResearchLab/wikicollab/internal/wiki"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const pingTimeout = 5 * time.Second

// Config selects and tunes the database connection.
type Config struct {
	Driver string
	Path   string
	DSN    string
	// LockTTL bounds how old a lock projection may be before startup clears it.
	LockTTL time.Duration
	Clock   func() time.Time
}

// Open establishes the connection, migrates the schema, and repairs state a
// previous process may have left behind.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(cfg.Path)
	case DriverPostgres, "pgx":
		db, err = openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (expected 'sqlite' or 'postgres')", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := db.AutoMigrate(&wiki.WikiPage{}, &wiki.VersionRecord{}, &members.ProjectMember{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if cfg.LockTTL > 0 {
		cutoff := clock().Add(-cfg.LockTTL).UTC().Unix()
		cleared, err := clearExpiredLockProjections(db, cutoff)
		if err != nil {
			logger.Warn("lock projection cleanup failed", zap.Error(err))
		} else if cleared > 0 {
			logger.Info("cleared expired lock projections", zap.Int64("pages", cleared))
		}
	}

	if err := applyMigrations(db, clock, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

func openSQLite(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// single writer
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return db, nil
}

func openPostgres(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Minute)
	return db, nil
}

// clearExpiredLockProjections resets is_locked columns whose lock has certainly
// expired in the key-value store, e.g. after a crash between acquire and release.
func clearExpiredLockProjections(db *gorm.DB, cutoffSeconds int64) (int64, error) {
	result := db.Model(&wiki.WikiPage{}).
		Where("is_locked = ? AND locked_at_s < ?", true, cutoffSeconds).
		Updates(map[string]interface{}{
			"is_locked":   false,
			"locked_by":   "",
			"locked_at_s": 0,
		})
	return result.RowsAffected, result.Error
}
