package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	sqliteScheme       = "sqlite://"
	sqlitePragmas      = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	postgresMaxConns   = 16
	postgresSchemeLong = "postgresql://"
	postgresScheme     = "postgres://"
)

// Open establishes the database connection named by databaseURL and performs schema
// migrations. sqlite://path opens a local file with a single connection so writes are
// serialized; postgres:// URLs use a connection pool.
func Open(databaseURL string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = noOpLogger
	}
	dialector, maxConns, err := dialectorFor(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true, Logger: newQueryLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxConns)

	if err := db.AutoMigrate(&User{}, &BannedMedia{}, &WhitelistedMedia{}, &ReactionSubscription{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("dialect", db.Dialector.Name()))
	return db, nil
}

func dialectorFor(databaseURL string) (gorm.Dialector, int, error) {
	trimmed := strings.TrimSpace(databaseURL)
	switch {
	case trimmed == "":
		return nil, 0, fmt.Errorf("database url is required")
	case strings.HasPrefix(trimmed, sqliteScheme):
		path := strings.TrimPrefix(trimmed, sqliteScheme)
		if path == "" {
			return nil, 0, fmt.Errorf("sqlite database path is required")
		}
		if !strings.Contains(path, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, 0, err
			}
		}
		return sqlite.Open(withSQLitePragmas(path)), 1, nil
	case strings.HasPrefix(trimmed, postgresScheme), strings.HasPrefix(trimmed, postgresSchemeLong):
		return postgres.Open(trimmed), postgresMaxConns, nil
	default:
		return nil, 0, fmt.Errorf("unsupported database url scheme (want sqlite:// or postgres://)")
	}
}

func withSQLitePragmas(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + sqlitePragmas
}
