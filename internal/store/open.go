package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/domain"
)

// Driver selects the record log backend
type Driver string

const (
	DriverJSONL    Driver = "jsonl"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config holds the record log configuration
type Config struct {
	Driver Driver

	// jsonl
	Dir string

	// sqlite
	SQLitePath string

	// postgres
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open opens the configured record log
func Open(cfg Config, fs adapter.FileSystem, jsonAdapter adapter.JSON) (RecordLog, error) {
	switch cfg.Driver {
	case DriverJSONL, "":
		return NewJSONLStore(JSONLConfig{Dir: cfg.Dir}, fs, jsonAdapter)
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("%w: sqlite path is required", domain.ErrInvalidConfig)
		}
		db, err := gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return openSQL(db, cfg)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%w: database dsn is required", domain.ErrInvalidConfig)
		}
		db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return openSQL(db, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", domain.ErrInvalidConfig, cfg.Driver)
	}
}

func openSQL(db *gorm.DB, cfg Config) (RecordLog, error) {
	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == DriverSQLite {
		// a single writer connection serializes appends
		maxOpen = 1
	}
	if err := ConfigureConnectionPool(db, maxOpen, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime); err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return NewSQLStore(db), nil
}
