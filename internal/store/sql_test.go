package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/domain"
)

var (
	pgOnce      sync.Once
	pgErr       error
	pgDB        *gorm.DB
	pgContainer *postgres.PostgresContainer
)

func initSQLiteTestLog(t *testing.T) RecordLog {
	log, err := Open(Config{
		Driver:     DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "records.db"),
	}, adapter.NewFileSystem(), adapter.NewJSON())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = log.Close()
	})
	return log
}

// TestSQLiteStore runs all record log tests against SQLite
func TestSQLiteStore(t *testing.T) {
	RunRecordLogTests(t, initSQLiteTestLog)
}

// startPostgres connects to TEST_DB_HOST when set, otherwise starts a PostgreSQL container
func startPostgres() (*gorm.DB, error) {
	ctx := context.Background()

	var dsn string
	if dbHost := os.Getenv("TEST_DB_HOST"); dbHost != "" {
		dbPort := os.Getenv("TEST_DB_PORT")
		if dbPort == "" {
			dbPort = "5432"
		}
		dsn = fmt.Sprintf("host=%s port=%s user=postgres password=postgres dbname=test_db sslmode=disable", dbHost, dbPort)
	} else {
		var err error
		pgContainer, err = postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("test_db"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
		}

		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			return nil, fmt.Errorf("failed to get connection string: %w", err)
		}
	}

	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func terminatePostgres() {
	if err := pgContainer.Terminate(context.Background()); err != nil {
		fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
	}
}

// initPGTestLog empties the shared database for each test. The store is not
// closed because it shares the connection pool.
func initPGTestLog(t *testing.T) RecordLog {
	for _, table := range []string{"transfer_records", "allowlist_records", "key_value_store"} {
		require.NoError(t, pgDB.Exec("DELETE FROM "+table).Error)
	}
	return NewSQLStore(pgDB)
}

// TestPostgreSQLStore runs all record log tests against PostgreSQL
func TestPostgreSQLStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL tests in short mode")
	}
	pgOnce.Do(func() {
		pgDB, pgErr = startPostgres()
	})
	if pgErr != nil {
		t.Skipf("PostgreSQL unavailable: %v", pgErr)
	}

	RunRecordLogTests(t, initPGTestLog)
}

func sqliteDialector(t *testing.T) gorm.Dialector {
	return sqlite.Open(filepath.Join(t.TempDir(), "cursor.db"))
}

func TestCursorStore(t *testing.T) {
	ctx := context.Background()

	db, err := gorm.Open(sqliteDialector(t), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	cursors := NewCursorStore(db)

	t.Run("get non-existent cursor returns nil", func(t *testing.T) {
		pos, err := cursors.GetLogCursor(ctx, domain.EventKindTransfer)
		require.NoError(t, err)
		assert.Nil(t, pos)
	})

	t.Run("set and update cursor", func(t *testing.T) {
		require.NoError(t, cursors.SetLogCursor(ctx, domain.EventKindAllowlistUpdated, domain.Position{BlockHeight: 100, LogIndex: 2}))
		require.NoError(t, cursors.SetLogCursor(ctx, domain.EventKindAllowlistUpdated, domain.Position{BlockHeight: 200, LogIndex: 0}))

		pos, err := cursors.GetLogCursor(ctx, domain.EventKindAllowlistUpdated)
		require.NoError(t, err)
		require.NotNil(t, pos)
		assert.Equal(t, domain.Position{BlockHeight: 200, LogIndex: 0}, *pos)
	})

	t.Run("malformed cursor", func(t *testing.T) {
		require.NoError(t, db.Exec("INSERT INTO key_value_store (key, value) VALUES (?, ?)", cursorKey("bogus"), "12").Error)
		_, err := cursors.GetLogCursor(ctx, "bogus")
		assert.Error(t, err)
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, adapter.NewFileSystem(), adapter.NewJSON())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = Open(Config{Driver: DriverPostgres}, adapter.NewFileSystem(), adapter.NewJSON())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
