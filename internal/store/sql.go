package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/store/schema"
)

type sqlStore struct {
	db *gorm.DB
}

// NewSQLStore creates a RecordLog backed by a gorm database (PostgreSQL or SQLite).
// The schema must already be migrated, see Migrate.
func NewSQLStore(db *gorm.DB) RecordLog {
	return &sqlStore{db: db}
}

// Migrate creates or updates the record tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&schema.TransferRecord{}, &schema.AllowlistRecord{}, &schema.KeyValueStore{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ConfigureConnectionPool configures the connection pool settings for a gorm database connection.
// Zero values fall back to defaults:
//   - MaxOpenConns: 10
//   - MaxIdleConns: 2
//   - ConnMaxLifetime: 30 minutes
//   - ConnMaxIdleTime: 5 minutes
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 10
	}
	if maxIdleConns == 0 {
		maxIdleConns = 2
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 30 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 5 * time.Minute
	}
	// Ensure MaxIdleConns doesn't exceed MaxOpenConns
	maxIdleConns = min(maxIdleConns, maxOpenConns)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// AppendTransfer appends a transfer record and advances the transfer cursor in one transaction
func (s *sqlStore) AppendTransfer(ctx context.Context, record domain.TransferRecord) (bool, error) {
	row := schema.TransferRecord{
		BlockHeight:     record.BlockHeight,
		LogIndex:        record.LogIndex,
		TransactionRef:  record.TransactionRef,
		FromIdentity:    string(record.From),
		ToIdentity:      string(record.To),
		ItemID:          string(record.ItemID),
		ObservedAtEpoch: record.ObservedAtEpoch,
	}
	return s.append(ctx, domain.EventKindTransfer, record.Position(), &row, &schema.TransferRecord{})
}

// AppendAllowlist appends an allowlist record and advances the allowlist cursor in one transaction
func (s *sqlStore) AppendAllowlist(ctx context.Context, record domain.AllowlistRecord) (bool, error) {
	row := schema.AllowlistRecord{
		BlockHeight:     record.BlockHeight,
		LogIndex:        record.LogIndex,
		TransactionRef:  record.TransactionRef,
		Identity:        string(record.Identity),
		Allowed:         record.Allowed,
		ObservedAtEpoch: record.ObservedAtEpoch,
	}
	return s.append(ctx, domain.EventKindAllowlistUpdated, record.Position(), &row, &schema.AllowlistRecord{})
}

// append inserts row keyed by pos. model is an empty value of the row's type used for existence checks.
func (s *sqlStore) append(ctx context.Context, kind domain.EventKind, pos domain.Position, row interface{}, model interface{}) (bool, error) {
	appended := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cursors := NewCursorStore(tx)
		cursor, err := cursors.GetLogCursor(ctx, kind)
		if err != nil {
			return err
		}

		if !domain.After(cursor, pos) {
			var count int64
			if err := tx.Model(model).
				Where("block_height = ? AND log_index = ?", pos.BlockHeight, pos.LogIndex).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check existing record: %w", err)
			}
			if count > 0 {
				return nil
			}
			return fmt.Errorf("%w: %s is before %s", domain.ErrOutOfOrder, pos, cursor)
		}

		// The unique position index absorbs a concurrent duplicate
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "block_height"}, {Name: "log_index"}},
			DoNothing: true,
		}).Create(row)
		if result.Error != nil {
			return fmt.Errorf("failed to insert %s record: %w", kind, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		if err := cursors.SetLogCursor(ctx, kind, pos); err != nil {
			return err
		}
		appended = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if !appended {
		logger.DebugCtx(ctx, "Skipped duplicate record", zap.String("kind", string(kind)), zap.Stringer("position", pos))
	}
	return appended, nil
}

// LastPosition returns the cursor of a log
func (s *sqlStore) LastPosition(ctx context.Context, kind domain.EventKind) (*domain.Position, error) {
	return NewCursorStore(s.db).GetLogCursor(ctx, kind)
}

// ListTransfers returns transfer records in ledger order
func (s *sqlStore) ListTransfers(ctx context.Context, filter TransferFilter) ([]domain.TransferRecord, error) {
	q := positionQuery(s.db.WithContext(ctx).Model(&schema.TransferRecord{}), filter.After, filter.Limit)
	if filter.ItemID != "" {
		q = q.Where("item_id = ?", string(filter.ItemID))
	}
	if filter.Identity != "" {
		q = q.Where("from_identity = ? OR to_identity = ?", string(filter.Identity), string(filter.Identity))
	}

	var rows []schema.TransferRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfer records: %w", err)
	}

	records := make([]domain.TransferRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, domain.TransferRecord{
			ObservedAtEpoch: r.ObservedAtEpoch,
			BlockHeight:     r.BlockHeight,
			TransactionRef:  r.TransactionRef,
			LogIndex:        r.LogIndex,
			From:            domain.Identity(r.FromIdentity),
			To:              domain.Identity(r.ToIdentity),
			ItemID:          domain.ItemID(r.ItemID),
		})
	}
	return records, nil
}

// ListAllowlist returns allowlist records in ledger order
func (s *sqlStore) ListAllowlist(ctx context.Context, filter AllowlistFilter) ([]domain.AllowlistRecord, error) {
	q := positionQuery(s.db.WithContext(ctx).Model(&schema.AllowlistRecord{}), filter.After, filter.Limit)
	if filter.Identity != "" {
		q = q.Where("identity = ?", string(filter.Identity))
	}

	var rows []schema.AllowlistRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list allowlist records: %w", err)
	}

	records := make([]domain.AllowlistRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, domain.AllowlistRecord{
			ObservedAtEpoch: r.ObservedAtEpoch,
			BlockHeight:     r.BlockHeight,
			TransactionRef:  r.TransactionRef,
			LogIndex:        r.LogIndex,
			Identity:        domain.Identity(r.Identity),
			Allowed:         r.Allowed,
		})
	}
	return records, nil
}

// Close closes the underlying connection pool
func (s *sqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		if errors.Is(err, gorm.ErrInvalidDB) {
			return nil
		}
		return err
	}
	return sqlDB.Close()
}

// positionQuery applies the ledger-order cursor, ordering and limit shared by both logs
func positionQuery(q *gorm.DB, after *domain.Position, limit int) *gorm.DB {
	if after != nil {
		q = q.Where("block_height > ? OR (block_height = ? AND log_index > ?)",
			after.BlockHeight, after.BlockHeight, after.LogIndex)
	}
	q = q.Order("block_height ASC").Order("log_index ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}
