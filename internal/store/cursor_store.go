package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/store/schema"
)

// CursorStore defines the interface for storing and retrieving per-log cursors
type CursorStore interface {
	// GetLogCursor retrieves the last durably recorded position of a log, nil if empty
	GetLogCursor(ctx context.Context, kind domain.EventKind) (*domain.Position, error)
	// SetLogCursor stores the last durably recorded position of a log
	SetLogCursor(ctx context.Context, kind domain.EventKind, pos domain.Position) error
}

type cursorStore struct {
	db *gorm.DB
}

// NewCursorStore creates a new cursor store. Pass a transaction handle to move
// the cursor atomically with the append.
func NewCursorStore(db *gorm.DB) CursorStore {
	return &cursorStore{db: db}
}

func cursorKey(kind domain.EventKind) string {
	return fmt.Sprintf("log_cursor:%s", kind)
}

// GetLogCursor retrieves the last recorded position of a log
func (s *cursorStore) GetLogCursor(ctx context.Context, kind domain.EventKind) (*domain.Position, error) {
	var kv schema.KeyValueStore
	err := s.db.WithContext(ctx).Where("key = ?", cursorKey(kind)).First(&kv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get log cursor: %w", err)
	}

	pos, err := domain.ParsePosition(kv.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log cursor %q: %w", kv.Value, err)
	}
	return &pos, nil
}

// SetLogCursor stores the last recorded position of a log
func (s *cursorStore) SetLogCursor(ctx context.Context, kind domain.EventKind, pos domain.Position) error {
	kv := schema.KeyValueStore{
		Key:   cursorKey(kind),
		Value: pos.String(),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&kv).Error
	if err != nil {
		return fmt.Errorf("failed to set log cursor: %w", err)
	}

	return nil
}
