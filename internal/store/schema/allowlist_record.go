package schema

import "time"

// AllowlistRecord represents the allowlist_records table - the append-only log of allowlist changes
type AllowlistRecord struct {
	// ID is the internal database primary key; ascending ID is append order
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// BlockHeight is the block that committed the change
	BlockHeight uint64 `gorm:"column:block_height;not null;uniqueIndex:idx_allowlist_records_position,priority:1"`
	// LogIndex is the block-level index of the KYCUpdated log
	LogIndex uint `gorm:"column:log_index;not null;uniqueIndex:idx_allowlist_records_position,priority:2"`
	// TransactionRef is the transaction hash
	TransactionRef string `gorm:"column:transaction_ref;not null;type:text"`
	// Identity is the identity whose flag changed
	Identity string `gorm:"column:identity;not null;type:text;index:idx_allowlist_records_identity"`
	// Allowed is the new allowlist flag
	Allowed bool `gorm:"column:allowed;not null"`
	// ObservedAtEpoch is the block timestamp in epoch seconds
	ObservedAtEpoch int64 `gorm:"column:observed_at_epoch;not null"`
	// CreatedAt is the timestamp when this record was indexed
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for the AllowlistRecord model
func (AllowlistRecord) TableName() string {
	return "allowlist_records"
}
