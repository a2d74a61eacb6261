package schema

import "time"

// TransferRecord represents the transfer_records table - the append-only log of admitted transfers
type TransferRecord struct {
	// ID is the internal database primary key; ascending ID is append order
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// BlockHeight is the block that committed the transfer
	BlockHeight uint64 `gorm:"column:block_height;not null;uniqueIndex:idx_transfer_records_position,priority:1"`
	// LogIndex is the block-level index of the Transfer log
	LogIndex uint `gorm:"column:log_index;not null;uniqueIndex:idx_transfer_records_position,priority:2"`
	// TransactionRef is the transaction hash
	TransactionRef string `gorm:"column:transaction_ref;not null;type:text"`
	// FromIdentity is the sender (the zero address for issuance)
	FromIdentity string `gorm:"column:from_identity;not null;type:text;index:idx_transfer_records_from"`
	// ToIdentity is the recipient
	ToIdentity string `gorm:"column:to_identity;not null;type:text;index:idx_transfer_records_to"`
	// ItemID is the decimal item identifier
	ItemID string `gorm:"column:item_id;not null;type:text;index:idx_transfer_records_item"`
	// ObservedAtEpoch is the block timestamp in epoch seconds
	ObservedAtEpoch int64 `gorm:"column:observed_at_epoch;not null"`
	// CreatedAt is the timestamp when this record was indexed
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for the TransferRecord model
func (TransferRecord) TableName() string {
	return "transfer_records"
}
