package store

import (
	"context"

	"github.com/scalperguard/resale-guard/internal/domain"
)

// RecordLog is the durable, append-only store of projected records. Each log is
// keyed by (block height, log index); appending an existing key is a no-op.
//
//go:generate mockgen -source=store.go -destination=../mocks/store.go -package=mocks -mock_names=RecordLog=MockRecordLog
type RecordLog interface {
	// AppendTransfer appends a transfer record. It reports false when the record
	// was already present and returns domain.ErrOutOfOrder for a new record that
	// sorts before the log's tail.
	AppendTransfer(ctx context.Context, record domain.TransferRecord) (bool, error)
	// AppendAllowlist appends an allowlist record with the same semantics as AppendTransfer
	AppendAllowlist(ctx context.Context, record domain.AllowlistRecord) (bool, error)
	// LastPosition returns the position of the last durable record of a log, nil if empty
	LastPosition(ctx context.Context, kind domain.EventKind) (*domain.Position, error)
	// ListTransfers returns transfer records in ledger order
	ListTransfers(ctx context.Context, filter TransferFilter) ([]domain.TransferRecord, error)
	// ListAllowlist returns allowlist records in ledger order
	ListAllowlist(ctx context.Context, filter AllowlistFilter) ([]domain.AllowlistRecord, error)
	// Close releases the store
	Close() error
}

// TransferFilter selects transfer records
type TransferFilter struct {
	// After returns only records strictly after this position
	After *domain.Position
	// ItemID filters by item
	ItemID domain.ItemID
	// Identity filters by sender or recipient
	Identity domain.Identity
	// Limit caps the number of records; 0 means no limit
	Limit int
}

// Match reports whether a record passes the filter, ignoring Limit
func (f TransferFilter) Match(r domain.TransferRecord) bool {
	if !domain.After(f.After, r.Position()) {
		return false
	}
	if f.ItemID != "" && r.ItemID != f.ItemID {
		return false
	}
	if f.Identity != "" && r.From != f.Identity && r.To != f.Identity {
		return false
	}
	return true
}

// AllowlistFilter selects allowlist records
type AllowlistFilter struct {
	// After returns only records strictly after this position
	After *domain.Position
	// Identity filters by identity
	Identity domain.Identity
	// Limit caps the number of records; 0 means no limit
	Limit int
}

// Match reports whether a record passes the filter, ignoring Limit
func (f AllowlistFilter) Match(r domain.AllowlistRecord) bool {
	if !domain.After(f.After, r.Position()) {
		return false
	}
	return f.Identity == "" || r.Identity == f.Identity
}

// CurrentAllowed returns the effective allowlist flag of an identity: the last
// record for it in ledger order, false if none.
func CurrentAllowed(ctx context.Context, log RecordLog, identity domain.Identity) (bool, error) {
	records, err := log.ListAllowlist(ctx, AllowlistFilter{Identity: identity})
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	return records[len(records)-1].Allowed, nil
}
