package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Chain represents the ledger network identifier using CAIP-2 format
type Chain string

const (
	ChainEthereumMainnet Chain = "eip155:1"
	ChainEthereumSepolia Chain = "eip155:11155111"
	ChainBaseSepolia     Chain = "eip155:84532"
	ChainLocal           Chain = "local:resale-guard"
)

// Identity is an address-like principal that can own items and be allowlisted
type Identity string

// ZeroIdentity is the sender of an issuance (mint) transfer
const ZeroIdentity Identity = "0x0000000000000000000000000000000000000000"

// NormalizeIdentity returns the checksummed hex form of an address-like identity.
// Identities that are not hex addresses are returned trimmed but otherwise untouched.
func NormalizeIdentity(s string) Identity {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return Identity(common.HexToAddress(s).Hex())
	}
	return Identity(s)
}

// IsZero reports whether the identity is the zero address
func (i Identity) IsZero() bool {
	return i == "" || i == ZeroIdentity
}

// ItemID is the opaque numeric identifier of an item (ticket), kept in decimal form
type ItemID string

// PolicyConfig is the immutable resale-control configuration fixed at deployment.
// All times are integer epoch seconds.
type PolicyConfig struct {
	// FaceValue is informational only; the policy does not enforce it
	FaceValue               string `json:"faceValue"`
	EventStart              int64  `json:"eventStart"`
	CooldownSeconds         int64  `json:"cooldownSeconds"`
	BlockBeforeStartSeconds int64  `json:"blockBeforeStartSeconds"`
}

// Validate reports configuration errors that would leave the policy undefined
func (c PolicyConfig) Validate() error {
	if c.EventStart <= 0 {
		return fmt.Errorf("%w: event start must be a positive epoch", ErrInvalidConfig)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidConfig)
	}
	if c.BlockBeforeStartSeconds < 0 {
		return fmt.Errorf("%w: block-before-start window must not be negative", ErrInvalidConfig)
	}
	return nil
}

// BlackoutStart returns the first epoch second of the pre-event blackout window
func (c PolicyConfig) BlackoutStart() int64 {
	return c.EventStart - c.BlockBeforeStartSeconds
}

// EventKind is the kind of a policy event observed on the ledger
type EventKind string

const (
	EventKindTransfer         EventKind = "transfer"
	EventKindAllowlistUpdated EventKind = "allowlist_updated"
)

// AllEventKinds lists every event kind the indexer projects
var AllEventKinds = []EventKind{EventKindTransfer, EventKindAllowlistUpdated}

// Position is the ledger order of an event: block height, then the block-level log index.
type Position struct {
	BlockHeight uint64 `json:"blockHeight"`
	LogIndex    uint   `json:"logIndex"`
}

// Less reports whether p is strictly before o in ledger order
func (p Position) Less(o Position) bool {
	if p.BlockHeight != o.BlockHeight {
		return p.BlockHeight < o.BlockHeight
	}
	return p.LogIndex < o.LogIndex
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.BlockHeight, p.LogIndex)
}

// ParsePosition parses the "height:index" form produced by String
func ParsePosition(v string) (Position, error) {
	heightStr, indexStr, ok := strings.Cut(v, ":")
	if !ok {
		return Position{}, errors.New("missing separator")
	}
	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		return Position{}, err
	}
	index, err := strconv.ParseUint(indexStr, 10, 32)
	if err != nil {
		return Position{}, err
	}
	return Position{BlockHeight: height, LogIndex: uint(index)}, nil
}

// After reports whether pos is strictly after the optional cursor. A nil cursor
// means nothing has been seen yet.
func After(cursor *Position, pos Position) bool {
	return cursor == nil || cursor.Less(pos)
}

// MinPosition returns the earlier of two optional cursors; nil wins because it
// means "from the beginning".
func MinPosition(a, b *Position) *Position {
	if a == nil || b == nil {
		return nil
	}
	if a.Less(*b) {
		return a
	}
	return b
}

// TransferPayload is the payload of a transfer event
type TransferPayload struct {
	From   Identity `json:"from"`
	To     Identity `json:"to"`
	ItemID ItemID   `json:"itemId"`
}

// AllowlistPayload is the payload of an allowlist update event
type AllowlistPayload struct {
	Identity Identity `json:"identity"`
	Allowed  bool     `json:"allowed"`
}

// Event is a typed, ordered notification of a committed ledger event
type Event struct {
	Kind           EventKind         `json:"kind"`
	Contract       string            `json:"contract"`
	BlockHeight    uint64            `json:"blockHeight"`
	BlockTime      time.Time         `json:"blockTime"`
	TransactionRef string            `json:"transactionRef"`
	LogIndex       uint              `json:"logIndex"`
	Transfer       *TransferPayload  `json:"transfer,omitempty"`
	Allowlist      *AllowlistPayload `json:"allowlist,omitempty"`
}

// Position returns the ledger position of the event
func (e *Event) Position() Position {
	return Position{BlockHeight: e.BlockHeight, LogIndex: e.LogIndex}
}

// Valid reports whether the payload matches the kind
func (e *Event) Valid() bool {
	switch e.Kind {
	case EventKindTransfer:
		return e.Transfer != nil && e.Transfer.ItemID != ""
	case EventKindAllowlistUpdated:
		return e.Allowlist != nil && e.Allowlist.Identity != ""
	default:
		return false
	}
}

// TransferRecord is the durable, append-only projection of an admitted transfer
type TransferRecord struct {
	ObservedAtEpoch int64    `json:"observedAtEpoch"`
	BlockHeight     uint64   `json:"blockHeight"`
	TransactionRef  string   `json:"transactionRef"`
	LogIndex        uint     `json:"logIndex"`
	From            Identity `json:"from"`
	To              Identity `json:"to"`
	ItemID          ItemID   `json:"itemId"`
}

// Position returns the idempotence key of the record
func (r TransferRecord) Position() Position {
	return Position{BlockHeight: r.BlockHeight, LogIndex: r.LogIndex}
}

// AllowlistRecord is the durable, append-only projection of an allowlist change
type AllowlistRecord struct {
	ObservedAtEpoch int64    `json:"observedAtEpoch"`
	BlockHeight     uint64   `json:"blockHeight"`
	TransactionRef  string   `json:"transactionRef"`
	LogIndex        uint     `json:"logIndex"`
	Identity        Identity `json:"identity"`
	Allowed         bool     `json:"allowed"`
}

// Position returns the idempotence key of the record
func (r AllowlistRecord) Position() Position {
	return Position{BlockHeight: r.BlockHeight, LogIndex: r.LogIndex}
}

// TransferRecordFromEvent projects a transfer event into its durable record
func TransferRecordFromEvent(e *Event) (TransferRecord, error) {
	if e.Kind != EventKindTransfer || e.Transfer == nil {
		return TransferRecord{}, fmt.Errorf("%w: expected transfer event, got %s", ErrInvalidEvent, e.Kind)
	}
	return TransferRecord{
		ObservedAtEpoch: e.BlockTime.Unix(),
		BlockHeight:     e.BlockHeight,
		TransactionRef:  e.TransactionRef,
		LogIndex:        e.LogIndex,
		From:            e.Transfer.From,
		To:              e.Transfer.To,
		ItemID:          e.Transfer.ItemID,
	}, nil
}

// AllowlistRecordFromEvent projects an allowlist update event into its durable record
func AllowlistRecordFromEvent(e *Event) (AllowlistRecord, error) {
	if e.Kind != EventKindAllowlistUpdated || e.Allowlist == nil {
		return AllowlistRecord{}, fmt.Errorf("%w: expected allowlist event, got %s", ErrInvalidEvent, e.Kind)
	}
	return AllowlistRecord{
		ObservedAtEpoch: e.BlockTime.Unix(),
		BlockHeight:     e.BlockHeight,
		TransactionRef:  e.TransactionRef,
		LogIndex:        e.LogIndex,
		Identity:        e.Allowlist.Identity,
		Allowed:         e.Allowlist.Allowed,
	}, nil
}
