package messaging

import (
	"context"

	"github.com/scalperguard/resale-guard/internal/domain"
)

// Publisher announces durably projected records to downstream consumers
//
//go:generate mockgen -source=publisher.go -destination=../mocks/publisher.go -package=mocks -mock_names=Publisher=MockPublisher
type Publisher interface {
	// PublishTransfer announces a projected transfer record
	PublishTransfer(ctx context.Context, record domain.TransferRecord) error
	// PublishAllowlist announces a projected allowlist record
	PublishAllowlist(ctx context.Context, record domain.AllowlistRecord) error
	// Close closes the connection
	Close()
}

// NopPublisher is used when no record feed is configured
type NopPublisher struct{}

func (NopPublisher) PublishTransfer(context.Context, domain.TransferRecord) error {
	return nil
}

func (NopPublisher) PublishAllowlist(context.Context, domain.AllowlistRecord) error {
	return nil
}

func (NopPublisher) Close() {}
