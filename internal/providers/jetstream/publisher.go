package jetstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/messaging"
)

const defaultSubjectPrefix = "records"

// Config holds the configuration for NATS JetStream connection
type Config struct {
	URL string
	// SubjectPrefix is the first subject token, "records" by default
	SubjectPrefix  string
	Chain          domain.Chain
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

type publisher struct {
	nc     adapter.NatsConn
	js     adapter.JetStream
	prefix string
	chain  string
	json   adapter.JSON
}

// NewPublisher creates a new NATS JetStream publisher for projected records
func NewPublisher(cfg Config, natsJS adapter.NatsJetStream, jsonAdapter adapter.JSON) (messaging.Publisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	return &publisher{
		nc:     nc,
		js:     js,
		prefix: prefix,
		chain:  subjectToken(string(cfg.Chain)),
		json:   jsonAdapter,
	}, nil
}

// PublishTransfer publishes a transfer record to records.{chain}.transfer
func (p *publisher) PublishTransfer(ctx context.Context, record domain.TransferRecord) error {
	return p.publish(ctx, "transfer", record.Position(), record)
}

// PublishAllowlist publishes an allowlist record to records.{chain}.allowlist
func (p *publisher) PublishAllowlist(ctx context.Context, record domain.AllowlistRecord) error {
	return p.publish(ctx, "allowlist", record.Position(), record)
}

func (p *publisher) publish(ctx context.Context, log string, pos domain.Position, record interface{}) error {
	logger.DebugCtx(ctx, "Publishing record", zap.String("log", log), zap.Stringer("position", pos))

	data, err := p.json.MarshalCanonical(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", p.prefix, p.chain, log)

	// the message id lets JetStream drop the re-publish of a record whose
	// earlier attempt was retried
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(p.msgID(log, pos)))
	if err != nil {
		return fmt.Errorf("failed to publish record: %w", err)
	}

	return nil
}

func (p *publisher) msgID(log string, pos domain.Position) string {
	return fmt.Sprintf("%s-%s-%d-%d", p.chain, log, pos.BlockHeight, pos.LogIndex)
}

// subjectToken turns a chain id such as "eip155:11155111" into a single subject token
func subjectToken(s string) string {
	if s == "" {
		return "local"
	}
	return strings.NewReplacer(".", "_", ":", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Close closes the NATS connection
func (p *publisher) Close() {
	if p.nc == nil {
		return
	}

	p.nc.Close()
}
