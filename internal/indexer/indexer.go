package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/messaging"
	"github.com/scalperguard/resale-guard/internal/store"
)

const workerQueueSize = 64

// errNotAnnounced marks a record that is durable but whose publish failed
var errNotAnnounced = errors.New("record not announced")

// Config holds the configuration for the indexer
type Config struct {
	// Contract is the ticket contract whose events are projected
	Contract string

	WriteRetryInitialInterval time.Duration
	WriteRetryMaxInterval     time.Duration
	// WriteRetryMaxElapsedTime bounds the retries of one record before Run gives up
	WriteRetryMaxElapsedTime time.Duration
}

// Indexer defines the interface for the event projector
//
//go:generate mockgen -source=indexer.go -destination=../mocks/indexer.go -package=mocks -mock_names=Indexer=MockIndexer
type Indexer interface {
	// Run projects events into the record log until ctx is cancelled or a
	// failure cannot be recovered
	Run(ctx context.Context) error
	// Close stops the current stream
	Close()
}

// indexer projects ledger events into the durable transfer and allowlist logs
type indexer struct {
	source    messaging.EventSource
	log       store.RecordLog
	publisher messaging.Publisher
	config    Config

	mu     sync.Mutex
	stream messaging.EventStream
}

// NewIndexer creates a new indexer. A nil publisher disables the record feed.
func NewIndexer(
	source messaging.EventSource,
	log store.RecordLog,
	pub messaging.Publisher,
	cfg Config,
) Indexer {
	if pub == nil {
		pub = messaging.NopPublisher{}
	}
	if cfg.WriteRetryInitialInterval == 0 {
		cfg.WriteRetryInitialInterval = 500 * time.Millisecond
	}
	if cfg.WriteRetryMaxInterval == 0 {
		cfg.WriteRetryMaxInterval = 10 * time.Second
	}
	if cfg.WriteRetryMaxElapsedTime == 0 {
		cfg.WriteRetryMaxElapsedTime = time.Minute
	}
	return &indexer{
		source:    source,
		log:       log,
		publisher: pub,
		config:    cfg,
	}
}

// Run resumes from the durable positions of both logs and projects events
// until ctx is cancelled. A cancelled Run returns ctx.Err() after the
// in-flight write has finished.
func (i *indexer) Run(ctx context.Context) error {
	lastTransfer, err := i.log.LastPosition(ctx, domain.EventKindTransfer)
	if err != nil {
		return fmt.Errorf("failed to get transfer log position: %w", err)
	}
	lastAllowlist, err := i.log.LastPosition(ctx, domain.EventKindAllowlistUpdated)
	if err != nil {
		return fmt.Errorf("failed to get allowlist log position: %w", err)
	}

	from := domain.MinPosition(lastTransfer, lastAllowlist)
	logger.InfoCtx(ctx, "Resuming projection",
		zap.String("contract", i.config.Contract),
		zap.Stringer("transfer_log", lastTransfer),
		zap.Stringer("allowlist_log", lastAllowlist),
		zap.Stringer("subscribe_after", from))

	stream, err := i.source.Subscribe(ctx, i.config.Contract, domain.AllEventKinds, from)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	i.setStream(stream)
	defer i.Close()

	transfers := make(chan *domain.Event, workerQueueSize)
	allowlist := make(chan *domain.Event, workerQueueSize)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(transfers)
		defer close(allowlist)
		return i.read(gctx, stream, transfers, allowlist)
	})
	g.Go(func() error {
		return i.work(gctx, domain.EventKindTransfer, lastTransfer, transfers, i.projectTransfer)
	})
	g.Go(func() error {
		return i.work(gctx, domain.EventKindAllowlistUpdated, lastAllowlist, allowlist, i.projectAllowlist)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close closes the current stream, which unblocks the reader
func (i *indexer) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stream != nil {
		i.stream.Close()
		i.stream = nil
	}
}

func (i *indexer) setStream(stream messaging.EventStream) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stream = stream
}

// read routes events to the worker of their log, preserving delivery order per log
func (i *indexer) read(ctx context.Context, stream messaging.EventStream, transfers, allowlist chan<- *domain.Event) error {
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read event: %w", err)
		}

		var queue chan<- *domain.Event
		switch event.Kind {
		case domain.EventKindTransfer:
			queue = transfers
		case domain.EventKindAllowlistUpdated:
			queue = allowlist
		default:
			logger.WarnCtx(ctx, "Ignoring event of unknown kind",
				zap.String("kind", string(event.Kind)),
				zap.Stringer("position", event.Position()))
			continue
		}

		select {
		case queue <- event:
		case <-ctx.Done():
			return nil
		}
	}
}

type projectFunc func(ctx context.Context, event *domain.Event) (bool, error)

// work appends the events of one log in order. Positions at or before the
// log's durable tail were already projected and are skipped.
func (i *indexer) work(ctx context.Context, kind domain.EventKind, last *domain.Position, events <-chan *domain.Event, project projectFunc) error {
	for {
		var event *domain.Event
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case event, ok = <-events:
			if !ok {
				return nil
			}
		}
		// no new write once cancelled, even if an event was also ready
		if ctx.Err() != nil {
			return nil
		}

		pos := event.Position()
		if !domain.After(last, pos) {
			logger.DebugCtx(ctx, "Skipping already projected event",
				zap.String("log", string(kind)),
				zap.Stringer("position", pos))
			continue
		}

		if err := i.write(ctx, kind, event, project); err != nil {
			if errors.Is(err, domain.ErrInvalidEvent) {
				logger.ErrorCtx(ctx, err, zap.Stringer("position", pos))
				continue
			}
			return err
		}
		last = &pos
	}
}

// write appends and announces one record, retrying transient failures with
// backoff. Each attempt runs on a non-cancelled context so shutdown never
// tears a write. A retry after a failed publish finds the record already
// stored and publishes it again. If announcing never succeeds the record
// stays durable and Run moves on.
func (i *indexer) write(ctx context.Context, kind domain.EventKind, event *domain.Event, project projectFunc) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.config.WriteRetryInitialInterval
	b.MaxInterval = i.config.WriteRetryMaxInterval
	b.MaxElapsedTime = i.config.WriteRetryMaxElapsedTime

	var attemptCount int
	notifyOnError := func(err error, duration time.Duration) {
		attemptCount++
		logger.WarnCtx(ctx, "Record write failed, retrying",
			zap.String("log", string(kind)),
			zap.Stringer("position", event.Position()),
			zap.Error(err),
			zap.Int("attempt", attemptCount),
			zap.Duration("next_retry_in", duration),
		)
	}

	writeCtx := context.WithoutCancel(ctx)
	operation := func() error {
		appended, err := project(writeCtx, event)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidEvent) || errors.Is(err, domain.ErrOutOfOrder) {
				return backoff.Permanent(err)
			}
			return err
		}
		if appended {
			logger.DebugCtx(ctx, "Record appended",
				zap.String("log", string(kind)),
				zap.Stringer("position", event.Position()),
				zap.String("tx", event.TransactionRef))
		}
		return nil
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notifyOnError); err != nil {
		if errors.Is(err, errNotAnnounced) {
			logger.WarnCtx(ctx, "Record stored but not announced",
				zap.String("log", string(kind)),
				zap.Stringer("position", event.Position()),
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to append %s record at %s after %d attempts: %w",
			kind, event.Position(), attemptCount+1, err)
	}
	return nil
}

func (i *indexer) projectTransfer(ctx context.Context, event *domain.Event) (bool, error) {
	record, err := domain.TransferRecordFromEvent(event)
	if err != nil {
		return false, err
	}
	appended, err := i.log.AppendTransfer(ctx, record)
	if err != nil {
		return false, err
	}

	// a duplicate is published again; the feed drops it by message id
	if err := i.publisher.PublishTransfer(ctx, record); err != nil {
		return appended, fmt.Errorf("%w: %v", errNotAnnounced, err)
	}
	return appended, nil
}

func (i *indexer) projectAllowlist(ctx context.Context, event *domain.Event) (bool, error) {
	record, err := domain.AllowlistRecordFromEvent(event)
	if err != nil {
		return false, err
	}
	appended, err := i.log.AppendAllowlist(ctx, record)
	if err != nil {
		return false, err
	}

	if err := i.publisher.PublishAllowlist(ctx, record); err != nil {
		return appended, fmt.Errorf("%w: %v", errNotAnnounced, err)
	}
	return appended, nil
}
