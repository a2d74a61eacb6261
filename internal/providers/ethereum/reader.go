package ethereum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/block"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/messaging"
)

const (
	defaultBackfillBlockRange = uint64(10_000)
	defaultStreamBufferSize   = 256
)

// ReaderConfig holds the configuration of the ledger event reader
type ReaderConfig struct {
	// URL is the WebSocket RPC endpoint (e.g. wss://sepolia.infura.io/ws/v3/KEY)
	URL string
	// Chain is the CAIP-2 chain the node must be on; empty skips the check
	Chain domain.Chain
	// StartBlock is where a stream without cursor starts, usually the deployment block
	StartBlock uint64
	// BackfillBlockRange bounds the block span fetched per back-fill round
	BackfillBlockRange uint64
	// TimestampCacheSize bounds the block timestamp cache
	TimestampCacheSize int

	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	// ReconnectMaxElapsedTime is the budget of one outage; 0 retries forever
	ReconnectMaxElapsedTime time.Duration
}

type reader struct {
	cfg    ReaderConfig
	dialer adapter.EthClientDialer
}

// NewReader creates an EventSource reading the ticket contract's logs from an Ethereum node
func NewReader(cfg ReaderConfig, dialer adapter.EthClientDialer) messaging.EventSource {
	if cfg.BackfillBlockRange == 0 {
		cfg.BackfillBlockRange = defaultBackfillBlockRange
	}
	if cfg.ReconnectInitialInterval == 0 {
		cfg.ReconnectInitialInterval = time.Second
	}
	if cfg.ReconnectMaxInterval == 0 {
		cfg.ReconnectMaxInterval = 30 * time.Second
	}
	return &reader{cfg: cfg, dialer: dialer}
}

// Subscribe dials the node and starts a stream. Failing to reach the node at
// this point is fatal to the caller.
func (r *reader) Subscribe(ctx context.Context, contract string, kinds []domain.EventKind, after *domain.Position) (messaging.EventStream, error) {
	client, err := r.connect(ctx, contract)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &logStream{
		reader:   r,
		contract: contract,
		kinds:    messaging.NewKindSet(kinds),
		events:   make(chan *domain.Event, defaultStreamBufferSize),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	if after != nil {
		p := *after
		s.last = &p
	}

	logger.InfoCtx(ctx, "Subscribed to ledger events",
		zap.String("contract", contract),
		zap.Stringer("after", s.last))

	go s.run(streamCtx, client)
	return s, nil
}

func (r *reader) connect(ctx context.Context, contract string) (Client, error) {
	ethClient, err := r.dialer.Dial(ctx, r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", r.cfg.URL, err)
	}

	timestamps, err := block.NewTimestampProvider(NewBlockFetcher(ethClient), block.Config{
		TimestampCacheSize: r.cfg.TimestampCacheSize,
	})
	if err != nil {
		ethClient.Close()
		return nil, err
	}

	client, err := NewClient(ethClient, contract, timestamps)
	if err != nil {
		ethClient.Close()
		return nil, err
	}

	if err := CheckChain(ctx, client, r.cfg.Chain); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// CheckChain fails with domain.ErrInvalidConfig when the node is not on the
// expected chain. An empty expected chain accepts any node.
func CheckChain(ctx context.Context, client Client, expected domain.Chain) error {
	if expected == "" {
		return nil
	}
	chain, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	if chain != expected {
		return fmt.Errorf("%w: node is on chain %s, configured %s", domain.ErrInvalidConfig, chain, expected)
	}
	return nil
}

// logStream follows the contract: back-fill from the resume point, then live logs.
// Only the run goroutine touches last.
type logStream struct {
	reader   *reader
	contract string
	kinds    messaging.KindSet

	events chan *domain.Event
	err    error
	done   chan struct{}

	closeOnce sync.Once
	cancel    context.CancelFunc

	last *domain.Position
}

// Next returns the next event in ledger order
func (s *logStream) Next(ctx context.Context) (*domain.Event, error) {
	select {
	case event, ok := <-s.events:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, fmt.Errorf("%w: stream closed", domain.ErrSourceUnavailable)
		}
		return event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the stream and waits for its goroutine to exit
func (s *logStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *logStream) run(ctx context.Context, client Client) {
	defer close(s.done)
	defer close(s.events)

	for {
		err := s.follow(ctx, client)
		client.Close()
		if ctx.Err() != nil {
			return
		}

		logger.WarnCtx(ctx, "Ledger subscription lost, reconnecting",
			zap.Error(err),
			zap.Stringer("last_position", s.last))

		client, err = s.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.err = fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
				logger.ErrorCtx(ctx, s.err)
			}
			return
		}
		logger.InfoCtx(ctx, "Reconnected to ledger", zap.Stringer("last_position", s.last))
	}
}

// reconnect re-dials the node with exponential backoff
func (s *logStream) reconnect(ctx context.Context) (Client, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.reader.cfg.ReconnectInitialInterval
	b.MaxInterval = s.reader.cfg.ReconnectMaxInterval
	b.MaxElapsedTime = s.reader.cfg.ReconnectMaxElapsedTime

	var attemptCount int
	notifyOnError := func(err error, duration time.Duration) {
		attemptCount++
		logger.WarnCtx(ctx, "Ledger unreachable, retrying",
			zap.Error(err),
			zap.Int("attempt", attemptCount),
			zap.Duration("next_retry_in", duration),
		)
	}

	operation := func() (Client, error) {
		client, err := s.reader.connect(ctx, s.contract)
		if errors.Is(err, domain.ErrInvalidConfig) {
			return nil, backoff.Permanent(err)
		}
		return client, err
	}

	client, err := backoff.RetryNotifyWithData(operation, backoff.WithContext(b, ctx), notifyOnError)
	if err != nil {
		return nil, fmt.Errorf("failed after %d attempts: %w", attemptCount+1, err)
	}
	return client, nil
}

// resumeBlock is the first block to back-fill. The block of the last delivered
// event is read again because it may hold later logs.
func (s *logStream) resumeBlock() uint64 {
	if s.last == nil {
		return s.reader.cfg.StartBlock
	}
	return s.last.BlockHeight
}

// follow subscribes to live logs before back-filling, so nothing committed
// between the two is missed. It returns when the subscription fails or ctx ends.
func (s *logStream) follow(ctx context.Context, client Client) error {
	logs := make(chan types.Log, defaultStreamBufferSize)
	sub, err := client.SubscribeLogs(ctx, logs)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSubscriptionFailed, err)
	}
	defer sub.Unsubscribe()

	head, err := client.LatestBlock(ctx)
	if err != nil {
		return err
	}

	window := s.reader.cfg.BackfillBlockRange
	for from := s.resumeBlock(); from <= head; from += window {
		to := min(from+window-1, head)
		events, err := client.FilterEvents(ctx, from, to)
		if err != nil {
			return err
		}
		for i := range events {
			if err := s.emit(ctx, &events[i]); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("%w: %v", domain.ErrSubscriptionFailed, err)
		case vLog := <-logs:
			if vLog.Removed {
				logger.WarnCtx(ctx, "Skipping removed log",
					zap.Uint64("block", vLog.BlockNumber),
					zap.Uint("logIndex", vLog.Index),
					zap.String("txHash", vLog.TxHash.Hex()))
				continue
			}

			event, err := client.ParseEventLog(ctx, vLog)
			if err != nil {
				if errors.Is(err, domain.ErrInvalidEvent) {
					logger.ErrorCtx(ctx, err, zap.String("txHash", vLog.TxHash.Hex()))
					continue
				}
				// the reconnect back-fill picks this log up again
				return err
			}
			if event == nil {
				continue
			}
			if err := s.emit(ctx, event); err != nil {
				return err
			}
		}
	}
}

// emit delivers an event unless it is not after the last delivered position
func (s *logStream) emit(ctx context.Context, event *domain.Event) error {
	if !s.kinds.Has(event.Kind) {
		return nil
	}
	pos := event.Position()
	if !domain.After(s.last, pos) {
		return nil
	}

	select {
	case s.events <- event:
		s.last = &pos
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
