package indexer_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/indexer"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/mocks"
)

const (
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testAlice    = domain.Identity("0x00000000000000000000000000000000000000A1")
	testBob      = domain.Identity("0x00000000000000000000000000000000000000B2")
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

// testIndexerMocks contains all the mocks needed for testing the indexer
type testIndexerMocks struct {
	ctrl      *gomock.Controller
	source    *mocks.MockEventSource
	stream    *mocks.MockEventStream
	log       *mocks.MockRecordLog
	publisher *mocks.MockPublisher
	indexer   indexer.Indexer
}

// setupTestIndexer creates all the mocks and the indexer for testing
func setupTestIndexer(t *testing.T) *testIndexerMocks {
	ctrl := gomock.NewController(t)

	tm := &testIndexerMocks{
		ctrl:      ctrl,
		source:    mocks.NewMockEventSource(ctrl),
		stream:    mocks.NewMockEventStream(ctrl),
		log:       mocks.NewMockRecordLog(ctrl),
		publisher: mocks.NewMockPublisher(ctrl),
	}

	tm.indexer = indexer.NewIndexer(tm.source, tm.log, tm.publisher, indexer.Config{
		Contract:                  testContract,
		WriteRetryInitialInterval: time.Millisecond,
		WriteRetryMaxInterval:     5 * time.Millisecond,
		WriteRetryMaxElapsedTime:  50 * time.Millisecond,
	})
	tm.stream.EXPECT().Close().AnyTimes()

	return tm
}

// tearDownTestIndexer cleans up the test mocks
func tearDownTestIndexer(mocks *testIndexerMocks) {
	mocks.ctrl.Finish()
}

// expectPositions sets the durable tails of both logs
func (tm *testIndexerMocks) expectPositions(transfer, allowlist *domain.Position) {
	tm.log.EXPECT().LastPosition(gomock.Any(), domain.EventKindTransfer).Return(transfer, nil)
	tm.log.EXPECT().LastPosition(gomock.Any(), domain.EventKindAllowlistUpdated).Return(allowlist, nil)
}

// script makes the stream deliver events in order, then end with tail, or
// block until cancelled when tail is nil
func (tm *testIndexerMocks) script(tail error, events ...*domain.Event) {
	var mu sync.Mutex
	next := 0
	tm.stream.EXPECT().
		Next(gomock.Any()).
		DoAndReturn(func(ctx context.Context) (*domain.Event, error) {
			mu.Lock()
			if next < len(events) {
				ev := events[next]
				next++
				mu.Unlock()
				return ev, nil
			}
			mu.Unlock()
			if tail != nil {
				return nil, tail
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		AnyTimes()
}

func transferEvent(height uint64, logIndex uint, from, to domain.Identity, item domain.ItemID) *domain.Event {
	return &domain.Event{
		Kind:           domain.EventKindTransfer,
		Contract:       testContract,
		BlockHeight:    height,
		BlockTime:      time.Unix(1_700_000_000+int64(height)*12, 0).UTC(), //nolint:gosec,G115
		TransactionRef: "0xtx",
		LogIndex:       logIndex,
		Transfer:       &domain.TransferPayload{From: from, To: to, ItemID: item},
	}
}

func allowlistEvent(height uint64, logIndex uint, identity domain.Identity, allowed bool) *domain.Event {
	return &domain.Event{
		Kind:           domain.EventKindAllowlistUpdated,
		Contract:       testContract,
		BlockHeight:    height,
		BlockTime:      time.Unix(1_700_000_000+int64(height)*12, 0).UTC(), //nolint:gosec,G115
		TransactionRef: "0xtx",
		LogIndex:       logIndex,
		Allowlist:      &domain.AllowlistPayload{Identity: identity, Allowed: allowed},
	}
}

func mustTransferRecord(t *testing.T, e *domain.Event) domain.TransferRecord {
	r, err := domain.TransferRecordFromEvent(e)
	require.NoError(t, err)
	return r
}

func mustAllowlistRecord(t *testing.T, e *domain.Event) domain.AllowlistRecord {
	r, err := domain.AllowlistRecordFromEvent(e)
	require.NoError(t, err)
	return r
}

// cancelAfter returns a func that cancels once it has been called n times
func cancelAfter(n int32, cancel context.CancelFunc) func() {
	var calls atomic.Int32
	return func() {
		if calls.Add(1) == n {
			cancel()
		}
	}
}

func TestIndexer_Run_ProjectsBothLogs(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := cancelAfter(3, cancel)

	grant := allowlistEvent(1, 0, testAlice, true)
	mint := transferEvent(2, 0, domain.ZeroIdentity, testAlice, "1")
	resale := transferEvent(2, 1, testAlice, testBob, "1")

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
	tm.script(nil, grant, mint, resale)

	tm.log.EXPECT().AppendAllowlist(gomock.Any(), mustAllowlistRecord(t, grant)).Return(true, nil)
	gomock.InOrder(
		tm.log.EXPECT().AppendTransfer(gomock.Any(), mustTransferRecord(t, mint)).Return(true, nil),
		tm.log.EXPECT().AppendTransfer(gomock.Any(), mustTransferRecord(t, resale)).Return(true, nil),
	)
	tm.publisher.EXPECT().PublishAllowlist(gomock.Any(), mustAllowlistRecord(t, grant)).
		DoAndReturn(func(context.Context, domain.AllowlistRecord) error { done(); return nil })
	tm.publisher.EXPECT().PublishTransfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.TransferRecord) error { done(); return nil }).
		Times(2)

	err := tm.indexer.Run(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestIndexer_Run_ResumesFromDurablePositions(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := cancelAfter(2, cancel)

	transferTail := &domain.Position{BlockHeight: 5, LogIndex: 0}
	allowlistTail := &domain.Position{BlockHeight: 3, LogIndex: 1}

	tm.expectPositions(transferTail, allowlistTail)
	// subscribes after the older of the two tails
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, allowlistTail).Return(tm.stream, nil)

	newGrant := allowlistEvent(4, 0, testBob, true)
	newResale := transferEvent(6, 0, testAlice, testBob, "1")
	tm.script(nil,
		transferEvent(4, 2, domain.ZeroIdentity, testAlice, "1"),
		transferEvent(5, 0, testBob, testAlice, "1"),
		newGrant,
		newResale,
	)

	// only records after each log's own tail are written
	tm.log.EXPECT().AppendAllowlist(gomock.Any(), mustAllowlistRecord(t, newGrant)).Return(true, nil)
	tm.log.EXPECT().AppendTransfer(gomock.Any(), mustTransferRecord(t, newResale)).Return(true, nil)
	tm.publisher.EXPECT().PublishAllowlist(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.AllowlistRecord) error { done(); return nil })
	tm.publisher.EXPECT().PublishTransfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.TransferRecord) error { done(); return nil })

	err := tm.indexer.Run(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestIndexer_Run_DuplicateIsPublishedAgain(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resale := transferEvent(7, 0, testAlice, testBob, "1")

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
	tm.script(nil, resale)
	tm.log.EXPECT().AppendTransfer(gomock.Any(), mustTransferRecord(t, resale)).Return(false, nil)
	tm.publisher.EXPECT().PublishTransfer(gomock.Any(), mustTransferRecord(t, resale)).
		DoAndReturn(func(context.Context, domain.TransferRecord) error {
			cancel()
			return nil
		})

	err := tm.indexer.Run(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestIndexer_Run_FailedPublishIsRetried(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resale := transferEvent(7, 0, testAlice, testBob, "1")
	record := mustTransferRecord(t, resale)

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
	tm.script(nil, resale)
	gomock.InOrder(
		tm.log.EXPECT().AppendTransfer(gomock.Any(), record).Return(true, nil),
		tm.publisher.EXPECT().PublishTransfer(gomock.Any(), record).Return(errors.New("nats: no responders available")),
		// the retry finds the record stored and announces it
		tm.log.EXPECT().AppendTransfer(gomock.Any(), record).Return(false, nil),
		tm.publisher.EXPECT().PublishTransfer(gomock.Any(), record).
			DoAndReturn(func(context.Context, domain.TransferRecord) error {
				cancel()
				return nil
			}),
	)

	err := tm.indexer.Run(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestIndexer_Run_UnannouncedRecordDoesNotStopRun(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := transferEvent(7, 0, domain.ZeroIdentity, testAlice, "1")
	second := transferEvent(8, 0, testAlice, testBob, "1")

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
	tm.script(nil, first, second)
	tm.log.EXPECT().AppendTransfer(gomock.Any(), mustTransferRecord(t, first)).Return(true, nil).Times(1)
	tm.log.EXPECT().AppendTransfer(gomock.Any(), mustTransferRecord(t, first)).Return(false, nil).AnyTimes()
	tm.publisher.EXPECT().PublishTransfer(gomock.Any(), mustTransferRecord(t, first)).
		Return(errors.New("nats: connection closed")).MinTimes(1)
	tm.log.EXPECT().AppendTransfer(gomock.Any(), mustTransferRecord(t, second)).Return(true, nil)
	tm.publisher.EXPECT().PublishTransfer(gomock.Any(), mustTransferRecord(t, second)).
		DoAndReturn(func(context.Context, domain.TransferRecord) error {
			cancel()
			return nil
		})

	err := tm.indexer.Run(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestIndexer_Run_NoWritesAfterShutdown(t *testing.T) {
	for run := 0; run < 20; run++ {
		tm := setupTestIndexer(t)

		ctx, cancel := context.WithCancel(context.Background())

		var height atomic.Uint64
		tm.expectPositions(nil, nil)
		tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
		// the source never runs dry
		tm.stream.EXPECT().
			Next(gomock.Any()).
			DoAndReturn(func(context.Context) (*domain.Event, error) {
				return transferEvent(height.Add(1), 0, domain.ZeroIdentity, testAlice, "1"), nil
			}).
			AnyTimes()

		var appends atomic.Int32
		tm.log.EXPECT().AppendTransfer(gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, domain.TransferRecord) (bool, error) {
				appends.Add(1)
				cancel()
				return true, nil
			}).
			AnyTimes()
		tm.publisher.EXPECT().PublishTransfer(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

		err := tm.indexer.Run(ctx)
		assert.Equal(t, context.Canceled, err)
		assert.Equal(t, int32(1), appends.Load(), "run %d started a write after shutdown", run)

		cancel()
		tearDownTestIndexer(tm)
	}
}

func TestIndexer_Run_RetriesTransientWriteFailure(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	grant := allowlistEvent(1, 0, testAlice, true)
	record := mustAllowlistRecord(t, grant)

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
	tm.script(nil, grant)
	gomock.InOrder(
		tm.log.EXPECT().AppendAllowlist(gomock.Any(), record).Return(false, errors.New("database is locked")),
		tm.log.EXPECT().AppendAllowlist(gomock.Any(), record).Return(true, nil),
	)
	tm.publisher.EXPECT().PublishAllowlist(gomock.Any(), record).
		DoAndReturn(func(context.Context, domain.AllowlistRecord) error {
			cancel()
			return errors.New("nats: no responders available")
		})

	err := tm.indexer.Run(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestIndexer_Run_WriteFailureIsNotAcknowledged(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	resale := transferEvent(7, 0, testAlice, testBob, "1")

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
	tm.script(nil, resale)
	tm.log.EXPECT().AppendTransfer(gomock.Any(), gomock.Any()).Return(false, errors.New("disk full")).MinTimes(1)

	err := tm.indexer.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to append transfer record at 7:0")
	assert.ErrorContains(t, err, "disk full")
}

func TestIndexer_Run_OutOfOrderIsPermanent(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	resale := transferEvent(7, 0, testAlice, testBob, "1")

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
	tm.script(nil, resale)
	tm.log.EXPECT().AppendTransfer(gomock.Any(), gomock.Any()).Return(false, domain.ErrOutOfOrder).Times(1)

	err := tm.indexer.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrOutOfOrder)
}

func TestIndexer_Run_InvalidEventIsSkipped(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broken := transferEvent(3, 0, testAlice, testBob, "1")
	broken.Transfer = nil
	resale := transferEvent(4, 0, testAlice, testBob, "1")

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
	tm.script(nil, broken, resale)
	tm.log.EXPECT().AppendTransfer(gomock.Any(), mustTransferRecord(t, resale)).Return(true, nil)
	tm.publisher.EXPECT().PublishTransfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.TransferRecord) error { cancel(); return nil })

	err := tm.indexer.Run(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestIndexer_Run_SourceUnavailable(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).Return(tm.stream, nil)
	tm.script(domain.ErrSourceUnavailable)

	err := tm.indexer.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestIndexer_Run_SubscribeFailure(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	tm.expectPositions(nil, nil)
	tm.source.EXPECT().Subscribe(gomock.Any(), testContract, domain.AllEventKinds, nil).
		Return(nil, domain.ErrSourceUnavailable)

	err := tm.indexer.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestIndexer_Run_PositionError(t *testing.T) {
	tm := setupTestIndexer(t)
	defer tearDownTestIndexer(tm)

	tm.log.EXPECT().LastPosition(gomock.Any(), domain.EventKindTransfer).Return(nil, errors.New("connection refused"))

	err := tm.indexer.Run(context.Background())
	assert.ErrorContains(t, err, "failed to get transfer log position")
}
