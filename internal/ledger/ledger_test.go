package ledger_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/ledger"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/policy"
)

const (
	deployer = domain.Identity("0x00000000000000000000000000000000000000D0")
	alice    = domain.Identity("0x00000000000000000000000000000000000000A1")
	bob      = domain.Identity("0x00000000000000000000000000000000000000B2")
	item1    = domain.ItemID("1")
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

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Unix(sec int64, nsec int64) time.Time {
	return time.Unix(sec, nsec)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() domain.PolicyConfig {
	return domain.PolicyConfig{
		FaceValue:               "10000000000000000",
		EventStart:              1_000_000,
		CooldownSeconds:         600,
		BlockBeforeStartSeconds: 3600,
	}
}

func setupLedger(t *testing.T) (*ledger.Ledger, *fakeClock) {
	clock := &fakeClock{now: time.Unix(100_000, 0)}
	l, err := ledger.New(testConfig(), deployer, clock)
	require.NoError(t, err)
	return l, clock
}

func TestNew_GrantsDeployer(t *testing.T) {
	l, _ := setupLedger(t)

	assert.True(t, l.Snapshot().IsAllowed(deployer))
	assert.Equal(t, uint64(1), l.Height())

	events := l.Events(nil)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventKindAllowlistUpdated, events[0].Kind)
	assert.Equal(t, deployer, events[0].Allowlist.Identity)
	assert.True(t, events[0].Allowlist.Allowed)
	assert.NotEmpty(t, events[0].TransactionRef)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := ledger.New(domain.PolicyConfig{}, deployer, &fakeClock{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = ledger.New(testConfig(), "", &fakeClock{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestOwnerOnlyOperations(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	_, err := l.Mint(ctx, alice, item1, alice)
	assert.ErrorIs(t, err, ledger.ErrNotAuthorized)

	_, err = l.SetAllowlist(ctx, alice, alice, true)
	assert.ErrorIs(t, err, ledger.ErrNotAuthorized)

	_, err = l.Mint(ctx, deployer, item1, alice)
	require.NoError(t, err)

	_, err = l.Mint(ctx, deployer, item1, bob)
	assert.ErrorIs(t, err, policy.ErrAlreadyIssued)

	// only successful commits become blocks
	assert.Equal(t, uint64(2), l.Height())
}

func TestTransfer(t *testing.T) {
	l, clock := setupLedger(t)
	ctx := context.Background()

	_, err := l.Mint(ctx, deployer, item1, alice)
	require.NoError(t, err)

	// bob is not allowlisted yet
	_, err = l.Transfer(ctx, alice, bob, item1)
	assert.ErrorIs(t, err, policy.ErrNotKYCApproved)
	assert.Equal(t, policy.ReasonNotKYCApproved, policy.ReasonOf(err))
	heightAfterRejection := l.Height()

	_, err = l.SetAllowlist(ctx, deployer, alice, true)
	require.NoError(t, err)
	_, err = l.SetAllowlist(ctx, deployer, bob, true)
	require.NoError(t, err)
	assert.Equal(t, heightAfterRejection+2, l.Height())

	clock.Advance(10 * time.Second)
	txRef, err := l.Transfer(ctx, alice, bob, item1)
	require.NoError(t, err)
	assert.NotEmpty(t, txRef)

	owner, ok, err := l.OwnerOf(ctx, item1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bob, owner)

	events := l.Events(nil)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventKindTransfer, last.Kind)
	assert.Equal(t, txRef, last.TransactionRef)
	assert.Equal(t, clock.Now().Unix(), last.BlockTime.Unix())
	assert.Equal(t, clock.Now().Unix(), l.Snapshot().LastTransferAt(item1))

	// cooldown
	clock.Advance(599 * time.Second)
	_, err = l.Transfer(ctx, bob, alice, item1)
	assert.ErrorIs(t, err, policy.ErrCooldownActive)

	clock.Advance(time.Second)
	_, err = l.Transfer(ctx, bob, alice, item1)
	assert.NoError(t, err)
}

func TestReplayMatchesLedgerState(t *testing.T) {
	l, clock := setupLedger(t)
	ctx := context.Background()

	for _, id := range []domain.Identity{alice, bob} {
		_, err := l.SetAllowlist(ctx, deployer, id, true)
		require.NoError(t, err)
	}
	_, err := l.Mint(ctx, deployer, item1, alice)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = l.Transfer(ctx, alice, bob, item1)
	require.NoError(t, err)
	_, err = l.SetAllowlist(ctx, deployer, alice, false)
	require.NoError(t, err)

	var transfers []domain.TransferRecord
	var allowlist []domain.AllowlistRecord
	for _, e := range l.Events(nil) {
		e := e
		switch e.Kind {
		case domain.EventKindTransfer:
			r, err := domain.TransferRecordFromEvent(&e)
			require.NoError(t, err)
			transfers = append(transfers, r)
		case domain.EventKindAllowlistUpdated:
			r, err := domain.AllowlistRecordFromEvent(&e)
			require.NoError(t, err)
			allowlist = append(allowlist, r)
		}
	}

	replayed := policy.Replay(transfers, allowlist)
	live := l.Snapshot()

	for _, id := range []domain.Identity{deployer, alice, bob} {
		assert.Equal(t, live.IsAllowed(id), replayed.IsAllowed(id), id)
	}
	liveItem, _ := live.Item(item1)
	replayedItem, _ := replayed.Item(item1)
	assert.Equal(t, liveItem, replayedItem)
}

func TestSubscribe_HistoryThenLive(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	_, err := l.Mint(ctx, deployer, item1, alice)
	require.NoError(t, err)

	stream, err := l.Subscribe(ctx, l.Contract(), nil, nil)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Position{BlockHeight: 1}, ev.Position())

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Position{BlockHeight: 2}, ev.Position())
	assert.True(t, ev.Transfer.From.IsZero())

	got := make(chan *domain.Event, 1)
	go func() {
		ev, err := stream.Next(ctx)
		if err == nil {
			got <- ev
		}
		close(got)
	}()

	_, err = l.SetAllowlist(ctx, deployer, bob, true)
	require.NoError(t, err)

	select {
	case ev := <-got:
		require.NotNil(t, ev)
		assert.Equal(t, domain.Position{BlockHeight: 3}, ev.Position())
	case <-time.After(5 * time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestSubscribe_ResumeAndKinds(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	_, err := l.Mint(ctx, deployer, item1, alice)
	require.NoError(t, err)
	_, err = l.Mint(ctx, deployer, "2", bob)
	require.NoError(t, err)

	stream, err := l.Subscribe(ctx, l.Contract(), []domain.EventKind{domain.EventKindTransfer}, &domain.Position{BlockHeight: 2})
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Position{BlockHeight: 3}, ev.Position())
	assert.Equal(t, domain.ItemID("2"), ev.Transfer.ItemID)
}

func TestSubscribe_CloseAndCancel(t *testing.T) {
	l, _ := setupLedger(t)

	stream, err := l.Subscribe(context.Background(), l.Contract(), nil, &domain.Position{BlockHeight: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stream.Close()
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestSubscribe_UnknownContract(t *testing.T) {
	l, _ := setupLedger(t)

	_, err := l.Subscribe(context.Background(), "0x0000000000000000000000000000000000000001", nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
