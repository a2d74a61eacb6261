package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/messaging"
	"github.com/scalperguard/resale-guard/internal/policy"
)

// DefaultContract is the address reported for events of the in-process ledger
const DefaultContract = "0x000000000000000000000000000000000000Ed6e"

// ErrNotAuthorized is returned when a non-deployer tries an owner-only operation
var ErrNotAuthorized = errors.New("caller is not the deployer")

// Ledger is an in-process stand-in for the ticket contract. Every committed
// change is its own block with a single log at index 0, so ledger order is
// commit order. Rejected transfers commit nothing.
type Ledger struct {
	machine  *policy.Machine
	clock    adapter.Clock
	deployer domain.Identity
	contract string

	mu      sync.Mutex
	height  uint64
	history []domain.Event
	notify  chan struct{}
}

// New deploys a ledger with an immutable policy configuration and grants the
// deployer on the allowlist
func New(cfg domain.PolicyConfig, deployer domain.Identity, clock adapter.Clock) (*Ledger, error) {
	if deployer.IsZero() {
		return nil, fmt.Errorf("%w: deployer identity is required", domain.ErrInvalidConfig)
	}
	machine, err := policy.NewMachine(cfg, nil)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		machine:  machine,
		clock:    clock,
		deployer: deployer,
		contract: DefaultContract,
		notify:   make(chan struct{}),
	}

	if _, err := l.SetAllowlist(context.Background(), deployer, deployer, true); err != nil {
		return nil, err
	}
	return l, nil
}

// Contract returns the contract address events are reported under
func (l *Ledger) Contract() string {
	return l.contract
}

// Config returns the policy configuration fixed at deployment
func (l *Ledger) Config() domain.PolicyConfig {
	return l.machine.Config()
}

// Deployer returns the identity allowed to issue items and edit the allowlist
func (l *Ledger) Deployer() domain.Identity {
	return l.deployer
}

// Mint issues a new item to its first owner
func (l *Ledger) Mint(ctx context.Context, caller domain.Identity, item domain.ItemID, to domain.Identity) (string, error) {
	if caller != l.deployer {
		return "", ErrNotAuthorized
	}

	var txRef string
	err := l.machine.IssueThen(item, to, func() {
		txRef = l.commit(domain.Event{
			Kind:     domain.EventKindTransfer,
			Transfer: &domain.TransferPayload{From: domain.ZeroIdentity, To: to, ItemID: item},
		}, l.clock.Now().Unix())
	})
	if err != nil {
		return "", err
	}

	logger.InfoCtx(ctx, "Item issued",
		zap.String("item_id", string(item)),
		zap.String("owner", string(to)),
		zap.String("tx", txRef))
	return txRef, nil
}

// SetAllowlist updates the allowlist flag of an identity
func (l *Ledger) SetAllowlist(ctx context.Context, caller, identity domain.Identity, allowed bool) (string, error) {
	if caller != l.deployer {
		return "", ErrNotAuthorized
	}

	var txRef string
	l.machine.SetAllowlistThen(identity, allowed, func() {
		txRef = l.commit(domain.Event{
			Kind:      domain.EventKindAllowlistUpdated,
			Allowlist: &domain.AllowlistPayload{Identity: identity, Allowed: allowed},
		}, l.clock.Now().Unix())
	})

	logger.InfoCtx(ctx, "Allowlist updated",
		zap.String("identity", string(identity)),
		zap.Bool("allowed", allowed),
		zap.String("tx", txRef))
	return txRef, nil
}

// Transfer proposes a resale at the ledger's current time. A rejection is
// returned as a *policy.RejectionError.
func (l *Ledger) Transfer(ctx context.Context, from, to domain.Identity, item domain.ItemID) (string, error) {
	p := policy.Proposal{
		From:     from,
		To:       to,
		ItemID:   item,
		NowEpoch: l.clock.Now().Unix(),
	}

	var txRef string
	decision := l.machine.SubmitThen(ctx, p, func(p policy.Proposal) {
		txRef = l.commit(domain.Event{
			Kind:     domain.EventKindTransfer,
			Transfer: &domain.TransferPayload{From: p.From, To: p.To, ItemID: p.ItemID},
		}, p.NowEpoch)
	})
	if err := decision.Err(p); err != nil {
		return "", err
	}
	return txRef, nil
}

// OwnerOf returns the current owner of an item
func (l *Ledger) OwnerOf(ctx context.Context, item domain.ItemID) (domain.Identity, bool, error) {
	owner, ok := l.machine.OwnerOf(item)
	return owner, ok, nil
}

// Snapshot returns a copy of the current policy state
func (l *Ledger) Snapshot() *policy.State {
	return l.machine.Snapshot()
}

// Height returns the height of the last committed block
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// commit appends an event as a new block and wakes waiting streams. It runs
// under the state machine lock, so blocks follow commit order.
func (l *Ledger) commit(event domain.Event, epoch int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.height++
	event.Contract = l.contract
	event.BlockHeight = l.height
	event.BlockTime = time.Unix(epoch, 0).UTC()
	event.LogIndex = 0
	event.TransactionRef = transactionRef(event)

	l.history = append(l.history, event)
	close(l.notify)
	l.notify = make(chan struct{})

	return event.TransactionRef
}

func transactionRef(e domain.Event) string {
	var body string
	switch {
	case e.Transfer != nil:
		body = fmt.Sprintf("%s:%s:%s", e.Transfer.From, e.Transfer.To, e.Transfer.ItemID)
	case e.Allowlist != nil:
		body = fmt.Sprintf("%s:%t", e.Allowlist.Identity, e.Allowlist.Allowed)
	}
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%d:%s:%s", e.BlockHeight, e.Kind, body))).Hex()
}

// Events returns the committed events after a position, in ledger order
func (l *Ledger) Events(after *domain.Position) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexAfter(after)
	out := make([]domain.Event, len(l.history)-i)
	copy(out, l.history[i:])
	return out
}

// indexAfter returns the index of the first event strictly after the cursor.
// Callers hold l.mu.
func (l *Ledger) indexAfter(after *domain.Position) int {
	if after == nil {
		return 0
	}
	return sort.Search(len(l.history), func(i int) bool {
		return after.Less(l.history[i].Position())
	})
}

// Subscribe opens a stream of committed events after a position; history first, then live
func (l *Ledger) Subscribe(ctx context.Context, contract string, kinds []domain.EventKind, after *domain.Position) (messaging.EventStream, error) {
	if !strings.EqualFold(contract, l.contract) {
		return nil, fmt.Errorf("%w: unknown contract %s", domain.ErrInvalidConfig, contract)
	}

	s := &stream{
		ledger: l,
		kinds:  messaging.NewKindSet(kinds),
		closed: make(chan struct{}),
	}
	if after != nil {
		p := *after
		s.last = &p
	}
	return s, nil
}

type stream struct {
	ledger *Ledger
	kinds  messaging.KindSet

	mu   sync.Mutex
	last *domain.Position

	closeOnce sync.Once
	closed    chan struct{}
}

// Next blocks until an event after the last delivered one is committed
func (s *stream) Next(ctx context.Context) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		s.ledger.mu.Lock()
		var found *domain.Event
		for i := s.ledger.indexAfter(s.last); i < len(s.ledger.history); i++ {
			if s.kinds.Has(s.ledger.history[i].Kind) {
				ev := s.ledger.history[i]
				found = &ev
				break
			}
		}
		wait := s.ledger.notify
		s.ledger.mu.Unlock()

		if found != nil {
			pos := found.Position()
			s.last = &pos
			return found, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, fmt.Errorf("%w: stream closed", domain.ErrSourceUnavailable)
		}
	}
}

// Close wakes a blocked Next and ends the stream
func (s *stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}
