package policy

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
)

// Machine is the resale policy state machine. It owns a State and advances it
// only through admitted transfers, issuance and allowlist updates.
type Machine struct {
	config domain.PolicyConfig

	mu    sync.Mutex
	state *State
}

// NewMachine creates a state machine for a validated configuration. A nil
// state starts the machine empty.
func NewMachine(cfg domain.PolicyConfig, state *State) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if state == nil {
		state = NewState()
	}
	return &Machine{config: cfg, state: state}, nil
}

// Config returns the immutable policy configuration
func (m *Machine) Config() domain.PolicyConfig {
	return m.config
}

// Submit evaluates a proposal and, if admitted, applies it atomically.
// A rejected proposal leaves the state untouched.
func (m *Machine) Submit(ctx context.Context, p Proposal) Decision {
	return m.SubmitThen(ctx, p, nil)
}

// SubmitThen is Submit with a commit hook that runs under the machine lock
// after an admitted transfer has been applied, so the hook observes commits in order.
func (m *Machine) SubmitThen(ctx context.Context, p Proposal, onCommit func(Proposal)) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	decision := Evaluate(m.config, m.state, p)
	if !decision.Admitted {
		logger.InfoCtx(ctx, "Transfer rejected",
			zap.String("item_id", string(p.ItemID)),
			zap.String("from", string(p.From)),
			zap.String("to", string(p.To)),
			zap.Int64("now", p.NowEpoch),
			zap.String("reason", string(decision.Reason)))
		return decision
	}

	m.state.apply(p)
	if onCommit != nil {
		onCommit(p)
	}

	logger.DebugCtx(ctx, "Transfer admitted",
		zap.String("item_id", string(p.ItemID)),
		zap.String("from", string(p.From)),
		zap.String("to", string(p.To)),
		zap.Int64("now", p.NowEpoch))
	return decision
}

// Issue places a new item with its initial owner
func (m *Machine) Issue(item domain.ItemID, owner domain.Identity) error {
	return m.IssueThen(item, owner, nil)
}

// IssueThen is Issue with a commit hook run under the machine lock
func (m *Machine) IssueThen(item domain.ItemID, owner domain.Identity, onCommit func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.state.Issue(item, owner); err != nil {
		return err
	}
	if onCommit != nil {
		onCommit()
	}
	return nil
}

// SetAllowlist updates the allowlist flag of an identity. Caller authorization
// is checked before this point.
func (m *Machine) SetAllowlist(identity domain.Identity, allowed bool) {
	m.SetAllowlistThen(identity, allowed, nil)
}

// SetAllowlistThen is SetAllowlist with a commit hook run under the machine lock
func (m *Machine) SetAllowlistThen(identity domain.Identity, allowed bool, onCommit func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.SetAllowlist(identity, allowed)
	if onCommit != nil {
		onCommit()
	}
}

// Snapshot returns a copy of the current state
func (m *Machine) Snapshot() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// OwnerOf returns the current owner of an item
func (m *Machine) OwnerOf(item domain.ItemID) (domain.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.OwnerOf(item)
}
