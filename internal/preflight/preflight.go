package preflight

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/policy"
	"github.com/scalperguard/resale-guard/internal/providers/ethereum"
)

// Result is the outcome of a pre-flight check together with the state it was computed from
type Result struct {
	Config         domain.PolicyConfig `json:"config"`
	Proposal       policy.Proposal     `json:"proposal"`
	Owner          domain.Identity     `json:"owner,omitempty"`
	Issued         bool                `json:"issued"`
	FromAllowed    bool                `json:"fromAllowed"`
	ToAllowed      bool                `json:"toAllowed"`
	LastTransferAt int64               `json:"lastTransferAt"`
	Admitted       bool                `json:"admitted"`
	Reason         policy.Reason       `json:"reason,omitempty"`
	// RetryAt is the first epoch at which a time-bound rejection lifts, 0 otherwise
	RetryAt int64 `json:"retryAt,omitempty"`
}

// Checker evaluates proposed transfers against the contract's live state
type Checker struct {
	client ethereum.Client
	clock  adapter.Clock
}

// NewChecker creates a pre-flight checker
func NewChecker(client ethereum.Client, clock adapter.Clock) *Checker {
	return &Checker{client: client, clock: clock}
}

// Check reads the policy configuration and the state relevant to the proposal
// and runs the evaluator over it. The ledger still has the final word: its
// state can change between the check and the actual transfer.
func (c *Checker) Check(ctx context.Context, from, to domain.Identity, item domain.ItemID) (*Result, error) {
	cfg, err := c.client.PolicyConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy configuration: %w", err)
	}

	state, err := c.client.LoadState(ctx, []domain.ItemID{item}, []domain.Identity{from, to})
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}

	p := policy.Proposal{
		From:     from,
		To:       to,
		ItemID:   item,
		NowEpoch: c.clock.Now().Unix(),
	}
	decision := policy.Evaluate(cfg, state, p)

	owner, issued := state.OwnerOf(item)
	result := &Result{
		Config:         cfg,
		Proposal:       p,
		Owner:          owner,
		Issued:         issued,
		FromAllowed:    state.IsAllowed(from),
		ToAllowed:      state.IsAllowed(to),
		LastTransferAt: state.LastTransferAt(item),
		Admitted:       decision.Admitted,
		Reason:         decision.Reason,
	}

	switch decision.Reason {
	case policy.ReasonCooldownActive:
		result.RetryAt = result.LastTransferAt + cfg.CooldownSeconds
	case policy.ReasonBlockedNearEvent:
		result.RetryAt = cfg.EventStart
	}

	logger.InfoCtx(ctx, "Pre-flight check",
		zap.String("item_id", string(item)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Bool("admitted", result.Admitted),
		zap.String("reason", string(result.Reason)),
		zap.Int64("retry_at", result.RetryAt))

	return result, nil
}
