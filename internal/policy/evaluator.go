package policy

import (
	"github.com/scalperguard/resale-guard/internal/domain"
)

// Proposal is a transfer intent evaluated against the policy
type Proposal struct {
	From     domain.Identity `json:"from"`
	To       domain.Identity `json:"to"`
	ItemID   domain.ItemID   `json:"itemId"`
	NowEpoch int64           `json:"nowEpoch"`
}

// Decision is the outcome of evaluating a proposal
type Decision struct {
	Admitted bool   `json:"admitted"`
	Reason   Reason `json:"reason,omitempty"`
}

// Admit is the decision for a proposal that passes every rule
var Admit = Decision{Admitted: true}

// Reject returns a rejecting decision with the given reason
func Reject(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Err returns nil for an admitted decision and a *RejectionError otherwise
func (d Decision) Err(p Proposal) error {
	if d.Admitted {
		return nil
	}
	return &RejectionError{Reason: d.Reason, Proposal: p}
}

func (d Decision) String() string {
	if d.Admitted {
		return "admitted"
	}
	return "rejected: " + string(d.Reason)
}

// StateView is the read side of the policy state consulted by Evaluate
type StateView interface {
	// OwnerOf returns the current owner and whether the item has been issued
	OwnerOf(item domain.ItemID) (domain.Identity, bool)
	// LastTransferAt returns the epoch of the last admitted transfer, 0 if never transferred
	LastTransferAt(item domain.ItemID) int64
	// IsAllowed reports the allowlist flag; unknown identities are not allowed
	IsAllowed(identity domain.Identity) bool
}

// Evaluate decides whether a proposal is admitted. Rules are checked in a fixed
// order and the first failing rule determines the reason. Evaluate has no side effects.
func Evaluate(cfg domain.PolicyConfig, state StateView, p Proposal) Decision {
	owner, issued := state.OwnerOf(p.ItemID)
	if !issued || owner != p.From {
		return Reject(ReasonNotOwner)
	}

	if !state.IsAllowed(p.From) || !state.IsAllowed(p.To) {
		return Reject(ReasonNotKYCApproved)
	}

	// half-open window [eventStart - block, eventStart)
	if cfg.BlackoutStart() <= p.NowEpoch && p.NowEpoch < cfg.EventStart {
		return Reject(ReasonBlockedNearEvent)
	}

	if last := state.LastTransferAt(p.ItemID); last != 0 && p.NowEpoch-last < cfg.CooldownSeconds {
		return Reject(ReasonCooldownActive)
	}

	return Admit
}
