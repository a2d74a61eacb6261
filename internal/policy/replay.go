package policy

import (
	"github.com/scalperguard/resale-guard/internal/domain"
)

// Replay reconstructs the effective policy state from the projected logs.
// Records must be in ledger order. A transfer from the zero identity is an
// issuance and leaves the item in Owned(to, 0); every other transfer sets the
// owner and the last transfer time to the record's observed block time.
func Replay(transfers []domain.TransferRecord, allowlist []domain.AllowlistRecord) *State {
	s := NewState()
	for _, r := range transfers {
		if r.From.IsZero() {
			s.items[r.ItemID] = ItemState{Owner: r.To}
			continue
		}
		s.items[r.ItemID] = ItemState{Owner: r.To, LastTransferAt: r.ObservedAtEpoch}
	}
	// last write wins by ledger order
	for _, r := range allowlist {
		s.allowlist[r.Identity] = r.Allowed
	}
	return s
}
