package policy

import (
	"fmt"

	"github.com/scalperguard/resale-guard/internal/domain"
)

// ItemState is the per-item policy state
type ItemState struct {
	Owner          domain.Identity `json:"owner"`
	LastTransferAt int64           `json:"lastTransferAt"`
}

// State is the authoritative policy state: item ownership, last transfer
// timestamps and the allowlist. It is not safe for concurrent use; Machine
// serializes access to it.
type State struct {
	items     map[domain.ItemID]ItemState
	allowlist map[domain.Identity]bool
}

// NewState creates an empty policy state
func NewState() *State {
	return &State{
		items:     make(map[domain.ItemID]ItemState),
		allowlist: make(map[domain.Identity]bool),
	}
}

// OwnerOf returns the current owner of an item
func (s *State) OwnerOf(item domain.ItemID) (domain.Identity, bool) {
	st, ok := s.items[item]
	return st.Owner, ok
}

// LastTransferAt returns the epoch of the last admitted transfer of an item
func (s *State) LastTransferAt(item domain.ItemID) int64 {
	return s.items[item].LastTransferAt
}

// IsAllowed reports whether an identity is allowlisted
func (s *State) IsAllowed(identity domain.Identity) bool {
	return s.allowlist[identity]
}

// Item returns the state of an item
func (s *State) Item(item domain.ItemID) (ItemState, bool) {
	st, ok := s.items[item]
	return st, ok
}

// Allowlist returns a copy of the allowlist mapping
func (s *State) Allowlist() map[domain.Identity]bool {
	out := make(map[domain.Identity]bool, len(s.allowlist))
	for k, v := range s.allowlist {
		out[k] = v
	}
	return out
}

// Issue places an item in its initial Owned(owner, 0) state
func (s *State) Issue(item domain.ItemID, owner domain.Identity) error {
	if _, ok := s.items[item]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyIssued, item)
	}
	s.items[item] = ItemState{Owner: owner}
	return nil
}

// Restore sets the state of an item read back from the ledger
func (s *State) Restore(item domain.ItemID, st ItemState) {
	s.items[item] = st
}

// SetAllowlist records the allowlist flag of an identity
func (s *State) SetAllowlist(identity domain.Identity, allowed bool) {
	s.allowlist[identity] = allowed
}

// apply moves an item to its new owner and timestamp in one step
func (s *State) apply(p Proposal) {
	s.items[p.ItemID] = ItemState{Owner: p.To, LastTransferAt: p.NowEpoch}
}

// Clone returns a deep copy of the state
func (s *State) Clone() *State {
	c := NewState()
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.allowlist {
		c.allowlist[k] = v
	}
	return c
}
