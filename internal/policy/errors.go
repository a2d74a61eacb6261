package policy

import (
	"errors"
	"fmt"
)

// Reason identifies why a proposal was rejected
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNotOwner         Reason = "NotOwner"
	ReasonNotKYCApproved   Reason = "NotKYCApproved"
	ReasonBlockedNearEvent Reason = "BlockedNearEvent"
	ReasonCooldownActive   Reason = "CooldownActive"
)

var (
	// ErrNotOwner is returned when the sender does not own the item
	ErrNotOwner = errors.New("sender is not the current owner")

	// ErrNotKYCApproved is returned when either endpoint is not allowlisted
	ErrNotKYCApproved = errors.New("sender or recipient is not allowlisted")

	// ErrBlockedNearEvent is returned inside the pre-event blackout window
	ErrBlockedNearEvent = errors.New("transfers are blocked near the event start")

	// ErrCooldownActive is returned when the item was transferred too recently
	ErrCooldownActive = errors.New("transfer cooldown is active")

	// ErrAlreadyIssued is returned when an item is issued twice
	ErrAlreadyIssued = errors.New("item already issued")
)

var reasonErrors = map[Reason]error{
	ReasonNotOwner:         ErrNotOwner,
	ReasonNotKYCApproved:   ErrNotKYCApproved,
	ReasonBlockedNearEvent: ErrBlockedNearEvent,
	ReasonCooldownActive:   ErrCooldownActive,
}

// Sentinel returns the sentinel error for a rejection reason, or nil for ReasonNone
func (r Reason) Sentinel() error {
	return reasonErrors[r]
}

// RejectionError carries the rejected proposal alongside the reason
type RejectionError struct {
	Reason   Reason
	Proposal Proposal
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("transfer of item %s from %s to %s rejected: %s",
		e.Proposal.ItemID, e.Proposal.From, e.Proposal.To, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Reason.Sentinel()
}

// ReasonOf extracts the rejection reason from an error chain
func ReasonOf(err error) Reason {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason
	}
	for reason, sentinel := range reasonErrors {
		if errors.Is(err, sentinel) {
			return reason
		}
	}
	return ReasonNone
}
