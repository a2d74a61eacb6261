package domain

import "errors"

var (
	// ErrSourceUnavailable is returned when the ledger endpoint cannot be reached
	ErrSourceUnavailable = errors.New("event source unavailable")

	// ErrSubscriptionFailed is returned when subscription to events fails
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrInvalidEvent is returned when an event payload does not match its kind
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidConfig is returned for configuration that leaves the policy undefined
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrOutOfOrder is returned when a record would be appended before the log's tail
	ErrOutOfOrder = errors.New("record out of ledger order")

	// ErrItemNotFound is returned when an item has never been issued
	ErrItemNotFound = errors.New("item not found")
)
