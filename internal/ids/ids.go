// Package ids generates the identifiers the engine hands out before any
// network round-trip: local order ids, correlation ids, and subscription
// ids. Every id is a UUIDv4 string; callers never parse or compare their
// internal structure.
package ids

import "github.com/google/uuid"

// New returns a fresh random identifier.
func New() string {
	return uuid.New().String()
}

// LocalOrderID returns a fresh local order identifier.
func LocalOrderID() string {
	return New()
}

// CorrelationID returns a fresh correlation identifier for an event chain.
func CorrelationID() string {
	return New()
}

// SubscriptionID returns a fresh event bus subscription identifier.
func SubscriptionID() string {
	return New()
}
