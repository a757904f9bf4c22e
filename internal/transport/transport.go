// Package transport defines the narrow operation vocabulary the execution
// engine uses to talk to an exchange, and the notification stream it
// receives back. Concrete implementations (internal/transport/rest) are
// external collaborators the core never imports directly.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/pkg/types"
)

// ErrUnsupported is returned by Amend when the venue has no native amend
// operation; callers fall back to cancel-then-place.
var ErrUnsupported = errors.New("operation not supported by this transport")

// FailureKind classifies a transport error for retry policy decisions.
type FailureKind string

const (
	FailureNetwork  FailureKind = "NETWORK"
	FailureRejected FailureKind = "REJECTED"
	FailureInvalid  FailureKind = "INVALID"
	FailureNotFound FailureKind = "NOT_FOUND"
)

// Error wraps a transport failure with its classification so retry policy
// can be expressed as a pure function of (kind, retry_count).
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether this failure kind should be retried by the
// execution engine's bounded backoff policy.
func (e *Error) Retryable() bool { return e.Kind == FailureNetwork }

// PlaceRequest is the input to Place.
type PlaceRequest struct {
	Symbol   string
	Side     types.Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	ClientID string // mm_<epoch_ms>_<rand4>, or modify_<old_local_id>_<epoch_ms> for replacements
}

// AmendRequest is the input to Amend.
type AmendRequest struct {
	Symbol   string
	RemoteID types.RemoteID
	NewPrice *decimal.Decimal
	NewQty   *decimal.Decimal
}

// OrderSnapshot is the result of a Status query.
type OrderSnapshot struct {
	RemoteID  types.RemoteID
	State     string
	QtyFilled decimal.Decimal
}

// NotificationKind identifies an unsolicited transport push.
type NotificationKind string

const (
	NotificationFill   NotificationKind = "fill"
	NotificationCancel NotificationKind = "cancel"
	NotificationExpire NotificationKind = "expire"
	NotificationReject NotificationKind = "reject"
)

// Notification is an unsolicited push correlated by RemoteID, falling
// back to ClientID when the remote id is not yet known to the caller.
type Notification struct {
	Kind      NotificationKind
	RemoteID  types.RemoteID
	ClientID  string
	FilledQty decimal.Decimal
	At        time.Time
}

// Transport is the exchange operation vocabulary the execution engine
// consumes. The core never depends on a concrete implementation.
type Transport interface {
	Place(ctx context.Context, req PlaceRequest) (types.RemoteID, error)
	Cancel(ctx context.Context, symbol string, remoteID types.RemoteID) error
	Amend(ctx context.Context, req AmendRequest) error // may return ErrUnsupported
	Status(ctx context.Context, symbol string, remoteID types.RemoteID) (OrderSnapshot, error)
	Notifications() <-chan Notification
}
