// Package types holds the shared vocabulary used across every component:
// orders, sides, states, price ticks, and the event envelope. Nothing in
// this package mutates shared state; it is pure data.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is which side of the book an order rests on.
type Side string

const (
	Bid Side = "BID"
	Ask Side = "ASK"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// OrderState is a node in the order lifecycle finite state machine.
type OrderState string

const (
	PendingNew      OrderState = "PENDING_NEW"
	Active          OrderState = "ACTIVE"
	PartiallyFilled OrderState = "PARTIALLY_FILLED"
	PendingModify   OrderState = "PENDING_MODIFY"
	PendingCancel   OrderState = "PENDING_CANCEL"
	Filled          OrderState = "FILLED"
	Cancelled       OrderState = "CANCELLED"
	Rejected        OrderState = "REJECTED"
	Expired         OrderState = "EXPIRED"
)

// Terminal reports whether state is absorbing.
func (s OrderState) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Expired:
		return true
	default:
		return false
	}
}

// Live reports whether an order in this state counts toward query_live.
func (s OrderState) Live() bool {
	switch s {
	case Active, PartiallyFilled, PendingModify:
		return true
	default:
		return false
	}
}

// LocalID is an engine-generated order identifier, assigned before any
// network call. Distinct type from RemoteID so the two can never be
// accidentally interchanged at a call site.
type LocalID string

// RemoteID is the exchange-assigned identifier, absent until the first
// acknowledgement.
type RemoteID string

// Order is the unit of exchange interaction. All mutation is owned by the
// order manager; every other component only ever reads a copy returned
// from a query operation.
type Order struct {
	LocalID     LocalID
	RemoteID    RemoteID // empty until first ack
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	QtyTotal    decimal.Decimal
	QtyFilled   decimal.Decimal
	State       OrderState
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastEventAt time.Time
}

// QtyOpen is qty_total - qty_filled.
func (o Order) QtyOpen() decimal.Decimal {
	return o.QtyTotal.Sub(o.QtyFilled)
}

// IsLive reports whether the order is in a live state.
func (o Order) IsLive() bool {
	return o.State.Live()
}

// Clone returns a value copy safe to hand to a reader outside the lock.
func (o Order) Clone() Order {
	return o
}

// ModifyRequest tracks an in-flight amend for a single local id. At most
// one exists per local id at any time.
type ModifyRequest struct {
	LocalID     LocalID
	NewPrice    *decimal.Decimal
	NewQty      *decimal.Decimal
	SubmittedAt time.Time
}

// PriceTick is a reference-price estimate emitted by the price engine.
// Never stored; consumed and discarded.
type PriceTick struct {
	ReferencePrice decimal.Decimal
	ChangeFromPrev float64
	Confidence     float64
	EmittedAt      time.Time
}

// Sample is a single raw quote pushed by the market-data adapter.
type Sample struct {
	Timestamp time.Time
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	LastPrice *decimal.Decimal
	LastQty   *decimal.Decimal
	TradeSide *Side
}

// Mid returns the midpoint of bid/ask.
func (s Sample) Mid() decimal.Decimal {
	return s.Bid.Add(s.Ask).Div(decimal.NewFromInt(2))
}
