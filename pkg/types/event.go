package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Topic names every event kind the bus dispatches. One topic per event
// kind, statically dispatched — no string-keyed dynamic lookup.
type Topic string

const (
	TopicPriceTick       Topic = "price_tick"
	TopicOrderStatus     Topic = "order_status"
	TopicOrderReset      Topic = "order_reset"
	TopicModifyRequested Topic = "modify_requested"
	TopicModifySucceeded Topic = "modify_succeeded"
	TopicModifyFailed    Topic = "modify_failed"
	TopicCancelRequested Topic = "cancel_requested"
	TopicOrderDecision   Topic = "order_decision"
	TopicOrderFill       Topic = "order_fill"
	TopicRiskWarning     Topic = "risk_warning"
	TopicEmergencyStop   Topic = "emergency_stop"
	TopicCancelAll       Topic = "cancel_all_orders"
)

// Event is the envelope every component publishes and subscribes to.
// CorrelationID defaults to a fresh id and is propagated by components
// that chain events derived from the same trigger.
type Event struct {
	Topic         Topic
	Payload       any
	CorrelationID string
	Timestamp     time.Time
}

// DecisionKind is the action the strategy engine wants execution to take.
type DecisionKind string

const (
	DecisionPlace  DecisionKind = "PLACE"
	DecisionModify DecisionKind = "MODIFY"
	DecisionCancel DecisionKind = "CANCEL"
)

// ResetReason identifies why every live order is being force-cancelled.
type ResetReason string

const (
	ResetPeriodic  ResetReason = "PERIODIC"
	ResetEmergency ResetReason = "EMERGENCY"
)

// RiskKind names the invariant a RiskWarning reports on.
type RiskKind string

const (
	RiskPositionLimitExceeded RiskKind = "POSITION_LIMIT_EXCEEDED"
	RiskPriceVolatilityHigh   RiskKind = "PRICE_VOLATILITY_HIGH"
	RiskOrderCountExceeded    RiskKind = "ORDER_COUNT_EXCEEDED"
	RiskDailyLossExceeded     RiskKind = "DAILY_LOSS_EXCEEDED"
)

// RiskSeverity is how urgently a RiskWarning must be acted on.
type RiskSeverity string

const (
	SeverityMedium RiskSeverity = "MEDIUM"
	SeverityHigh   RiskSeverity = "HIGH"
)

// Payload types carried by Event.Payload.

type OrderStatusPayload struct {
	Order Order
	Prior OrderState
}

type OrderResetPayload struct {
	Reason   ResetReason
	LocalIDs []LocalID
}

type ModifyRequestedPayload struct {
	Request ModifyRequest
}

type ModifyResultPayload struct {
	LocalID LocalID
	Success bool
	Order   Order
}

type CancelRequestedPayload struct {
	LocalID LocalID
}

type OrderDecisionPayload struct {
	Kind     DecisionKind
	LocalID  LocalID // empty for PLACE
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	NewPrice *decimal.Decimal // MODIFY only
	NewQty   *decimal.Decimal // MODIFY only
	Priority int
}

type OrderFillPayload struct {
	RemoteID  RemoteID
	LocalID   LocalID
	Side      Side
	Price     decimal.Decimal
	FilledQty decimal.Decimal
}

type RiskWarningPayload struct {
	Kind     RiskKind
	Severity RiskSeverity
	Detail   string
}

type EmergencyStopPayload struct {
	Reason string
}

type CancelAllPayload struct {
	LocalIDs []LocalID
}
