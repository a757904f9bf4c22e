// Package risk implements the risk controller: it watches position,
// price volatility, order count, and daily PnL, and on a breach emits a
// RiskWarning. Position-limit and daily-loss breaches are followed by an
// EmergencyStop that cancels every live order; volatility and order-count
// breaches only warn. The stop latch is one-way for the lifetime of the
// process.
package risk

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"marketmaker/internal/ids"
	"marketmaker/pkg/types"
)

// Config holds the risk tunables from the configuration surface.
type Config struct {
	MaxPosition    float64
	MaxOrderCount  int
	MaxDailyLoss   float64
	MaxPriceChange float64
	CheckInterval  time.Duration
}

// OrderCounter reports the lifetime number of orders placed.
type OrderCounter interface {
	PlaceCount() int64
}

// Publisher is the narrow bus dependency the risk controller needs.
type Publisher interface {
	Publish(ctx context.Context, evt types.Event) error
}

// Controller is the risk controller (C7).
type Controller struct {
	logger *slog.Logger
	cfg    Config
	orders OrderCounter
	bus    Publisher

	mu           sync.Mutex
	position     float64
	avgEntry     float64
	prevPrice    float64
	hasPrevPrice bool
	realizedPnL  float64
	unrealized   float64
	stopped      bool
}

// New builds a risk controller.
func New(logger *slog.Logger, cfg Config, orders OrderCounter, bus Publisher) *Controller {
	return &Controller{
		logger: logger.With("component", "risk"),
		cfg:    cfg,
		orders: orders,
		bus:    bus,
	}
}

// OnFill folds one fill into the running position, incrementally on every
// fill, partial or full. A fill that reduces or flips the position
// realizes PnL against the average entry price.
func (c *Controller) OnFill(ctx context.Context, side types.Side, qty, price float64) {
	signed := qty
	if side == types.Ask {
		signed = -qty
	}

	c.mu.Lock()
	c.applyFillLocked(signed, price)
	pos := c.position
	pnl := c.realizedPnL + c.unrealized
	c.mu.Unlock()

	if math.Abs(pos) > c.cfg.MaxPosition {
		c.emit(ctx, types.RiskPositionLimitExceeded, types.SeverityHigh, "position limit exceeded")
		c.triggerEmergencyStop(ctx, "position limit exceeded")
	}
	c.checkDailyLoss(ctx, pnl)
}

// applyFillLocked is average-cost position accounting. Caller holds c.mu.
func (c *Controller) applyFillLocked(signedQty, price float64) {
	pos := c.position
	extending := pos == 0 || (pos > 0) == (signedQty > 0)
	if extending {
		total := pos + signedQty
		if total != 0 {
			c.avgEntry = (c.avgEntry*pos + price*signedQty) / total
		}
		c.position = total
		return
	}

	closing := math.Min(math.Abs(signedQty), math.Abs(pos))
	if pos > 0 {
		c.realizedPnL += closing * (price - c.avgEntry)
	} else {
		c.realizedPnL += closing * (c.avgEntry - price)
	}
	c.position = pos + signedQty
	if c.position == 0 {
		c.avgEntry = 0
	} else if (c.position > 0) != (pos > 0) {
		// Flipped through zero: the remainder opens at the fill price.
		c.avgEntry = price
	}
}

// OnRealizedPnL folds an externally-computed gain or loss (fees, funding)
// into the running daily total and checks the daily-loss rule.
func (c *Controller) OnRealizedPnL(ctx context.Context, delta float64) {
	c.mu.Lock()
	c.realizedPnL += delta
	pnl := c.realizedPnL + c.unrealized
	c.mu.Unlock()

	c.checkDailyLoss(ctx, pnl)
}

// OnPriceTick updates the rolling price anchor and the unrealized PnL of
// the open position, then checks the volatility and daily-loss rules.
func (c *Controller) OnPriceTick(ctx context.Context, price float64) {
	c.mu.Lock()
	prev := c.prevPrice
	hadPrev := c.hasPrevPrice
	c.prevPrice = price
	c.hasPrevPrice = true
	if c.position != 0 {
		c.unrealized = c.position * (price - c.avgEntry)
	} else {
		c.unrealized = 0
	}
	pnl := c.realizedPnL + c.unrealized
	c.mu.Unlock()

	c.checkDailyLoss(ctx, pnl)

	if !hadPrev || prev == 0 {
		return
	}
	change := math.Abs((price - prev) / prev)
	if c.cfg.MaxPriceChange > 0 && change > c.cfg.MaxPriceChange {
		c.emit(ctx, types.RiskPriceVolatilityHigh, types.SeverityHigh, "price volatility high")
	}
}

func (c *Controller) checkDailyLoss(ctx context.Context, pnl float64) {
	if c.cfg.MaxDailyLoss > 0 && pnl < -c.cfg.MaxDailyLoss {
		c.emit(ctx, types.RiskDailyLossExceeded, types.SeverityHigh, "daily loss limit exceeded")
		c.triggerEmergencyStop(ctx, "daily loss limit exceeded")
	}
}

// Check runs the order-count rule; called on the periodic check
// interval since the count only grows monotonically and doesn't need a
// dedicated trigger.
func (c *Controller) Check(ctx context.Context) {
	if c.orders.PlaceCount() > int64(c.cfg.MaxOrderCount) {
		c.emit(ctx, types.RiskOrderCountExceeded, types.SeverityMedium, "order count exceeded")
	}
}

// Run blocks until ctx is cancelled, invoking Check every CheckInterval.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

func (c *Controller) emit(ctx context.Context, kind types.RiskKind, severity types.RiskSeverity, detail string) {
	c.logger.Warn("risk warning", "kind", kind, "severity", severity, "detail", detail)
	_ = c.bus.Publish(ctx, types.Event{Topic: types.TopicRiskWarning, Payload: types.RiskWarningPayload{Kind: kind, Severity: severity, Detail: detail}})
}

// triggerEmergencyStop is idempotent: once engaged it suppresses all
// subsequent attempts until an explicit reset, which this engine does not
// implement (Resume is out of scope).
func (c *Controller) triggerEmergencyStop(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Error("emergency stop engaged", "reason", reason)
	// One correlation id across both events keeps them on one dispatch
	// shard, so the stop is dispatched before the cancel broadcast. The
	// execution engine tolerates either handler finishing first: cancel
	// tasks survive its queue drain.
	corr := ids.CorrelationID()
	_ = c.bus.Publish(ctx, types.Event{Topic: types.TopicEmergencyStop, CorrelationID: corr, Payload: types.EmergencyStopPayload{Reason: reason}})
	_ = c.bus.Publish(ctx, types.Event{Topic: types.TopicCancelAll, CorrelationID: corr, Payload: types.CancelAllPayload{}})
}

// Position returns the current tracked position for observability/tests.
func (c *Controller) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// DailyPnL returns realized plus unrealized PnL accumulated since the
// controller was built; there is no daily rollover.
func (c *Controller) DailyPnL() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realizedPnL + c.unrealized
}
