// Package strategy implements the per-tick decision engine: for every
// reference-price tick it decides whether each resting order should be
// kept, modified, or cancelled, and how many new orders must be placed to
// reach target_orders_per_side. It is stateless across ticks; every
// decision is re-derived from the current order snapshot, so a missed or
// conflated tick costs nothing.
package strategy

import (
	"context"
	"math/rand/v2"
	"sort"

	"github.com/shopspring/decimal"

	"marketmaker/pkg/types"
)

// Config holds the tunable thresholds from the configuration surface.
type Config struct {
	Symbol              string
	MinSpread           float64
	MaxSpread           float64
	MinOrderValue       float64
	TargetOrdersPerSide int
	DriftThreshold      float64
	ModifyThreshold     float64
	MaxModifyDeviation  float64
}

// Decision is one action the execution engine must carry out.
type Decision struct {
	Kind     types.DecisionKind
	LocalID  types.LocalID // empty for PLACE
	Side     types.Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	NewPrice *decimal.Decimal
	NewQty   *decimal.Decimal
	Priority int
}

// Priorities, lower value dispatched first by the execution engine.
const (
	PriorityEmergencyCancel = 0
	PriorityResetCancel     = 1
	PriorityStrategyCancel  = 1
	PriorityModify          = 3
	PriorityPlace           = 5
)

// OrderQuerier is the read-only view the strategy needs from the order
// manager.
type OrderQuerier interface {
	QueryLive(side *types.Side) []types.Order
}

// Publisher is the narrow bus dependency the strategy needs.
type Publisher interface {
	Publish(ctx context.Context, evt types.Event) error
}

// Strategy evaluates PriceTicks against the live order snapshot.
type Strategy struct {
	cfg  Config
	rand func() float64 // returns a uniform value in [0, 1); overridable for deterministic tests
}

// New builds a Strategy using the default top-level random source.
func New(cfg Config) *Strategy {
	return &Strategy{cfg: cfg, rand: rand.Float64}
}

// NewWithRand builds a Strategy with an injected random source, for
// deterministic tests of the [0.95, 1.05] quantity jitter.
func NewWithRand(cfg Config, randFn func() float64) *Strategy {
	return &Strategy{cfg: cfg, rand: randFn}
}

// OptimalPrice returns the cautious-interior price on side s for
// reference price p.
func (s *Strategy) OptimalPrice(p decimal.Decimal, side types.Side) decimal.Decimal {
	factor := decimal.NewFromFloat(0.8 * s.cfg.MaxSpread)
	if side == types.Bid {
		return p.Mul(decimal.NewFromInt(1).Sub(factor))
	}
	return p.Mul(decimal.NewFromInt(1).Add(factor))
}

type classified struct {
	order types.Order
	dev   float64
	kind  string // "keep", "modify", "cancel"
}

// Evaluate classifies every live order against the new reference price
// and returns the decisions to emit, in priority order: modifies first,
// cancels second (descending deviation among cancel candidates), places
// last.
func (s *Strategy) Evaluate(tick types.PriceTick, live []types.Order) []Decision {
	p := tick.ReferencePrice
	if p.IsZero() {
		return nil
	}

	var items []classified
	for _, o := range live {
		diff := o.Price.Sub(p).Abs()
		dev, _ := diff.Div(p).Float64()
		items = append(items, classified{order: o, dev: dev, kind: s.classify(dev)})
	}

	// Need counts are taken against the full live snapshot, cancels
	// included: a cancelled order's replacement is placed on the next
	// evaluation, once the cancel has actually taken effect.
	liveBySide := map[types.Side]int{types.Bid: 0, types.Ask: 0}
	var modifies, cancels []classified
	for _, it := range items {
		liveBySide[it.order.Side]++
		switch it.kind {
		case "modify":
			modifies = append(modifies, it)
		case "cancel":
			cancels = append(cancels, it)
		}
	}

	sort.SliceStable(cancels, func(i, j int) bool { return cancels[i].dev > cancels[j].dev })

	needBid := max(0, s.cfg.TargetOrdersPerSide-liveBySide[types.Bid])
	needAsk := max(0, s.cfg.TargetOrdersPerSide-liveBySide[types.Ask])

	var decisions []Decision
	for _, it := range modifies {
		newPrice := s.OptimalPrice(p, it.order.Side)
		decisions = append(decisions, Decision{
			Kind:     types.DecisionModify,
			LocalID:  it.order.LocalID,
			Side:     it.order.Side,
			NewPrice: &newPrice,
			Priority: PriorityModify,
		})
	}
	for _, it := range cancels {
		decisions = append(decisions, Decision{
			Kind:     types.DecisionCancel,
			LocalID:  it.order.LocalID,
			Side:     it.order.Side,
			Priority: PriorityStrategyCancel,
		})
	}
	for i := 0; i < needBid; i++ {
		decisions = append(decisions, s.placeDecision(p, types.Bid))
	}
	for i := 0; i < needAsk; i++ {
		decisions = append(decisions, s.placeDecision(p, types.Ask))
	}

	return decisions
}

func (s *Strategy) placeDecision(p decimal.Decimal, side types.Side) Decision {
	optimal := s.OptimalPrice(p, side)
	qty := s.sizeQty(optimal)
	return Decision{
		Kind:     types.DecisionPlace,
		Side:     side,
		Price:    optimal,
		Qty:      qty,
		Priority: PriorityPlace,
	}
}

// qtyTickPlaces is the quantity precision orders are sized at.
const qtyTickPlaces = 8

// sizeQty computes q = min_order_value / price, jittered by a uniform
// factor in [0.95, 1.05], clamped upward to the next quantity tick if the
// jitter would push qty*price below min_order_value.
func (s *Strategy) sizeQty(price decimal.Decimal) decimal.Decimal {
	minValue := decimal.NewFromFloat(s.cfg.MinOrderValue)
	base := minValue.Div(price)

	jitter := 0.95 + s.rand()*0.10
	q := base.Mul(decimal.NewFromFloat(jitter)).RoundCeil(qtyTickPlaces)

	if q.Mul(price).LessThan(minValue) {
		q = minValue.Div(price).RoundCeil(qtyTickPlaces)
	}
	return q
}

// classify maps a single order's deviation from the new reference price
// to an action: modify when drifted but still within reach, cancel when
// too far gone or too close to mid to be worth keeping, keep otherwise.
func (s *Strategy) classify(dev float64) string {
	switch {
	case dev > s.cfg.DriftThreshold && dev <= s.cfg.MaxModifyDeviation:
		return "modify"
	case dev > s.cfg.MaxModifyDeviation:
		return "cancel"
	case dev < 0.8*s.cfg.MinSpread:
		if dev >= s.cfg.ModifyThreshold {
			return "modify"
		}
		return "cancel"
	default:
		return "keep"
	}
}

// Run evaluates one tick against the current order snapshot and publishes
// the resulting OrderDecision events, propagating the correlation id of
// the triggering tick onto every decision derived from it.
func (s *Strategy) Run(ctx context.Context, orders OrderQuerier, bus Publisher, tick types.PriceTick, correlationID string) error {
	live := orders.QueryLive(nil)
	decisions := s.Evaluate(tick, live)
	for _, d := range decisions {
		payload := types.OrderDecisionPayload{
			Kind:     d.Kind,
			LocalID:  d.LocalID,
			Side:     d.Side,
			Price:    d.Price,
			Qty:      d.Qty,
			NewPrice: d.NewPrice,
			NewQty:   d.NewQty,
			Priority: d.Priority,
		}
		evt := types.Event{Topic: types.TopicOrderDecision, Payload: payload, CorrelationID: correlationID}
		if err := bus.Publish(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}
