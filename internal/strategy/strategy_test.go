package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"marketmaker/pkg/types"
)

func baseConfig() Config {
	return Config{
		Symbol:              "BTC-USD",
		MinSpread:           0.002,
		MaxSpread:           0.004,
		MinOrderValue:       10000,
		TargetOrdersPerSide: 1,
		DriftThreshold:      0.005,
		ModifyThreshold:     0.003,
		MaxModifyDeviation:  0.01,
	}
}

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

// S1 — happy place: no live orders, expect one BID and one ASK place at
// the cautious-interior price.
func TestS1HappyPlace(t *testing.T) {
	s := NewWithRand(baseConfig(), fixedRand(0.5)) // jitter midpoint, factor 1.0
	tick := types.PriceTick{ReferencePrice: decimal.NewFromInt(50000)}

	decisions := s.Evaluate(tick, nil)
	if len(decisions) != 2 {
		t.Fatalf("expected 2 place decisions, got %d", len(decisions))
	}

	var bid, ask *Decision
	for i := range decisions {
		d := &decisions[i]
		if d.Kind != types.DecisionPlace {
			t.Fatalf("expected PLACE decisions, got %s", d.Kind)
		}
		switch d.Side {
		case types.Bid:
			bid = d
		case types.Ask:
			ask = d
		}
	}
	if bid == nil || ask == nil {
		t.Fatal("expected one bid and one ask place decision")
	}

	wantBid := decimal.NewFromFloat(49840)
	wantAsk := decimal.NewFromFloat(50160)
	if !bid.Price.Equal(wantBid) {
		t.Fatalf("expected bid price %s, got %s", wantBid, bid.Price)
	}
	if !ask.Price.Equal(wantAsk) {
		t.Fatalf("expected ask price %s, got %s", wantAsk, ask.Price)
	}

	minValue := decimal.NewFromFloat(10000)
	if bid.Qty.Mul(bid.Price).LessThan(minValue) {
		t.Fatalf("bid notional %s below min_order_value", bid.Qty.Mul(bid.Price))
	}
	if ask.Qty.Mul(ask.Price).LessThan(minValue) {
		t.Fatalf("ask notional %s below min_order_value", ask.Qty.Mul(ask.Price))
	}
}

// S2 — drift-triggered modify.
func TestS2DriftTriggeredModify(t *testing.T) {
	s := New(baseConfig())
	live := []types.Order{
		{LocalID: "o1", Side: types.Bid, Price: decimal.NewFromInt(49800), State: types.Active},
		{LocalID: "o2", Side: types.Ask, Price: decimal.NewFromInt(50160), State: types.Active},
	}

	// First: P=50000, bid dev=0.004 -> kept (not above drift, not below
	// 0.8*min_spread); the ask is kept too.
	decisions := s.Evaluate(types.PriceTick{ReferencePrice: decimal.NewFromInt(50000)}, live)
	if len(decisions) != 0 {
		t.Fatalf("expected orders kept (no decisions), got %+v", decisions)
	}

	// Then: P=50300, bid dev≈0.00994 -> modify to 50300*(1-0.0032); the
	// ask (dev≈0.0028) is still kept.
	decisions = s.Evaluate(types.PriceTick{ReferencePrice: decimal.NewFromFloat(50300)}, live)
	if len(decisions) != 1 || decisions[0].Kind != types.DecisionModify {
		t.Fatalf("expected 1 modify decision, got %+v", decisions)
	}
	want := decimal.NewFromFloat(50300).Mul(decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(0.0032)))
	if !decisions[0].NewPrice.Round(2).Equal(want.Round(2)) {
		t.Fatalf("expected modify target %s, got %s", want, *decisions[0].NewPrice)
	}
}

// S3 — drift-triggered cancel, followed by a place on the next
// evaluation. The cancelled bid still counts toward the bid need on the
// tick that cancels it, so its replacement only appears once the cancel
// has taken effect and the order has left the live snapshot.
func TestS3DriftTriggeredCancel(t *testing.T) {
	s := NewWithRand(baseConfig(), fixedRand(0.5))
	bid := types.Order{LocalID: "o1", Side: types.Bid, Price: decimal.NewFromInt(49000), State: types.Active}
	ask := types.Order{LocalID: "o2", Side: types.Ask, Price: decimal.NewFromInt(50160), State: types.Active}

	decisions := s.Evaluate(types.PriceTick{ReferencePrice: decimal.NewFromInt(50000)}, []types.Order{bid, ask})
	if len(decisions) != 1 || decisions[0].Kind != types.DecisionCancel || decisions[0].LocalID != "o1" {
		t.Fatalf("expected exactly 1 cancel decision for o1, got %+v", decisions)
	}

	// Next evaluation: the bid is gone, the ask still rests.
	decisions = s.Evaluate(types.PriceTick{ReferencePrice: decimal.NewFromInt(50000)}, []types.Order{ask})
	if len(decisions) != 1 {
		t.Fatalf("expected exactly 1 decision on the next evaluation, got %+v", decisions)
	}
	d := decisions[0]
	if d.Kind != types.DecisionPlace || d.Side != types.Bid {
		t.Fatalf("expected a BID place decision, got %+v", d)
	}
	want := decimal.NewFromFloat(49840)
	if !d.Price.Equal(want) {
		t.Fatalf("expected bid place at %s, got %s", want, d.Price)
	}
}

func TestCancelTieBreakDescendingDeviation(t *testing.T) {
	s := New(baseConfig())
	live := []types.Order{
		{LocalID: "far", Side: types.Bid, Price: decimal.NewFromInt(48000), State: types.Active},  // dev 0.04
		{LocalID: "near", Side: types.Bid, Price: decimal.NewFromInt(49000), State: types.Active}, // dev 0.02
	}
	decisions := s.Evaluate(types.PriceTick{ReferencePrice: decimal.NewFromInt(50000)}, live)

	var cancels []Decision
	for _, d := range decisions {
		if d.Kind == types.DecisionCancel {
			cancels = append(cancels, d)
		}
	}
	if len(cancels) != 2 {
		t.Fatalf("expected 2 cancels, got %d", len(cancels))
	}
	if cancels[0].LocalID != "far" || cancels[1].LocalID != "near" {
		t.Fatalf("expected descending-deviation order [far, near], got [%s, %s]", cancels[0].LocalID, cancels[1].LocalID)
	}
}

func TestQuantityClampsToMinOrderValue(t *testing.T) {
	cfg := baseConfig()
	s := NewWithRand(cfg, fixedRand(0.0)) // minimum jitter factor 0.95, should still clamp if needed
	price := decimal.NewFromInt(1)
	q := s.sizeQty(price)
	if q.Mul(price).LessThan(decimal.NewFromFloat(cfg.MinOrderValue)) {
		t.Fatalf("expected clamped notional >= min_order_value, got %s", q.Mul(price))
	}
}
