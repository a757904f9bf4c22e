// Package priceengine computes a smoothed reference price from raw
// market-data samples using a rolling time-weighted, volume-weighted, or
// hybrid estimator, and emits PriceTick events for the strategy engine.
package priceengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/pkg/types"
)

// Method selects the estimator.
type Method string

const (
	TWAP   Method = "TWAP"
	VWAP   Method = "VWAP"
	Hybrid Method = "HYBRID"
)

const defaultConfidence = 0.95

type trade struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// Engine buffers up to window samples in a fixed-size ring and emits a
// new PriceTick for every input sample.
type Engine struct {
	logger *slog.Logger
	method Method
	window int

	mu       sync.Mutex
	mids     []decimal.Decimal // ring of mid-prices
	trades   []trade           // ring of (price, vol) trades
	prevTick decimal.Decimal
	hasPrev  bool
}

// New builds a price engine with the given method and window size.
func New(logger *slog.Logger, method Method, window int) *Engine {
	if window <= 0 {
		window = 20
	}
	return &Engine{
		logger: logger.With("component", "price_engine"),
		method: method,
		window: window,
	}
}

// Publisher is satisfied by anything that can publish an event; kept
// narrow so the price engine does not depend on the full bus type.
type Publisher interface {
	Publish(ctx context.Context, evt types.Event) error
}

// OnSample consumes one raw market-data sample, updates the rolling
// buffers, computes a new reference price, and publishes a PriceTick.
func (e *Engine) OnSample(ctx context.Context, bus Publisher, s types.Sample) error {
	tick := e.compute(s)
	return bus.Publish(ctx, types.Event{Topic: types.TopicPriceTick, Payload: tick})
}

func (e *Engine) compute(s types.Sample) types.PriceTick {
	e.mu.Lock()
	defer e.mu.Unlock()

	mid := s.Mid()
	e.mids = pushRing(e.mids, mid, e.window)
	if s.LastPrice != nil && s.LastQty != nil {
		e.trades = pushTradeRing(e.trades, trade{price: *s.LastPrice, qty: *s.LastQty}, e.window)
	}

	var ref decimal.Decimal
	switch e.method {
	case TWAP:
		ref = twap(e.mids)
	case VWAP:
		ref = vwap(e.trades, mid)
	default: // HYBRID
		t := twap(e.mids)
		v := vwap(e.trades, mid)
		ref = t.Mul(decimal.NewFromFloat(0.6)).Add(v.Mul(decimal.NewFromFloat(0.4)))
	}

	var change float64
	if e.hasPrev && !e.prevTick.IsZero() {
		diff := ref.Sub(e.prevTick)
		change, _ = diff.Div(e.prevTick).Float64()
	}

	confidence := defaultConfidence
	if len(e.mids) < e.window {
		confidence *= float64(len(e.mids)) / float64(e.window)
	}

	e.prevTick = ref
	e.hasPrev = true

	return types.PriceTick{
		ReferencePrice: ref,
		ChangeFromPrev: change,
		Confidence:     confidence,
		EmittedAt:      time.Now(),
	}
}

func pushRing(ring []decimal.Decimal, v decimal.Decimal, window int) []decimal.Decimal {
	ring = append(ring, v)
	if len(ring) > window {
		ring = ring[len(ring)-window:]
	}
	return ring
}

func pushTradeRing(ring []trade, t trade, window int) []trade {
	ring = append(ring, t)
	if len(ring) > window {
		ring = ring[len(ring)-window:]
	}
	return ring
}

func twap(mids []decimal.Decimal) decimal.Decimal {
	if len(mids) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, m := range mids {
		sum = sum.Add(m)
	}
	return sum.Div(decimal.NewFromInt(int64(len(mids))))
}

func vwap(trades []trade, fallbackMid decimal.Decimal) decimal.Decimal {
	if len(trades) == 0 {
		return fallbackMid
	}
	numerator := decimal.Zero
	denominator := decimal.Zero
	for _, t := range trades {
		numerator = numerator.Add(t.price.Mul(t.qty))
		denominator = denominator.Add(t.qty)
	}
	if denominator.IsZero() {
		return fallbackMid
	}
	return numerator.Div(denominator)
}
