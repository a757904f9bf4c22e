package priceengine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"marketmaker/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureBus struct {
	ticks []types.PriceTick
}

func (c *captureBus) Publish(_ context.Context, evt types.Event) error {
	c.ticks = append(c.ticks, evt.Payload.(types.PriceTick))
	return nil
}

func sample(bid, ask float64) types.Sample {
	return types.Sample{
		Bid: decimal.NewFromFloat(bid),
		Ask: decimal.NewFromFloat(ask),
	}
}

func TestTWAPMeanOfMids(t *testing.T) {
	e := New(testLogger(), TWAP, 3)
	bus := &captureBus{}
	ctx := context.Background()

	e.OnSample(ctx, bus, sample(99, 101))  // mid 100
	e.OnSample(ctx, bus, sample(100, 102)) // mid 101
	e.OnSample(ctx, bus, sample(101, 103)) // mid 102

	last := bus.ticks[len(bus.ticks)-1]
	want := decimal.NewFromFloat(101)
	if !last.ReferencePrice.Equal(want) {
		t.Fatalf("expected TWAP %s, got %s", want, last.ReferencePrice)
	}
}

func TestConfidenceDegradesBelowWindow(t *testing.T) {
	e := New(testLogger(), TWAP, 10)
	bus := &captureBus{}
	ctx := context.Background()

	e.OnSample(ctx, bus, sample(99, 101))
	first := bus.ticks[0]
	if first.Confidence >= defaultConfidence {
		t.Fatalf("expected degraded confidence with 1/10 samples, got %f", first.Confidence)
	}
}

func TestVWAPFallsBackToMidWithoutTrades(t *testing.T) {
	e := New(testLogger(), VWAP, 5)
	bus := &captureBus{}
	ctx := context.Background()

	e.OnSample(ctx, bus, sample(99, 101))
	got := bus.ticks[0].ReferencePrice
	want := decimal.NewFromFloat(100)
	if !got.Equal(want) {
		t.Fatalf("expected fallback mid %s, got %s", want, got)
	}
}

func TestChangeFromPrevZeroOnFirstTick(t *testing.T) {
	e := New(testLogger(), TWAP, 5)
	bus := &captureBus{}
	ctx := context.Background()
	e.OnSample(ctx, bus, sample(99, 101))
	if bus.ticks[0].ChangeFromPrev != 0 {
		t.Fatalf("expected zero change on first tick, got %f", bus.ticks[0].ChangeFromPrev)
	}
}
