package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/config"
	"marketmaker/internal/transport"
	"marketmaker/pkg/types"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeTransport struct {
	mu            sync.Mutex
	placed        []transport.PlaceRequest
	notifications chan transport.Notification
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notifications: make(chan transport.Notification, 16)}
}

func (f *fakeTransport) Place(_ context.Context, req transport.PlaceRequest) (types.RemoteID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return types.RemoteID("rem-" + req.ClientID), nil
}

func (f *fakeTransport) Cancel(_ context.Context, _ string, _ types.RemoteID) error { return nil }

func (f *fakeTransport) Amend(_ context.Context, _ transport.AmendRequest) error {
	return transport.ErrUnsupported
}

func (f *fakeTransport) Status(_ context.Context, _ string, _ types.RemoteID) (transport.OrderSnapshot, error) {
	return transport.OrderSnapshot{}, nil
}

func (f *fakeTransport) Notifications() <-chan transport.Notification { return f.notifications }

func (f *fakeTransport) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type fakeFeed struct{ ch chan types.Sample }

func (f *fakeFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeFeed) Samples() <-chan types.Sample { return f.ch }

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Symbol:              "BTC-USD",
			MinSpread:           0.002,
			MaxSpread:           0.004,
			MinOrderValue:       10000,
			TargetOrdersPerSide: 1,
			DriftThreshold:      0.005,
			ModifyThreshold:     0.003,
			MaxModifyDeviation:  0.01,
		},
		PriceEngine: config.PriceEngineConfig{Method: "TWAP", WindowSize: 1},
		Execution:   config.ExecutionConfig{WorkerCount: 2, ModifyWorkerCount: 1, MaxRetries: 2, RetryDelay: 0.01},
		Risk:        config.RiskConfig{MaxPosition: 100, MaxOrderCount: 1000, MaxDailyLoss: 1e9, MaxPriceChange: 1, CheckInterval: 1},
	}
}

// One sample through the whole pipeline: feed -> price engine -> strategy
// -> execution -> transport, ending with one resting order per side.
func TestSampleProducesTwoSidedQuotes(t *testing.T) {
	tp := newFakeTransport()
	feedSrc := &fakeFeed{ch: make(chan types.Sample, 1)}
	eng := New(testLogger(), testConfig(), tp, feedSrc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	feedSrc.ch <- types.Sample{
		Timestamp: time.Now(),
		Bid:       decimal.NewFromInt(49990),
		Ask:       decimal.NewFromInt(50010),
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tp.placeCount() == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := tp.placeCount(); got != 2 {
		t.Fatalf("expected 2 placements, got %d", got)
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	wantBid := decimal.NewFromFloat(49840)
	wantAsk := decimal.NewFromFloat(50160)
	for _, req := range tp.placed {
		switch req.Side {
		case types.Bid:
			if !req.Price.Equal(wantBid) {
				t.Fatalf("expected bid at %s, got %s", wantBid, req.Price)
			}
		case types.Ask:
			if !req.Price.Equal(wantAsk) {
				t.Fatalf("expected ask at %s, got %s", wantAsk, req.Price)
			}
		}
		if req.Qty.Mul(req.Price).LessThan(decimal.NewFromInt(10000)) {
			t.Fatalf("notional %s below min order value", req.Qty.Mul(req.Price))
		}
	}
}
