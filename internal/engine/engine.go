// Package engine wires every component into a single running system for
// one symbol: event bus, order manager, price engine, strategy engine,
// execution engine, and risk controller, plus the feed and transport that
// connect it to the exchange. The engine holds no remote state across
// restarts; it begins empty and builds its book from scratch.
package engine

import (
	"context"
	"log/slog"
	"strings"

	"marketmaker/internal/config"
	"marketmaker/internal/eventbus"
	"marketmaker/internal/execution"
	"marketmaker/internal/feed"
	"marketmaker/internal/orders"
	"marketmaker/internal/priceengine"
	"marketmaker/internal/ratelimit"
	"marketmaker/internal/risk"
	"marketmaker/internal/strategy"
	"marketmaker/internal/transport"
	"marketmaker/pkg/types"
)

const eventBusWorkerCount = 4

// Engine owns the lifecycle of every component for one symbol.
type Engine struct {
	logger *slog.Logger
	cfg    *config.Config

	bus      *eventbus.Bus
	orderMgr *orders.Manager
	priceEng *priceengine.Engine
	strat    *strategy.Strategy
	execEng  *execution.Engine
	riskCtl  *risk.Controller
	feedSrc  feed.Source
}

// New builds every component from cfg, wiring them to transport tp and
// feed source src.
func New(logger *slog.Logger, cfg *config.Config, tp transport.Transport, src feed.Source) *Engine {
	bus := eventbus.New(logger, 10000)

	orderMgr := orders.New(logger, orders.Config{
		ResetInterval:           cfg.OrderMgr.ResetIntervalDuration(),
		CleanupInterval:         cfg.OrderMgr.CleanupIntervalDuration(),
		MaxPendingModifications: cfg.OrderMgr.MaxPendingModifications,
		ModificationTimeout:     cfg.OrderMgr.ModificationTimeoutDuration(),
	})

	priceEng := priceengine.New(logger, priceengine.Method(strings.ToUpper(cfg.PriceEngine.Method)), cfg.PriceEngine.WindowSize)

	strat := strategy.New(strategy.Config{
		Symbol:              cfg.Strategy.Symbol,
		MinSpread:           cfg.Strategy.MinSpread,
		MaxSpread:           cfg.Strategy.MaxSpread,
		MinOrderValue:       cfg.Strategy.MinOrderValue,
		TargetOrdersPerSide: cfg.Strategy.TargetOrdersPerSide,
		DriftThreshold:      cfg.Strategy.DriftThreshold,
		ModifyThreshold:     cfg.Strategy.ModifyThreshold,
		MaxModifyDeviation:  cfg.Strategy.MaxModifyDeviation,
	})

	placeRL := ratelimit.New(cfg.Execution.RateLimit)
	modifyRL := ratelimit.New(cfg.Execution.ModifyRateLimit)
	execEng := execution.New(logger, execution.Config{
		WorkerCount:       cfg.Execution.WorkerCount,
		ModifyWorkerCount: cfg.Execution.ModifyWorkerCount,
		MaxRetries:        cfg.Execution.MaxRetries,
		RetryDelay:        cfg.Execution.RetryDelayDuration(),
	}, cfg.Strategy.Symbol, tp, orderMgr, bus, placeRL, modifyRL)

	riskCtl := risk.New(logger, risk.Config{
		MaxPosition:    cfg.Risk.MaxPosition,
		MaxOrderCount:  cfg.Risk.MaxOrderCount,
		MaxDailyLoss:   cfg.Risk.MaxDailyLoss,
		MaxPriceChange: cfg.Risk.MaxPriceChange,
		CheckInterval:  cfg.Risk.CheckIntervalDuration(),
	}, orderMgr, bus)

	return &Engine{
		logger:   logger.With("component", "engine"),
		cfg:      cfg,
		bus:      bus,
		orderMgr: orderMgr,
		priceEng: priceEng,
		strat:    strat,
		execEng:  execEng,
		riskCtl:  riskCtl,
		feedSrc:  src,
	}
}

// Start subscribes every component to the bus, launches the bus's
// dispatch workers, the execution engine's worker pools, the order
// manager's periodic reset, the risk controller's check loop, and the
// feed. It returns once everything is running; callers select on ctx.Done
// or their own shutdown signal.
func (e *Engine) Start(ctx context.Context) {
	e.wireHandlers(ctx)

	e.bus.Start(ctx, eventBusWorkerCount)
	e.execEng.Start(ctx)
	go e.orderMgr.RunPeriodicReset(ctx, e.publishReset)
	go e.riskCtl.Run(ctx)
	go e.runFeed(ctx)
}

// Stop waits for the execution workers to exit, which they do once the
// context passed to Start is cancelled, then stops the bus; events still
// queued on the bus are not delivered.
func (e *Engine) Stop() {
	e.execEng.Wait()
	e.bus.Stop()
}

func (e *Engine) wireHandlers(ctx context.Context) {
	e.bus.Subscribe(types.TopicOrderDecision, func(evt types.Event) {
		p, ok := evt.Payload.(types.OrderDecisionPayload)
		if !ok {
			return
		}
		e.execEng.HandleDecision(ctx, p)
	})

	e.bus.Subscribe(types.TopicOrderReset, func(evt types.Event) {
		p, ok := evt.Payload.(types.OrderResetPayload)
		if !ok {
			return
		}
		e.execEng.HandleReset(ctx, p)
	})

	e.bus.Subscribe(types.TopicEmergencyStop, func(evt types.Event) {
		p, ok := evt.Payload.(types.EmergencyStopPayload)
		if !ok {
			return
		}
		e.execEng.HandleEmergencyStop(ctx, p)
	})

	e.bus.Subscribe(types.TopicCancelAll, func(evt types.Event) {
		p, ok := evt.Payload.(types.CancelAllPayload)
		if !ok {
			return
		}
		e.execEng.HandleCancelAll(ctx, p)
	})

	e.bus.Subscribe(types.TopicOrderFill, func(evt types.Event) {
		p, ok := evt.Payload.(types.OrderFillPayload)
		if !ok {
			return
		}
		qty, _ := p.FilledQty.Float64()
		price, _ := p.Price.Float64()
		e.riskCtl.OnFill(ctx, p.Side, qty, price)
	})
}

// publishReset is handed to the order manager's periodic reset loop; it
// publishes the OrderReset event the execution engine consumes.
func (e *Engine) publishReset(ctx context.Context, ids []types.LocalID) {
	_ = e.bus.Publish(ctx, types.Event{Topic: types.TopicOrderReset, Payload: types.OrderResetPayload{Reason: types.ResetPeriodic, LocalIDs: ids}})
}

// runFeed drives samples into the price engine, which publishes a
// PriceTick per sample; each tick in turn drives one strategy evaluation.
func (e *Engine) runFeed(ctx context.Context) {
	go func() {
		if err := e.feedSrc.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("feed terminated", "error", err)
		}
	}()

	type tickEvent struct {
		tick   types.PriceTick
		corrID string
	}

	// Capacity-1 conflation: when the strategy is busy, a newer tick
	// replaces the waiting one rather than queueing behind it.
	ticks := make(chan tickEvent, 1)
	e.bus.Subscribe(types.TopicPriceTick, func(evt types.Event) {
		p, ok := evt.Payload.(types.PriceTick)
		if !ok {
			return
		}
		priceFloat, _ := p.ReferencePrice.Float64()
		e.riskCtl.OnPriceTick(ctx, priceFloat)
		te := tickEvent{tick: p, corrID: evt.CorrelationID}
		for {
			select {
			case ticks <- te:
				return
			default:
			}
			select {
			case <-ticks:
			default:
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-e.feedSrc.Samples():
			if err := e.priceEng.OnSample(ctx, e.bus, s); err != nil && ctx.Err() == nil {
				e.logger.Error("price engine publish failed", "error", err)
			}
		case te := <-ticks:
			if err := e.strat.Run(ctx, e.orderMgr, e.bus, te.tick, te.corrID); err != nil && ctx.Err() == nil {
				e.logger.Error("strategy run failed", "error", err)
			}
		}
	}
}
