// Package execution dispatches strategy decisions to the exchange
// transport under a token-bucket rate limit, retries transient failures
// with bounded exponential backoff, and reconciles acknowledgements and
// unsolicited notifications back into the order manager. Work flows
// through two priority queues: places and cancels on the primary queue,
// amends on their own queue with a separate rate budget.
package execution

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"marketmaker/internal/orders"
	"marketmaker/internal/ratelimit"
	"marketmaker/internal/transport"
	"marketmaker/pkg/types"
)

// Publisher is the narrow bus dependency the execution engine needs.
type Publisher interface {
	Publish(ctx context.Context, evt types.Event) error
}

// Config holds the execution-engine tunables from the configuration
// surface.
type Config struct {
	WorkerCount       int
	ModifyWorkerCount int
	MaxRetries        int
	RetryDelay        time.Duration
}

// Engine is the execution engine (C6).
type Engine struct {
	logger    *slog.Logger
	cfg       Config
	symbol    string
	transport transport.Transport
	orderMgr  *orders.Manager
	bus       Publisher
	rateLimit *ratelimit.Limiter // place/cancel
	modifyRL  *ratelimit.Limiter

	mu        sync.Mutex
	cond      *sync.Cond
	primary   taskQueue
	modifyQ   taskQueue
	clientIDs map[string]types.LocalID // in-flight place client id -> local id, until ack
	stopped   bool

	wg sync.WaitGroup
}

// New builds an execution engine for the given symbol.
func New(logger *slog.Logger, cfg Config, symbol string, tp transport.Transport, orderMgr *orders.Manager, bus Publisher, rateLimit, modifyRL *ratelimit.Limiter) *Engine {
	e := &Engine{
		logger:    logger.With("component", "execution"),
		cfg:       cfg,
		symbol:    symbol,
		transport: tp,
		orderMgr:  orderMgr,
		bus:       bus,
		rateLimit: rateLimit,
		modifyRL:  modifyRL,
		clientIDs: make(map[string]types.LocalID),
	}
	e.cond = sync.NewCond(&e.mu)
	heap.Init(&e.primary)
	heap.Init(&e.modifyQ)
	return e
}

// Start launches the primary and modify worker pools, and the
// notification-reconciliation loop, then returns; the goroutines run until
// ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.WorkerCount; i++ {
		e.wg.Add(1)
		go e.primaryWorker(ctx)
	}
	for i := 0; i < e.cfg.ModifyWorkerCount; i++ {
		e.wg.Add(1)
		go e.modifyWorker(ctx)
	}
	e.wg.Add(1)
	go e.reconcileLoop(ctx)

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		e.cond.Broadcast() // wake blocked workers so they observe ctx.Done
		e.mu.Unlock()
	}()
}

// Wait blocks until every worker goroutine has returned.
func (e *Engine) Wait() { e.wg.Wait() }

// HandleDecision enqueues the work implied by one strategy decision.
// Place and modify decisions are rejected once an emergency stop has
// engaged; cancels are always accepted.
func (e *Engine) HandleDecision(_ context.Context, d types.OrderDecisionPayload) {
	switch d.Kind {
	case types.DecisionPlace:
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			e.logger.Warn("discarding place decision: emergency stop engaged")
			return
		}
		e.mu.Unlock()
		clientID := newClientID()
		t := &task{kind: taskPlace, side: d.Side, price: d.Price, qty: d.Qty, clientID: clientID, priority: d.Priority, enqueuedAt: time.Now()}
		e.mu.Lock()
		e.clientIDs[clientID] = "" // local id assigned by the manager inside the worker
		e.enqueuePrimaryLocked(t)
		e.mu.Unlock()

	case types.DecisionModify:
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			e.logger.Warn("discarding modify decision: emergency stop engaged", "local_id", d.LocalID)
			return
		}
		e.mu.Unlock()
		t := &task{kind: taskModify, localID: d.LocalID, newPrice: d.NewPrice, newQty: d.NewQty, priority: d.Priority, enqueuedAt: time.Now()}
		e.enqueueModify(t)

	case types.DecisionCancel:
		t := &task{kind: taskCancel, localID: d.LocalID, priority: d.Priority, enqueuedAt: time.Now()}
		e.enqueuePrimary(t)
	}
}

// HandleReset enumerates every live order named in the reset and enqueues
// a high-priority cancel per order.
func (e *Engine) HandleReset(_ context.Context, payload types.OrderResetPayload) {
	for _, id := range payload.LocalIDs {
		e.enqueuePrimary(&task{kind: taskCancel, localID: id, priority: 1, enqueuedAt: time.Now()})
	}
}

// HandleEmergencyStop drains the place and modify queues and engages the
// stop flag. The CancelAllOrders broadcast that follows an emergency stop
// drives the actual cancel fan-out via HandleCancelAll.
func (e *Engine) HandleEmergencyStop(_ context.Context, _ types.EmergencyStopPayload) {
	e.mu.Lock()
	e.stopped = true
	// Drain place/modify work from the primary queue; keep pending cancels.
	var survivors taskQueue
	for e.primary.Len() > 0 {
		t := heap.Pop(&e.primary).(*task)
		if t.kind == taskCancel {
			survivors = append(survivors, t)
		}
	}
	for _, t := range survivors {
		heap.Push(&e.primary, t)
	}
	for e.modifyQ.Len() > 0 {
		heap.Pop(&e.modifyQ)
	}
	e.cond.Broadcast()
	e.mu.Unlock()
}

// HandleCancelAll marks every live order PENDING_CANCEL and enqueues a
// priority-0 cancel per order, preempting all other queued work.
func (e *Engine) HandleCancelAll(_ context.Context, _ types.CancelAllPayload) {
	ids := e.orderMgr.CancelAll()
	for _, id := range ids {
		e.enqueuePrimary(&task{kind: taskCancel, localID: id, priority: 0, enqueuedAt: time.Now()})
	}
}

func (e *Engine) enqueuePrimary(t *task) {
	e.mu.Lock()
	e.enqueuePrimaryLocked(t)
	e.mu.Unlock()
}

func (e *Engine) enqueuePrimaryLocked(t *task) {
	heap.Push(&e.primary, t)
	e.cond.Broadcast() // the cond is shared with modify workers; Signal could wake only one of them
}

func (e *Engine) enqueueModify(t *task) {
	e.mu.Lock()
	heap.Push(&e.modifyQ, t)
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) primaryWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		t, ok := e.popPrimary(ctx)
		if !ok {
			return
		}
		switch t.kind {
		case taskPlace:
			e.processPlace(ctx, t)
		case taskCancel:
			e.processCancel(ctx, t)
		}
	}
}

func (e *Engine) modifyWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		t, ok := e.popModify(ctx)
		if !ok {
			return
		}
		e.processModify(ctx, t)
	}
}

func (e *Engine) popPrimary(ctx context.Context) (*task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.primary.Len() == 0 {
		if ctx.Err() != nil {
			return nil, false
		}
		e.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, false
	}
	return heap.Pop(&e.primary).(*task), true
}

func (e *Engine) popModify(ctx context.Context) (*task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.modifyQ.Len() == 0 {
		if ctx.Err() != nil {
			return nil, false
		}
		e.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, false
	}
	return heap.Pop(&e.modifyQ).(*task), true
}

func (e *Engine) backoff(retryCount int) time.Duration {
	mult := 1 << retryCount
	return e.cfg.RetryDelay * time.Duration(mult)
}

func (e *Engine) retryOrGiveUp(ctx context.Context, t *task, requeue func(*task), giveUp func()) {
	if t.retryCount >= e.cfg.MaxRetries {
		giveUp()
		return
	}
	delay := e.backoff(t.retryCount)
	t.retryCount++
	t.enqueuedAt = time.Now()
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			requeue(t)
		}
	}()
}

func (e *Engine) processPlace(ctx context.Context, t *task) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return
	}

	if err := e.rateLimit.Wait(ctx); err != nil {
		return
	}

	localID, order := e.orderMgr.Create(e.symbol, t.side, t.price, t.qty)
	t.localID = localID

	e.mu.Lock()
	e.clientIDs[t.clientID] = localID
	e.mu.Unlock()

	e.publishOrderStatus(ctx, order, types.PendingNew)

	remoteID, err := e.transport.Place(ctx, transport.PlaceRequest{
		Symbol: order.Symbol, Side: t.side, Price: t.price, Qty: t.qty, ClientID: t.clientID,
	})
	if err == nil {
		updated, aerr := e.orderMgr.ApplyAck(localID, remoteID, true)
		if aerr == nil {
			e.publishOrderStatus(ctx, updated, types.PendingNew)
		}
		return
	}

	var terr *transport.Error
	if errors.As(err, &terr) && terr.Retryable() {
		e.retryOrGiveUp(ctx, t, e.enqueuePrimary, func() {
			e.rejectPlace(ctx, localID)
		})
		return
	}
	e.rejectPlace(ctx, localID)
}

func (e *Engine) rejectPlace(ctx context.Context, localID types.LocalID) {
	updated, err := e.orderMgr.ApplyAck(localID, "", false)
	if err == nil {
		e.publishOrderStatus(ctx, updated, types.PendingNew)
	}
}

func (e *Engine) processCancel(ctx context.Context, t *task) {
	order, ok := e.orderMgr.Get(t.localID)
	if !ok || order.State.Terminal() {
		return
	}
	if order.State.Live() {
		prior := order.State
		if updated, err := e.orderMgr.RequestCancel(t.localID); err == nil {
			order = updated
			_ = e.bus.Publish(ctx, types.Event{Topic: types.TopicCancelRequested, Payload: types.CancelRequestedPayload{LocalID: t.localID}})
			e.publishOrderStatus(ctx, order, prior)
		}
	}
	if order.RemoteID == "" {
		// Placement hasn't been acknowledged yet; requeue after the ack.
		e.retryOrGiveUp(ctx, t, e.enqueuePrimary, func() {
			e.logger.Warn("cancel abandoned: no remote id after max retries", "local_id", t.localID)
		})
		return
	}

	if err := e.rateLimit.Wait(ctx); err != nil {
		return
	}
	if err := e.transport.Cancel(ctx, order.Symbol, order.RemoteID); err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && terr.Retryable() {
			e.retryOrGiveUp(ctx, t, e.enqueuePrimary, func() {
				e.logger.Error("cancel failed permanently", "local_id", t.localID, "error", err)
			})
		}
		return
	}
	// The CANCELLED transition is applied when the exchange reports it via
	// the notification stream, not here.
}

func (e *Engine) processModify(ctx context.Context, t *task) {
	order, ok := e.orderMgr.Get(t.localID)
	if !ok {
		return
	}

	req, err := e.orderMgr.RequestModify(t.localID, t.newPrice, t.newQty)
	if err != nil {
		return
	}
	_ = e.bus.Publish(ctx, types.Event{Topic: types.TopicModifyRequested, Payload: types.ModifyRequestedPayload{Request: req}})

	if err := e.modifyRL.Wait(ctx); err != nil {
		return
	}

	amendErr := e.transport.Amend(ctx, transport.AmendRequest{
		Symbol: order.Symbol, RemoteID: order.RemoteID, NewPrice: req.NewPrice, NewQty: req.NewQty,
	})

	if errors.Is(amendErr, transport.ErrUnsupported) {
		amendErr = e.cancelThenReplace(ctx, order, req)
	}

	if amendErr == nil {
		updated, err := e.orderMgr.ApplyModifyResult(t.localID, true)
		if err == nil {
			e.publishModifyResult(ctx, updated, true)
		}
		return
	}

	var terr *transport.Error
	if errors.As(amendErr, &terr) && terr.Retryable() {
		e.retryOrGiveUp(ctx, t, e.enqueueModify, func() {
			e.failModify(ctx, t.localID)
		})
		return
	}
	e.failModify(ctx, t.localID)
}

func (e *Engine) failModify(ctx context.Context, localID types.LocalID) {
	updated, err := e.orderMgr.ApplyModifyResult(localID, false)
	if err == nil {
		e.publishModifyResult(ctx, updated, false)
	}
}

// cancelThenReplace implements the fallback amend strategy: cancel the
// resting order and place its remainder at the requested new price,
// reusing the original local id's Order row so the caller-visible FSM
// stays a single state machine rather than spawning a second order.
func (e *Engine) cancelThenReplace(ctx context.Context, order types.Order, req types.ModifyRequest) error {
	if err := e.rateLimit.Wait(ctx); err != nil {
		return &transport.Error{Kind: transport.FailureNetwork, Err: err}
	}
	if err := e.transport.Cancel(ctx, order.Symbol, order.RemoteID); err != nil {
		return err
	}

	remainder := order.QtyTotal.Sub(order.QtyFilled)
	if req.NewQty != nil {
		remainder = *req.NewQty
	}
	price := order.Price
	if req.NewPrice != nil {
		price = *req.NewPrice
	}

	if err := e.rateLimit.Wait(ctx); err != nil {
		return &transport.Error{Kind: transport.FailureNetwork, Err: err}
	}
	clientID := modifyClientID(string(order.LocalID))
	remoteID, err := e.transport.Place(ctx, transport.PlaceRequest{
		Symbol: order.Symbol, Side: order.Side, Price: price, Qty: remainder, ClientID: clientID,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.clientIDs[clientID] = order.LocalID
	e.mu.Unlock()

	// Re-point the remote-id index at the replacement so fills and cancel
	// acks for the new remote id resolve to the same local order.
	if _, err := e.orderMgr.ApplyReplace(order.LocalID, remoteID); err != nil {
		return err
	}
	return nil
}

func (e *Engine) publishOrderStatus(ctx context.Context, o types.Order, prior types.OrderState) {
	_ = e.bus.Publish(ctx, types.Event{Topic: types.TopicOrderStatus, Payload: types.OrderStatusPayload{Order: o, Prior: prior}})
}

func (e *Engine) publishModifyResult(ctx context.Context, o types.Order, success bool) {
	topic := types.TopicModifyFailed
	if success {
		topic = types.TopicModifySucceeded
	}
	_ = e.bus.Publish(ctx, types.Event{Topic: topic, Payload: types.ModifyResultPayload{LocalID: o.LocalID, Success: success, Order: o}})
}

// reconcileLoop drains transport notifications and folds them back into
// the order manager: fills, cancel acks, expiries, and rejects.
func (e *Engine) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()
	notifications := e.transport.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			e.reconcile(ctx, n)
		}
	}
}

func (e *Engine) reconcile(ctx context.Context, n transport.Notification) {
	localID := e.resolveLocalID(n)
	if localID == "" {
		e.logger.Warn("notification with unresolvable order", "kind", n.Kind, "remote_id", n.RemoteID, "client_id", n.ClientID)
		return
	}

	switch n.Kind {
	case transport.NotificationFill:
		prior := types.Active
		if cur, ok := e.orderMgr.Get(localID); ok {
			prior = cur.State
		}
		o, err := e.orderMgr.ApplyFill(n.RemoteID, n.FilledQty)
		if err != nil {
			return
		}
		_ = e.bus.Publish(ctx, types.Event{Topic: types.TopicOrderFill, Payload: types.OrderFillPayload{
			RemoteID: n.RemoteID, LocalID: localID, Side: o.Side, Price: o.Price, FilledQty: n.FilledQty,
		}})
		e.publishOrderStatus(ctx, o, prior)

	case transport.NotificationCancel:
		o, err := e.orderMgr.ApplyCancelAck(localID)
		if err != nil {
			return
		}
		e.publishOrderStatus(ctx, o, types.PendingCancel)

	case transport.NotificationExpire:
		prior := types.Active
		if cur, ok := e.orderMgr.Get(localID); ok {
			prior = cur.State
		}
		o, err := e.orderMgr.ApplyExpire(localID)
		if err != nil {
			return
		}
		e.publishOrderStatus(ctx, o, prior)

	case transport.NotificationReject:
		e.rejectPlace(ctx, localID)
	}
}

func (e *Engine) resolveLocalID(n transport.Notification) types.LocalID {
	if id, ok := e.orderMgr.LocalIDForRemote(n.RemoteID); ok {
		return id
	}
	if n.ClientID == "" {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.clientIDs[n.ClientID]; ok && id != "" {
		return id
	}
	return ""
}
