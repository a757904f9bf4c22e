// Package eventbus sequences all state changes across the engine's
// asynchronous producers and consumers: a bounded publish queue drained
// by a worker pool, with a buffered channel and dedicated goroutine per
// subscription so each handler observes its events in dispatch order.
// A full queue suspends publishers; events are never dropped.
package eventbus

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"marketmaker/internal/ids"
	"marketmaker/pkg/types"
)

// Handler processes one event. It may be slow or may itself publish; the
// bus never calls a handler from within a lock it holds.
type Handler func(types.Event)

const (
	subscriberQueueSize = 64
	shardQueueSize      = 64
)

type subscription struct {
	id      string
	topic   types.Topic
	handler Handler
	queue   chan types.Event
	done    chan struct{}
}

// Stats holds cumulative bus counters.
type Stats struct {
	Published         int64
	Processed         int64
	Failed            int64
	CumulativeLatency time.Duration
	MaxLatency        time.Duration
}

// Bus is a typed, topic-indexed publish/subscribe dispatcher with a
// bounded queue and a configurable worker pool.
type Bus struct {
	logger *slog.Logger

	queue chan types.Event

	mu   sync.RWMutex
	subs map[types.Topic]map[string]*subscription

	statsMu sync.Mutex
	stats   Stats

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Bus with the given bounded queue capacity (spec default is
// 10000).
func New(logger *slog.Logger, queueCapacity int) *Bus {
	if queueCapacity <= 0 {
		queueCapacity = 10000
	}
	return &Bus{
		logger: logger.With("component", "eventbus"),
		queue:  make(chan types.Event, queueCapacity),
		subs:   make(map[types.Topic]map[string]*subscription),
	}
}

// Subscribe registers handler for topic and returns a subscription id.
// Each subscription gets its own buffered delivery channel and dedicated
// goroutine, so a single handler always observes events in the order they
// were dispatched to it, regardless of how many bus workers are running.
func (b *Bus) Subscribe(topic types.Topic, handler Handler) string {
	sub := &subscription{
		id:      ids.SubscriptionID(),
		topic:   topic,
		handler: handler,
		queue:   make(chan types.Event, subscriberQueueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*subscription)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runSubscriber(sub)

	return sub.id
}

// Unsubscribe removes a registration. Safe to call concurrently with
// dispatch; a handler call already in progress completes, but events
// still queued for the removed subscriber may be discarded.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	for _, subs := range b.subs {
		if sub, ok := subs[subscriptionID]; ok {
			delete(subs, subscriptionID)
			close(sub.done)
			break
		}
	}
	b.mu.Unlock()
}

func (b *Bus) runSubscriber(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case evt := <-sub.queue:
			start := time.Now()
			b.invoke(sub.handler, evt)
			b.recordLatency(time.Since(start))
		case <-sub.done:
			return
		}
	}
}

func (b *Bus) invoke(h Handler, evt types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", evt.Topic, "panic", r)
			b.statsMu.Lock()
			b.stats.Failed++
			b.statsMu.Unlock()
			return
		}
		b.statsMu.Lock()
		b.stats.Processed++
		b.statsMu.Unlock()
	}()
	h(evt)
}

func (b *Bus) recordLatency(d time.Duration) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.stats.CumulativeLatency += d
	if d > b.stats.MaxLatency {
		b.stats.MaxLatency = d
	}
}

// Publish enqueues evt. If CorrelationID is empty, a fresh one is
// assigned. Publish suspends the caller when the bus queue is full; there
// is no drop policy.
func (b *Bus) Publish(ctx context.Context, evt types.Event) error {
	if evt.CorrelationID == "" {
		evt.CorrelationID = ids.CorrelationID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.statsMu.Lock()
	b.stats.Published++
	b.statsMu.Unlock()

	select {
	case b.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches workerCount dispatch goroutines. A router goroutine
// pops the bounded queue in publish order and shards events across the
// workers by correlation id, so events sharing a correlation id always
// flow through the same worker and reach every subscriber in publish
// order. With workerCount == 1 everything flows through one worker and
// per-topic FIFO is preserved as well.
func (b *Bus) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	shards := make([]chan types.Event, workerCount)
	for i := range shards {
		shards[i] = make(chan types.Event, shardQueueSize)
		b.wg.Add(1)
		go b.dispatchLoop(ctx, shards[i])
	}

	b.wg.Add(1)
	go b.routeLoop(ctx, shards)
}

func (b *Bus) routeLoop(ctx context.Context, shards []chan types.Event) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.queue:
			h := fnv.New32a()
			h.Write([]byte(evt.CorrelationID))
			shard := shards[h.Sum32()%uint32(len(shards))]
			select {
			case shard <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bus) dispatchLoop(ctx context.Context, shard <-chan types.Event) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-shard:
			b.dispatch(evt)
		}
	}
}

func (b *Bus) dispatch(evt types.Event) {
	b.mu.RLock()
	subs := b.subs[evt.Topic]
	targets := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.queue <- evt:
		case <-s.done:
		}
	}
}

// Stop cancels dispatch workers and waits for in-flight subscriber
// goroutines to drain their current event.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	for _, subs := range b.subs {
		for _, s := range subs {
			select {
			case <-s.done:
			default:
				close(s.done)
			}
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Stats returns a snapshot of cumulative counters.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}
