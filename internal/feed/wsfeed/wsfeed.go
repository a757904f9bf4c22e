// Package wsfeed implements feed.Source over a WebSocket: auto-reconnect
// with 1s→30s exponential backoff, a read deadline so a silent server
// triggers reconnection, a ping loop, and event-type-dispatched message
// routing into a single quote stream (types.Sample) plus a side-channel
// of order-lifecycle notifications fed into the transport's notification
// sink.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketmaker/internal/transport"
	"marketmaker/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	sampleBufferSize = 256
)

// NotificationSink receives order-lifecycle pushes decoded off the same
// socket, so a single feed connection can drive both the price engine and
// the execution engine's reconciliation loop.
type NotificationSink interface {
	Push(n transport.Notification)
}

// Feed is a WebSocket-backed feed.Source.
type Feed struct {
	url    string
	symbol string
	sink   NotificationSink
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	quoteMu       sync.Mutex
	lastBid       decimal.Decimal
	lastAsk       decimal.Decimal
	haveLastQuote bool

	samples chan types.Sample
}

// New builds a feed for symbol against wsURL. sink may be nil if the
// caller doesn't need order notifications relayed (e.g. in tests driving
// price ticks only).
func New(wsURL, symbol string, sink NotificationSink, logger *slog.Logger) *Feed {
	return &Feed{
		url:     wsURL,
		symbol:  symbol,
		sink:    sink,
		logger:  logger.With("component", "feed.wsfeed"),
		samples: make(chan types.Sample, sampleBufferSize),
	}
}

// Samples returns the channel of decoded quotes.
func (f *Feed) Samples() <-chan types.Sample { return f.samples }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("feed connected", "symbol", f.symbol)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

type subscribeMsg struct {
	Operation string   `json:"operation"`
	Symbols   []string `json:"symbols"`
}

func (f *Feed) subscribe() error {
	return f.writeJSON(subscribeMsg{Operation: "subscribe", Symbols: []string{f.symbol}})
}

type quoteEvent struct {
	EventType string          `json:"event_type"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
}

type tradeEvent struct {
	EventType string          `json:"event_type"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Side      types.Side      `json:"side"`
}

type orderEvent struct {
	EventType string          `json:"event_type"`
	Kind      string          `json:"kind"` // fill, cancel, expire, reject
	RemoteID  string          `json:"order_id"`
	ClientID  string          `json:"client_id"`
	FilledQty decimal.Decimal `json:"filled_qty"`
}

func (f *Feed) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "quote":
		var evt quoteEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal quote event", "error", err)
			return
		}
		f.quoteMu.Lock()
		f.lastBid, f.lastAsk, f.haveLastQuote = evt.Bid, evt.Ask, true
		f.quoteMu.Unlock()
		f.pushSample(types.Sample{Timestamp: time.Now(), Bid: evt.Bid, Ask: evt.Ask})

	case "trade":
		var evt tradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		side := evt.Side
		bid, ask, ok := f.currentQuote()
		if !ok {
			// No quote observed yet on this connection; fall back to the
			// trade price itself so Sample.Mid() stays meaningful.
			bid, ask = evt.Price, evt.Price
		}
		f.pushSample(types.Sample{Timestamp: time.Now(), Bid: bid, Ask: ask, LastPrice: &evt.Price, LastQty: &evt.Qty, TradeSide: &side})

	case "order":
		var evt orderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		if f.sink == nil {
			return
		}
		f.sink.Push(transport.Notification{
			Kind:      transport.NotificationKind(evt.Kind),
			RemoteID:  types.RemoteID(evt.RemoteID),
			ClientID:  evt.ClientID,
			FilledQty: evt.FilledQty,
			At:        time.Now(),
		})

	default:
		f.logger.Debug("unknown feed event type", "type", envelope.EventType)
	}
}

// currentQuote returns the last quote observed on this connection.
func (f *Feed) currentQuote() (bid, ask decimal.Decimal, ok bool) {
	f.quoteMu.Lock()
	defer f.quoteMu.Unlock()
	return f.lastBid, f.lastAsk, f.haveLastQuote
}

// pushSample hands s to the sample channel without blocking; when the
// channel is full the sample is dropped. Trade samples reach it already
// stamped by dispatch with the last known bid/ask, so consumers that need
// to tell quote and trade samples apart should consult
// LastPrice/TradeSide rather than Bid/Ask alone.
func (f *Feed) pushSample(s types.Sample) {
	select {
	case f.samples <- s:
	default:
		f.logger.Warn("sample channel full, dropping")
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("ping")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
