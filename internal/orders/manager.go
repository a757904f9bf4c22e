// Package orders implements the canonical order store: the order state
// machine, the periodic forced reset, archival of terminal orders, and
// the in-flight modification table. The store is a single map plus a
// secondary remote-id index, both guarded by one mutex; every other
// component only ever sees value copies.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/ids"
	"marketmaker/pkg/types"
)

const archiveRetention = 2 * time.Hour

type archivedOrder struct {
	order      *types.Order
	terminalAt time.Time
}

// Config holds the order-management tunables from the configuration
// surface. Zero values disable the corresponding behavior, except
// CleanupInterval, which falls back to one minute. The cleanup (archive
// purge and modification-timeout rollback) runs inside RunPeriodicReset,
// so a zero ResetInterval disables it as well.
type Config struct {
	ResetInterval           time.Duration
	CleanupInterval         time.Duration
	MaxPendingModifications int
	ModificationTimeout     time.Duration
}

// Manager owns all Order mutation. Every other component only ever reads
// a copy returned from a query method.
type Manager struct {
	logger *slog.Logger
	cfg    Config

	mu         sync.Mutex
	live       map[types.LocalID]*types.Order
	byRemote   map[types.RemoteID]types.LocalID
	pending    map[types.LocalID]*types.ModifyRequest
	archive    map[types.LocalID]*archivedOrder
	placeCount int64

	lastReset time.Time
	nextReset time.Time
}

// New builds a Manager. A zero ResetInterval disables periodic reset.
func New(logger *slog.Logger, cfg Config) *Manager {
	now := time.Now()
	return &Manager{
		logger:    logger.With("component", "order_manager"),
		cfg:       cfg,
		live:      make(map[types.LocalID]*types.Order),
		byRemote:  make(map[types.RemoteID]types.LocalID),
		pending:   make(map[types.LocalID]*types.ModifyRequest),
		archive:   make(map[types.LocalID]*archivedOrder),
		lastReset: now,
		nextReset: now.Add(cfg.ResetInterval),
	}
}

// Create allocates a local id and constructs an Order in PENDING_NEW.
func (m *Manager) Create(symbol string, side types.Side, price, qty decimal.Decimal) (types.LocalID, types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	localID := types.LocalID(ids.LocalOrderID())
	order := &types.Order{
		LocalID:     localID,
		Symbol:      symbol,
		Side:        side,
		Price:       price,
		QtyTotal:    qty,
		QtyFilled:   decimal.Zero,
		State:       types.PendingNew,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastEventAt: now,
	}
	m.live[localID] = order
	m.placeCount++
	return localID, order.Clone()
}

// ApplyAck transitions PENDING_NEW to ACTIVE or REJECTED.
func (m *Manager) ApplyAck(localID types.LocalID, remoteID types.RemoteID, accepted bool) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.live[localID]
	if !ok {
		return types.Order{}, fmt.Errorf("apply_ack %s: %w", localID, ErrNotFound)
	}
	if o.State != types.PendingNew {
		return types.Order{}, fmt.Errorf("apply_ack %s in state %s: %w", localID, o.State, ErrInvalidState)
	}

	now := time.Now()
	if accepted {
		o.RemoteID = remoteID
		o.State = types.Active
		m.byRemote[remoteID] = localID
	} else {
		o.State = types.Rejected
		m.archiveLocked(localID, now)
	}
	o.UpdatedAt = now
	o.LastEventAt = now
	return o.Clone(), nil
}

// ApplyFill increments qty_filled and selects PARTIALLY_FILLED or FILLED.
// Fill increments are additive; callers are responsible for transport-side
// deduplication when a monotonic sequence number is unavailable.
func (m *Manager) ApplyFill(remoteID types.RemoteID, filledQty decimal.Decimal) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	localID, ok := m.byRemote[remoteID]
	if !ok {
		return types.Order{}, fmt.Errorf("apply_fill %s: %w", remoteID, ErrNotFound)
	}
	o := m.live[localID]
	if o.State != types.Active && o.State != types.PartiallyFilled && o.State != types.PendingModify && o.State != types.PendingCancel {
		return types.Order{}, fmt.Errorf("apply_fill %s in state %s: %w", localID, o.State, ErrInvalidState)
	}

	now := time.Now()
	o.QtyFilled = o.QtyFilled.Add(filledQty)
	if o.QtyFilled.GreaterThanOrEqual(o.QtyTotal) {
		o.QtyFilled = decimal.Min(o.QtyFilled, o.QtyTotal)
		o.State = types.Filled
		m.archiveLocked(localID, now)
	} else if o.State == types.Active {
		o.State = types.PartiallyFilled
	}
	o.UpdatedAt = now
	o.LastEventAt = now
	return o.Clone(), nil
}

// RequestModify validates preconditions and transitions the order to
// PENDING_MODIFY, storing a ModifyRequest.
func (m *Manager) RequestModify(localID types.LocalID, newPrice, newQty *decimal.Decimal) (types.ModifyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.live[localID]
	if !ok {
		return types.ModifyRequest{}, fmt.Errorf("request_modify %s: %w", localID, ErrNotFound)
	}
	if _, exists := m.pending[localID]; exists {
		return types.ModifyRequest{}, fmt.Errorf("request_modify %s: %w", localID, ErrAlreadyModifying)
	}
	if !o.State.Live() || o.State == types.PendingModify {
		return types.ModifyRequest{}, fmt.Errorf("request_modify %s in state %s: %w", localID, o.State, ErrInvalidState)
	}
	if m.cfg.MaxPendingModifications > 0 && len(m.pending) >= m.cfg.MaxPendingModifications {
		return types.ModifyRequest{}, fmt.Errorf("request_modify %s: %w", localID, ErrTooManyModifications)
	}
	if newPrice == nil && newQty == nil {
		return types.ModifyRequest{}, fmt.Errorf("request_modify %s: %w", localID, ErrNoChange)
	}
	priceChanges := newPrice != nil && !newPrice.Equal(o.Price)
	qtyChanges := newQty != nil && !newQty.Equal(o.QtyTotal)
	if !priceChanges && !qtyChanges {
		return types.ModifyRequest{}, fmt.Errorf("request_modify %s: %w", localID, ErrNoChange)
	}

	req := types.ModifyRequest{LocalID: localID, NewPrice: newPrice, NewQty: newQty, SubmittedAt: time.Now()}
	m.pending[localID] = &req
	o.State = types.PendingModify
	o.UpdatedAt = req.SubmittedAt
	o.LastEventAt = req.SubmittedAt
	return req, nil
}

// ApplyModifyResult commits or rolls back the pending modification for
// localID. The prior live state (ACTIVE vs PARTIALLY_FILLED) is re-derived
// from qty_filled, since a fill may have arrived while the modify was in
// flight.
func (m *Manager) ApplyModifyResult(localID types.LocalID, success bool) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.live[localID]
	if !ok {
		return types.Order{}, fmt.Errorf("apply_modify_result %s: %w", localID, ErrNotFound)
	}
	req, exists := m.pending[localID]
	if !exists || o.State != types.PendingModify {
		return types.Order{}, fmt.Errorf("apply_modify_result %s in state %s: %w", localID, o.State, ErrInvalidState)
	}

	now := time.Now()
	priorLive := types.Active
	if o.QtyFilled.GreaterThan(decimal.Zero) && o.QtyFilled.LessThan(o.QtyTotal) {
		priorLive = types.PartiallyFilled
	}

	if success {
		if req.NewPrice != nil {
			o.Price = *req.NewPrice
		}
		if req.NewQty != nil {
			o.QtyTotal = *req.NewQty
		}
	}
	o.State = priorLive
	o.UpdatedAt = now
	o.LastEventAt = now
	delete(m.pending, localID)
	return o.Clone(), nil
}

// ApplyReplace re-points the remote-id index at the replacement order a
// cancel-then-replace modify created on the exchange, so that subsequent
// fill and cancel notifications for the new remote id resolve to the same
// local order.
func (m *Manager) ApplyReplace(localID types.LocalID, newRemoteID types.RemoteID) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.live[localID]
	if !ok {
		return types.Order{}, fmt.Errorf("apply_replace %s: %w", localID, ErrNotFound)
	}
	if o.RemoteID != "" {
		delete(m.byRemote, o.RemoteID)
	}
	o.RemoteID = newRemoteID
	m.byRemote[newRemoteID] = localID
	now := time.Now()
	o.UpdatedAt = now
	o.LastEventAt = now
	return o.Clone(), nil
}

// RequestCancel transitions a live order to PENDING_CANCEL. Idempotent:
// calling it again while already PENDING_CANCEL is a no-op.
func (m *Manager) RequestCancel(localID types.LocalID) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.live[localID]
	if !ok {
		return types.Order{}, fmt.Errorf("request_cancel %s: %w", localID, ErrNotFound)
	}
	if o.State == types.PendingCancel {
		return o.Clone(), nil
	}
	if !o.State.Live() {
		return types.Order{}, fmt.Errorf("request_cancel %s in state %s: %w", localID, o.State, ErrInvalidState)
	}

	now := time.Now()
	o.State = types.PendingCancel
	o.UpdatedAt = now
	o.LastEventAt = now
	return o.Clone(), nil
}

// ApplyCancelAck transitions PENDING_CANCEL to CANCELLED. Applied when the
// exchange actually reports the cancel, not on the HTTP return, so a race
// with a simultaneous fill resolves correctly.
func (m *Manager) ApplyCancelAck(localID types.LocalID) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.live[localID]
	if !ok {
		return types.Order{}, fmt.Errorf("apply_cancel_ack %s: %w", localID, ErrNotFound)
	}
	if o.State != types.PendingCancel {
		return types.Order{}, fmt.Errorf("apply_cancel_ack %s in state %s: %w", localID, o.State, ErrInvalidState)
	}
	now := time.Now()
	o.State = types.Cancelled
	m.archiveLocked(localID, now)
	o.UpdatedAt = now
	o.LastEventAt = now
	return o.Clone(), nil
}

// ApplyExpire transitions any live order to EXPIRED.
func (m *Manager) ApplyExpire(localID types.LocalID) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.live[localID]
	if !ok {
		return types.Order{}, fmt.Errorf("apply_expire %s: %w", localID, ErrNotFound)
	}
	if o.State.Terminal() {
		return types.Order{}, fmt.Errorf("apply_expire %s in state %s: %w", localID, o.State, ErrInvalidState)
	}
	now := time.Now()
	o.State = types.Expired
	m.archiveLocked(localID, now)
	o.UpdatedAt = now
	o.LastEventAt = now
	return o.Clone(), nil
}

// archiveLocked moves a terminal order out of the live store, drops its
// remote-id index entry immediately, and records its terminal timestamp
// for later purge. Caller must hold m.mu and must have already set the
// terminal state on the order.
func (m *Manager) archiveLocked(localID types.LocalID, at time.Time) {
	o := m.live[localID]
	if o.RemoteID != "" {
		delete(m.byRemote, o.RemoteID)
	}
	delete(m.pending, localID)
	delete(m.live, localID)
	m.archive[localID] = &archivedOrder{order: o, terminalAt: at}
}

// Get returns a snapshot of the order, including archived orders still
// within their retention window.
func (m *Manager) Get(localID types.LocalID) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.live[localID]; ok {
		return o.Clone(), true
	}
	if a, ok := m.archive[localID]; ok {
		return a.order.Clone(), true
	}
	return types.Order{}, false
}

// LocalIDForRemote resolves the secondary remote-id index. It returns
// false once the order has reached a terminal state, since the index
// entry is removed immediately on terminal transition.
func (m *Manager) LocalIDForRemote(remoteID types.RemoteID) (types.LocalID, bool) {
	if remoteID == "" {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRemote[remoteID]
	return id, ok
}

// QueryLive returns snapshots of every live order, optionally filtered by
// side.
func (m *Manager) QueryLive(side *types.Side) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Order, 0, len(m.live))
	for _, o := range m.live {
		if !o.State.Live() {
			continue
		}
		if side != nil && o.Side != *side {
			continue
		}
		out = append(out, o.Clone())
	}
	return out
}

// QueryByPriceRange returns snapshots of live orders priced within
// [min, max].
func (m *Manager) QueryByPriceRange(min, max decimal.Decimal) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Order, 0)
	for _, o := range m.live {
		if !o.State.Live() {
			continue
		}
		if o.Price.GreaterThanOrEqual(min) && o.Price.LessThanOrEqual(max) {
			out = append(out, o.Clone())
		}
	}
	return out
}

// CancelAll marks every live order PENDING_CANCEL and returns the
// affected local ids.
func (m *Manager) CancelAll() []types.LocalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	ids := make([]types.LocalID, 0)
	for id, o := range m.live {
		if o.State.Live() && o.State != types.PendingCancel {
			o.State = types.PendingCancel
			o.UpdatedAt = now
			o.LastEventAt = now
			ids = append(ids, id)
		}
	}
	return ids
}

// PlaceCount returns the lifetime number of orders created.
func (m *Manager) PlaceCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCount
}

// ResetStats reports periodic-reset cadence for observability.
type ResetStats struct {
	LastReset   time.Time
	NextReset   time.Time
	ActiveCount int
}

func (m *Manager) ResetStats() ResetStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.live {
		if o.State.Live() {
			n++
		}
	}
	return ResetStats{LastReset: m.lastReset, NextReset: m.nextReset, ActiveCount: n}
}

// fireReset marks every live order PENDING_CANCEL if any exist and
// returns the affected ids plus whether a reset actually fired.
func (m *Manager) fireReset() ([]types.LocalID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.lastReset = now
	m.nextReset = now.Add(m.cfg.ResetInterval)

	ids := make([]types.LocalID, 0)
	for id, o := range m.live {
		if o.State.Live() && o.State != types.PendingCancel {
			o.State = types.PendingCancel
			o.UpdatedAt = now
			o.LastEventAt = now
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	return ids, true
}

// purgeExpiredArchive drops archived orders past their retention window.
func (m *Manager) purgeExpiredArchive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-archiveRetention)
	for id, a := range m.archive {
		if a.terminalAt.Before(cutoff) {
			delete(m.archive, id)
		}
	}
}

// expireStaleModifies rolls back modifications that have been in flight
// longer than the configured modification timeout, restoring the prior
// live state unchanged. Returns the affected local ids.
func (m *Manager) expireStaleModifies() []types.LocalID {
	if m.cfg.ModificationTimeout <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-m.cfg.ModificationTimeout)
	var expired []types.LocalID
	for id, req := range m.pending {
		if !req.SubmittedAt.Before(cutoff) {
			continue
		}
		o, ok := m.live[id]
		if ok && o.State == types.PendingModify {
			priorLive := types.Active
			if o.QtyFilled.GreaterThan(decimal.Zero) {
				priorLive = types.PartiallyFilled
			}
			o.State = priorLive
			o.UpdatedAt = now
			o.LastEventAt = now
		}
		delete(m.pending, id)
		expired = append(expired, id)
	}
	return expired
}

// RunPeriodicReset blocks until ctx is cancelled, firing a forced reset
// every ResetInterval and publishing it via publishReset. The cleanup
// ticker purges expired archive entries and rolls back timed-out
// modifications.
func (m *Manager) RunPeriodicReset(ctx context.Context, publishReset func(context.Context, []types.LocalID)) {
	if m.cfg.ResetInterval <= 0 {
		return
	}
	resetTicker := time.NewTicker(m.cfg.ResetInterval)
	defer resetTicker.Stop()

	cleanup := m.cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	cleanupTicker := time.NewTicker(cleanup)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resetTicker.C:
			if ids, fired := m.fireReset(); fired {
				m.logger.Info("periodic reset fired", "affected", len(ids))
				publishReset(ctx, ids)
			}
		case <-cleanupTicker.C:
			m.purgeExpiredArchive()
			if expired := m.expireStaleModifies(); len(expired) > 0 {
				m.logger.Warn("rolled back timed-out modifications", "count", len(expired))
			}
		}
	}
}
