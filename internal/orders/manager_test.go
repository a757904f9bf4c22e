package orders

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() *Manager {
	return New(testLogger(), Config{})
}

func TestCreateAckFillRoundTrip(t *testing.T) {
	m := newTestManager()
	localID, o := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(100), decimal.NewFromInt(10))
	if o.State != types.PendingNew {
		t.Fatalf("expected PENDING_NEW, got %s", o.State)
	}

	if _, err := m.ApplyAck(localID, "rem-1", true); err != nil {
		t.Fatalf("apply_ack: %v", err)
	}

	final, err := m.ApplyFill("rem-1", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("apply_fill: %v", err)
	}
	if final.State != types.Filled {
		t.Fatalf("expected FILLED, got %s", final.State)
	}
	if !final.QtyFilled.Equal(final.QtyTotal) {
		t.Fatalf("qty_filled %s != qty_total %s", final.QtyFilled, final.QtyTotal)
	}
}

func TestRejectedIsTerminal(t *testing.T) {
	m := newTestManager()
	localID, _ := m.Create("BTC-USD", types.Ask, decimal.NewFromInt(100), decimal.NewFromInt(1))
	if _, err := m.ApplyAck(localID, "", false); err != nil {
		t.Fatalf("apply_ack reject: %v", err)
	}
	o, ok := m.Get(localID)
	if !ok || o.State != types.Rejected {
		t.Fatalf("expected archived REJECTED order, got %+v ok=%v", o, ok)
	}
	if _, err := m.ApplyAck(localID, "rem", true); err == nil {
		t.Fatal("expected error transitioning out of terminal state")
	}
}

func TestCancelIdempotent(t *testing.T) {
	m := newTestManager()
	localID, _ := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(100), decimal.NewFromInt(1))
	m.ApplyAck(localID, "rem-2", true)

	first, err := m.RequestCancel(localID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	second, err := m.RequestCancel(localID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if first.State != second.State || second.State != types.PendingCancel {
		t.Fatalf("expected idempotent PENDING_CANCEL, got %s then %s", first.State, second.State)
	}
}

func TestModifyRoundTripSuccessAndFailure(t *testing.T) {
	m := newTestManager()
	localID, _ := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(100), decimal.NewFromInt(1))
	m.ApplyAck(localID, "rem-3", true)

	newPrice := decimal.NewFromInt(101)
	if _, err := m.RequestModify(localID, &newPrice, nil); err != nil {
		t.Fatalf("request_modify: %v", err)
	}

	// A second concurrent modify must fail.
	if _, err := m.RequestModify(localID, &newPrice, nil); err == nil {
		t.Fatal("expected AlreadyModifying error")
	}

	o, err := m.ApplyModifyResult(localID, true)
	if err != nil {
		t.Fatalf("apply_modify_result: %v", err)
	}
	if o.State != types.Active || !o.Price.Equal(newPrice) {
		t.Fatalf("expected ACTIVE with new price, got state=%s price=%s", o.State, o.Price)
	}

	// Failure path restores prior price.
	newerPrice := decimal.NewFromInt(102)
	m.RequestModify(localID, &newerPrice, nil)
	o, err = m.ApplyModifyResult(localID, false)
	if err != nil {
		t.Fatalf("apply_modify_result failure: %v", err)
	}
	if !o.Price.Equal(newPrice) {
		t.Fatalf("expected price rolled back to %s, got %s", newPrice, o.Price)
	}
}

func TestQueryLiveExcludesTerminal(t *testing.T) {
	m := newTestManager()
	id1, _ := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(100), decimal.NewFromInt(1))
	m.ApplyAck(id1, "a", true)
	id2, _ := m.Create("BTC-USD", types.Ask, decimal.NewFromInt(101), decimal.NewFromInt(1))
	m.ApplyAck(id2, "b", true)
	m.ApplyFill("b", decimal.NewFromInt(1))

	live := m.QueryLive(nil)
	if len(live) != 1 || live[0].LocalID != id1 {
		t.Fatalf("expected only id1 live, got %+v", live)
	}
}

func TestPeriodicResetFires(t *testing.T) {
	m := New(testLogger(), Config{ResetInterval: 30 * time.Millisecond, CleanupInterval: time.Hour})
	id, _ := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(100), decimal.NewFromInt(1))
	m.ApplyAck(id, "x", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan []types.LocalID, 1)
	go m.RunPeriodicReset(ctx, func(_ context.Context, ids []types.LocalID) {
		fired <- ids
	})

	select {
	case ids := <-fired:
		if len(ids) != 1 || ids[0] != id {
			t.Fatalf("expected reset to affect %s, got %v", id, ids)
		}
	case <-time.After(time.Second):
		t.Fatal("periodic reset never fired")
	}

	o, _ := m.Get(id)
	if o.State != types.PendingCancel {
		t.Fatalf("expected PENDING_CANCEL after reset, got %s", o.State)
	}
}

func TestPendingModificationCap(t *testing.T) {
	m := New(testLogger(), Config{MaxPendingModifications: 1})
	id1, _ := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(100), decimal.NewFromInt(1))
	m.ApplyAck(id1, "r1", true)
	id2, _ := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(101), decimal.NewFromInt(1))
	m.ApplyAck(id2, "r2", true)

	p1 := decimal.NewFromInt(110)
	if _, err := m.RequestModify(id1, &p1, nil); err != nil {
		t.Fatalf("first modify: %v", err)
	}
	if _, err := m.RequestModify(id2, &p1, nil); err == nil {
		t.Fatal("expected cap to reject second pending modification")
	}
}

func TestStaleModifyRollsBack(t *testing.T) {
	m := New(testLogger(), Config{ModificationTimeout: time.Millisecond})
	id, _ := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(100), decimal.NewFromInt(1))
	m.ApplyAck(id, "r1", true)

	newPrice := decimal.NewFromInt(110)
	if _, err := m.RequestModify(id, &newPrice, nil); err != nil {
		t.Fatalf("request_modify: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	expired := m.expireStaleModifies()
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("expected %s expired, got %v", id, expired)
	}
	o, _ := m.Get(id)
	if o.State != types.Active || !o.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected rollback to ACTIVE@100, got %s@%s", o.State, o.Price)
	}
}

func TestApplyReplaceRepointsRemoteIndex(t *testing.T) {
	m := newTestManager()
	id, _ := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(100), decimal.NewFromInt(2))
	m.ApplyAck(id, "old-rem", true)

	if _, err := m.ApplyReplace(id, "new-rem"); err != nil {
		t.Fatalf("apply_replace: %v", err)
	}
	if _, ok := m.LocalIDForRemote("old-rem"); ok {
		t.Fatal("old remote id should no longer resolve")
	}
	got, ok := m.LocalIDForRemote("new-rem")
	if !ok || got != id {
		t.Fatalf("expected new remote id to resolve to %s, got %s ok=%v", id, got, ok)
	}

	// Fills on the replacement must flow into the same order.
	o, err := m.ApplyFill("new-rem", decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("apply_fill on replacement: %v", err)
	}
	if o.State != types.Filled {
		t.Fatalf("expected FILLED, got %s", o.State)
	}
}

func TestTerminalOrderLeavesRemoteIndexImmediately(t *testing.T) {
	m := newTestManager()
	id, _ := m.Create("BTC-USD", types.Ask, decimal.NewFromInt(100), decimal.NewFromInt(1))
	m.ApplyAck(id, "rem", true)
	m.ApplyFill("rem", decimal.NewFromInt(1))

	if _, ok := m.LocalIDForRemote("rem"); ok {
		t.Fatal("remote index entry should be removed on terminal transition")
	}
	// The order itself stays readable within the retention window.
	o, ok := m.Get(id)
	if !ok || o.State != types.Filled {
		t.Fatalf("expected archived FILLED order, got %+v ok=%v", o, ok)
	}
}

func TestCancelAllMarksEveryLiveOrder(t *testing.T) {
	m := newTestManager()
	var ids []types.LocalID
	for i := 0; i < 3; i++ {
		id, _ := m.Create("BTC-USD", types.Bid, decimal.NewFromInt(int64(100+i)), decimal.NewFromInt(1))
		m.ApplyAck(id, types.RemoteID(string(rune('a'+i))), true)
		ids = append(ids, id)
	}
	affected := m.CancelAll()
	if len(affected) != 3 {
		t.Fatalf("expected 3 affected, got %d", len(affected))
	}
	for _, id := range ids {
		o, _ := m.Get(id)
		if o.State != types.PendingCancel {
			t.Fatalf("expected PENDING_CANCEL, got %s", o.State)
		}
	}
}
