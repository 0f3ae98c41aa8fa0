package account

import (
	"testing"
	"time"

	"riskguard/internal/broker"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestTracker() (*Tracker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	return NewTracker(clk, time.Hour, 17, 0, nil), clk
}

func TestTracker_SnapshotReflectsAppliedState(t *testing.T) {
	tracker, clk := newTestTracker()

	tracker.ApplyAccount(broker.AccountUpdate{Account: "Sim101", Realized: -100, Unrealized: -50, Time: clk.now})
	tracker.ApplyPosition(broker.PositionUpdate{Account: "Sim101", Instrument: "GC 04-26",
		Direction: broker.DirectionLong, Quantity: 2, AvgPrice: 2100, Unrealized: -50, Time: clk.now})
	tracker.ApplyExecution(broker.ExecutionUpdate{Account: "Sim101", Instrument: "GC 04-26",
		Side: broker.OrderSideBuy, Quantity: 2, Price: 2100, Time: clk.now})

	snap := tracker.Snapshot("Sim101", nil)
	if snap.Realized != -100 || snap.Unrealized != -50 || snap.Total != -150 {
		t.Errorf("snapshot P&L = %v/%v/%v, want -100/-50/-150", snap.Realized, snap.Unrealized, snap.Total)
	}
	if pos, ok := snap.Positions["GC 04-26"]; !ok || pos.Quantity != 2 {
		t.Errorf("position missing from snapshot: %+v", snap.Positions)
	}
	if len(snap.Executions) != 1 {
		t.Errorf("executions = %d, want 1", len(snap.Executions))
	}

	// 快照相互独立：修改一份不影响后续快照。
	snap.Positions["ES 03-26"] = snap.Positions["GC 04-26"]
	if len(tracker.Snapshot("Sim101", nil).Positions) != 1 {
		t.Error("snapshot mutation leaked back into tracker state")
	}
}

func TestTracker_FlatPositionRemoved(t *testing.T) {
	tracker, clk := newTestTracker()

	tracker.ApplyPosition(broker.PositionUpdate{Account: "Sim101", Instrument: "GC 04-26",
		Direction: broker.DirectionLong, Quantity: 2, Time: clk.now})
	tracker.ApplyPosition(broker.PositionUpdate{Account: "Sim101", Instrument: "GC 04-26",
		Direction: broker.DirectionFlat, Quantity: 0, Time: clk.now})

	if positions := tracker.Snapshot("Sim101", nil).Positions; len(positions) != 0 {
		t.Errorf("flat position should be removed, got %v", positions)
	}
}

func TestTracker_StreaksFollowRealizedDelta(t *testing.T) {
	tracker, clk := newTestTracker()

	for i, realized := range []float64{50, 120, 200} {
		clk.now = clk.now.Add(time.Minute)
		tracker.ApplyAccount(broker.AccountUpdate{Account: "Sim101", Realized: realized,
			Time: clk.now.Add(time.Duration(i) * time.Second)})
	}
	snap := tracker.Snapshot("Sim101", nil)
	if snap.ConsecutiveWins != 3 || snap.ConsecutiveLosses != 0 {
		t.Errorf("streaks = %d/%d, want 3 wins", snap.ConsecutiveWins, snap.ConsecutiveLosses)
	}

	clk.now = clk.now.Add(time.Minute)
	tracker.ApplyAccount(broker.AccountUpdate{Account: "Sim101", Realized: 150, Time: clk.now})
	snap = tracker.Snapshot("Sim101", nil)
	if snap.ConsecutiveWins != 0 || snap.ConsecutiveLosses != 1 {
		t.Errorf("losing trade should reset win streak, got %d/%d", snap.ConsecutiveWins, snap.ConsecutiveLosses)
	}
}

func TestTracker_ExecutionWindowTrimmed(t *testing.T) {
	tracker, clk := newTestTracker()

	tracker.ApplyExecution(broker.ExecutionUpdate{Account: "Sim101", Instrument: "ES 03-26",
		Side: broker.OrderSideBuy, Quantity: 1, Time: clk.now.Add(-2 * time.Hour)})
	tracker.ApplyExecution(broker.ExecutionUpdate{Account: "Sim101", Instrument: "ES 03-26",
		Side: broker.OrderSideBuy, Quantity: 1, Time: clk.now.Add(-10 * time.Minute)})

	snap := tracker.Snapshot("Sim101", nil)
	if len(snap.Executions) != 1 {
		t.Fatalf("stale executions should be trimmed, got %d", len(snap.Executions))
	}
}

func TestTracker_ResetBaselineZeroesComparison(t *testing.T) {
	tracker, clk := newTestTracker()

	tracker.ApplyAccount(broker.AccountUpdate{Account: "Sim101", Realized: -400, Time: clk.now})
	tracker.ResetBaseline("Sim101")

	snap := tracker.Snapshot("Sim101", nil)
	if snap.Realized != 0 || snap.Total != 0 {
		t.Errorf("baseline reset should zero realized comparison, got %v/%v", snap.Realized, snap.Total)
	}

	// 复位之后的新亏损从零起算。
	clk.now = clk.now.Add(time.Minute)
	tracker.ApplyAccount(broker.AccountUpdate{Account: "Sim101", Realized: -520, Time: clk.now})
	snap = tracker.Snapshot("Sim101", nil)
	if snap.Realized != -120 {
		t.Errorf("post-reset realized = %v, want -120", snap.Realized)
	}
}

func TestTracker_DailyRollResetsBaseline(t *testing.T) {
	tracker, clk := newTestTracker()

	tracker.ApplyAccount(broker.AccountUpdate{Account: "Sim101", Realized: -300, Time: clk.now})

	// 跨过17:00每日复位时刻：基线移到当前值。
	clk.now = time.Date(2026, 3, 2, 17, 5, 0, 0, time.UTC)
	snap := tracker.Snapshot("Sim101", nil)
	if snap.Realized != 0 {
		t.Errorf("crossing the daily reset should re-zero realized, got %v", snap.Realized)
	}
}
