package enforce

import (
	"context"
	"testing"
	"time"

	"riskguard/internal/broker"
	"riskguard/internal/lockout"
	"riskguard/internal/risk"
)

type interceptFixture struct {
	interceptor *Interceptor
	sim         *broker.Sim
	locks       *lockout.Store
	history     *History
	clk         *fakeClock
}

func newInterceptFixture(t *testing.T) *interceptFixture {
	t.Helper()

	db := openTestDB(t)
	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	sim := broker.NewSim(nil)

	locks, err := lockout.NewStore(db, clk, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	history, err := NewHistory(db, 50, nil)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}

	return &interceptFixture{
		interceptor: NewInterceptor(sim, locks, history, clk, nil),
		sim:         sim,
		locks:       locks,
		history:     history,
		clk:         clk,
	}
}

func (f *interceptFixture) lockAccount(t *testing.T, account string) {
	t.Helper()
	err := f.locks.Engage(context.Background(), lockout.State{
		Account:   account,
		Kind:      lockout.KindTimed,
		Reason:    "total loss limit reached",
		StartedAt: f.clk.now,
		ExpiresAt: f.clk.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Engage: %v", err)
	}
}

func TestInterceptor_PassesWhenNotLockedOut(t *testing.T) {
	f := newInterceptFixture(t)

	order := broker.Order{ID: "o-1", Account: "Sim101", Instrument: "GC 04-26",
		Side: broker.OrderSideBuy, Quantity: 1}
	if f.interceptor.Intercept(context.Background(), order) {
		t.Error("order must pass when the account is not locked out")
	}
	if len(f.sim.Cancelled()) != 0 {
		t.Error("no cancel should be issued")
	}
}

func TestInterceptor_ClosingOrderPassesDuringLockout(t *testing.T) {
	f := newInterceptFixture(t)
	f.lockAccount(t, "Sim101")

	// 实时多头2手，卖出2手是纯减仓。
	f.sim.SetPosition(broker.Position{Account: "Sim101", Instrument: "GC 04-26",
		Direction: broker.DirectionLong, Quantity: 2})

	order := broker.Order{ID: "o-1", Account: "Sim101", Instrument: "GC 04-26",
		Side: broker.OrderSideSell, Quantity: 2}
	if f.interceptor.Intercept(context.Background(), order) {
		t.Error("closing order must pass during lockout")
	}
	if len(f.sim.Cancelled()) != 0 {
		t.Error("closing order must not be cancelled")
	}
}

func TestInterceptor_OpeningOrderBlockedDuringLockout(t *testing.T) {
	f := newInterceptFixture(t)
	f.lockAccount(t, "Sim101")

	order := broker.Order{ID: "o-1", Account: "Sim101", Instrument: "ES 03-26",
		Side: broker.OrderSideBuy, Quantity: 1}
	f.sim.AddPendingOrder(order)

	if !f.interceptor.Intercept(context.Background(), order) {
		t.Fatal("opening order must be blocked during lockout")
	}
	cancelled := f.sim.Cancelled()
	if len(cancelled) != 1 || cancelled[0].ID != "o-1" {
		t.Fatalf("blocked order should be cancelled, got %v", cancelled)
	}

	records, err := f.history.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 || records[0].Action != risk.ActionBlockOrder || !records[0].Success {
		t.Errorf("expected a block_order audit record, got %+v", records)
	}
}

func TestInterceptor_IncreasingOrderBlockedDespitePosition(t *testing.T) {
	f := newInterceptFixture(t)
	f.lockAccount(t, "Sim101")

	// 同方向加仓与超量反向委托都算加仓。
	f.sim.SetPosition(broker.Position{Account: "Sim101", Instrument: "GC 04-26",
		Direction: broker.DirectionLong, Quantity: 2})

	sameSide := broker.Order{ID: "o-1", Account: "Sim101", Instrument: "GC 04-26",
		Side: broker.OrderSideBuy, Quantity: 1}
	f.sim.AddPendingOrder(sameSide)
	if !f.interceptor.Intercept(context.Background(), sameSide) {
		t.Error("same-side order increases exposure, must be blocked")
	}

	oversized := broker.Order{ID: "o-2", Account: "Sim101", Instrument: "GC 04-26",
		Side: broker.OrderSideSell, Quantity: 5}
	f.sim.AddPendingOrder(oversized)
	if !f.interceptor.Intercept(context.Background(), oversized) {
		t.Error("oversized opposite-side order flips the position, must be blocked")
	}
}
