package engine

import (
	"context"
	"testing"
	"time"

	"riskguard/internal/broker"
	"riskguard/internal/config"
	"riskguard/internal/risk"
	"riskguard/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeScheduler struct {
	jobs []func()
}

func (s *fakeScheduler) AfterFunc(_ time.Duration, fn func()) {
	s.jobs = append(s.jobs, fn)
}

func testConfig() *config.Config {
	return &config.Config{
		App:    config.AppConfig{Environment: "test"},
		Broker: config.BrokerConfig{Name: "sim", Account: "Sim101", Simulation: true},
		Rules: config.RulesConfig{
			TotalLoss:       config.ThresholdRuleConfig{Enabled: true, Action: "lockout", Threshold: 500},
			PerPositionLoss: config.ThresholdRuleConfig{Enabled: true, Action: "flatten_position", Threshold: 100},
		},
		Lockout: config.LockoutConfig{
			Kind:        "timed",
			Duration:    time.Hour,
			GraceWindow: 5 * time.Second,
		},
		Enforcement: config.EnforcementConfig{
			Cooldown:        500 * time.Millisecond,
			RecheckDelay:    750 * time.Millisecond,
			GuardStaleAfter: 10 * time.Second,
			HistoryLimit:    50,
		},
		Database: config.DatabaseConfig{InMemory: true, MaxOpenConns: 1},
	}
}

type serviceFixture struct {
	svc   *Service
	sim   *broker.Sim
	clk   *fakeClock
	sched *fakeScheduler
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	sched := &fakeScheduler{}
	sim := broker.NewSim(nil)
	t.Cleanup(sim.Close)

	svc, err := NewService(testConfig(), sim, st, clk, sched, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &serviceFixture{svc: svc, sim: sim, clk: clk, sched: sched}
}

func (f *serviceFixture) applyPnL(realized, unrealized float64) {
	f.svc.tracker.ApplyAccount(broker.AccountUpdate{
		Account:    "Sim101",
		Realized:   realized,
		Unrealized: unrealized,
		Time:       f.clk.now,
	})
}

func (f *serviceFixture) applyPosition(instrument string, direction broker.Direction, qty, unrealized float64) {
	f.svc.tracker.ApplyPosition(broker.PositionUpdate{
		Account:    "Sim101",
		Instrument: instrument,
		Direction:  direction,
		Quantity:   qty,
		Unrealized: unrealized,
		Time:       f.clk.now,
	})
}

func TestService_TotalLossLockoutEndToEnd(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.sim.SetPosition(broker.Position{Account: "Sim101", Instrument: "GC 04-26",
		Direction: broker.DirectionLong, Quantity: 2, Unrealized: -80})
	f.sim.AddPendingOrder(broker.Order{ID: "o-1", Account: "Sim101", Instrument: "ES 03-26",
		Side: broker.OrderSideBuy, Quantity: 1})
	f.applyPosition("GC 04-26", broker.DirectionLong, 2, -80)

	// -480 未到阈值，不触发任何处置。
	f.applyPnL(0, -480)
	f.svc.evaluate(ctx, "Sim101", nil)
	if f.svc.IsLockedOut("Sim101") || len(f.sim.Flattened()) != 0 {
		t.Fatal("no enforcement expected at -480")
	}

	// -520 越过 $500 总亏损线：锁定、撤单、全平、审计。
	f.clk.now = f.clk.now.Add(time.Second)
	f.applyPnL(0, -520)
	f.svc.evaluate(ctx, "Sim101", nil)

	if !f.svc.IsLockedOut("Sim101") {
		t.Fatal("account should be locked out at -520")
	}
	if flattened := f.sim.Flattened(); len(flattened) != 1 || flattened[0] != "Sim101|*" {
		t.Errorf("expected a flatten-all, got %v", flattened)
	}
	if cancelled := f.sim.Cancelled(); len(cancelled) != 1 || cancelled[0].ID != "o-1" {
		t.Errorf("expected pending order cancelled, got %v", cancelled)
	}

	records, err := f.svc.GetClosureHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetClosureHistory: %v", err)
	}
	if len(records) != 1 || records[0].Action != risk.ActionLockout {
		t.Fatalf("expected one lockout audit record, got %+v", records)
	}

	// 锁定期间：减实时持仓的委托放行，加仓委托拦截并撤销。
	f.sim.SetPosition(broker.Position{Account: "Sim101", Instrument: "NQ 03-26",
		Direction: broker.DirectionShort, Quantity: 1})

	closing := broker.Order{ID: "o-2", Account: "Sim101", Instrument: "NQ 03-26",
		Side: broker.OrderSideBuy, Quantity: 1}
	if f.svc.interceptor.Intercept(ctx, closing) {
		t.Error("closing order must pass during lockout")
	}

	opening := broker.Order{ID: "o-3", Account: "Sim101", Instrument: "ES 03-26",
		Side: broker.OrderSideBuy, Quantity: 1}
	f.sim.AddPendingOrder(opening)
	if !f.svc.interceptor.Intercept(ctx, opening) {
		t.Error("opening order must be blocked during lockout")
	}
}

func TestService_PerPositionLossFlattensOnlyViolatingInstrument(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.applyPosition("ES 03-26", broker.DirectionLong, 1, 45)
	f.applyPosition("GC 04-26", broker.DirectionShort, 2, -120)
	f.applyPnL(0, -75)

	f.svc.evaluate(ctx, "Sim101", nil)

	flattened := f.sim.Flattened()
	if len(flattened) != 1 || flattened[0] != "Sim101|GC 04-26" {
		t.Fatalf("only the violating instrument should be flattened, got %v", flattened)
	}
	if f.svc.IsLockedOut("Sim101") {
		t.Error("per-position breach must not lock the account")
	}
}

func TestService_ClearLockoutStartsGraceWindow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.applyPnL(0, -520)
	f.svc.evaluate(ctx, "Sim101", nil)
	if !f.svc.IsLockedOut("Sim101") {
		t.Fatal("account should be locked out")
	}

	if err := f.svc.ClearLockout(ctx, "Sim101"); err != nil {
		t.Fatalf("ClearLockout: %v", err)
	}
	if f.svc.IsLockedOut("Sim101") {
		t.Fatal("lockout should be cleared")
	}

	// 静默窗口内亏损仍然越线，但不重新触发处置。
	f.clk.now = f.clk.now.Add(2 * time.Second)
	f.svc.evaluate(ctx, "Sim101", nil)
	if f.svc.IsLockedOut("Sim101") {
		t.Error("evaluation must be suppressed inside the grace window")
	}

	// 窗口过后恢复评估，再次锁定。
	f.clk.now = f.clk.now.Add(10 * time.Second)
	f.svc.evaluate(ctx, "Sim101", nil)
	if !f.svc.IsLockedOut("Sim101") {
		t.Error("evaluation should resume after the grace window")
	}
}

func TestService_ResetBaselineStopsRetrigger(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.applyPnL(-520, 0)
	f.svc.ResetPnLBaseline("Sim101")

	// 基线归零后同样的账面数字不再越线。
	f.svc.evaluate(ctx, "Sim101", nil)
	if f.svc.IsLockedOut("Sim101") {
		t.Error("baseline reset should neutralize prior realized loss")
	}
}

func TestService_StartStopMonitoring(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if err := f.svc.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if err := f.svc.StartMonitoring(ctx); err == nil {
		t.Error("second StartMonitoring should fail while running")
	}

	// 事件经由通道异步消费，轮询等待处置落地。
	f.sim.SetPnL("Sim101", 0, -520)
	deadline := time.Now().Add(2 * time.Second)
	for !f.svc.IsLockedOut("Sim101") {
		if time.Now().After(deadline) {
			t.Fatal("account was not locked out after the loss event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.svc.StopMonitoring()
	// 重复停止应当安全。
	f.svc.StopMonitoring()

	if err := f.svc.StartMonitoring(ctx); err != nil {
		t.Errorf("restart after stop should succeed: %v", err)
	}
	f.svc.StopMonitoring()
}
