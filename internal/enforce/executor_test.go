package enforce

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"riskguard/internal/broker"
	"riskguard/internal/guard"
	"riskguard/internal/lockout"
	"riskguard/internal/risk"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// fakeScheduler 记录延迟任务，由测试显式触发，保证复查路径确定性。
type fakeScheduler struct {
	delays []time.Duration
	jobs   []func()
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) {
	s.delays = append(s.delays, d)
	s.jobs = append(s.jobs, fn)
}

func (s *fakeScheduler) Fire() {
	jobs := s.jobs
	s.jobs = nil
	for _, fn := range jobs {
		fn()
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type executorFixture struct {
	exec    *Executor
	sim     *broker.Sim
	clk     *fakeClock
	sched   *fakeScheduler
	guard   *guard.Guard
	locks   *lockout.Store
	history *History
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()

	db := openTestDB(t)
	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	sched := &fakeScheduler{}
	sim := broker.NewSim(nil)
	g := guard.NewGuard(clk, 10*time.Second, nil)

	locks, err := lockout.NewStore(db, clk, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	history, err := NewHistory(db, 50, nil)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}

	cfg := ExecutorConfig{
		Cooldown:     500 * time.Millisecond,
		RecheckDelay: 750 * time.Millisecond,
		Lockout: LockoutPolicy{
			Kind:     lockout.KindTimed,
			Duration: time.Hour,
		},
	}
	exec := NewExecutor(cfg, sim, g, locks, history, clk, sched, nil)

	return &executorFixture{exec: exec, sim: sim, clk: clk, sched: sched, guard: g, locks: locks, history: history}
}

func contextWithPosition(account, instrument string, qty, unrealized float64) *risk.Context {
	return &risk.Context{
		Account: account,
		Positions: map[string]risk.PositionSnapshot{
			instrument: {
				Instrument: instrument,
				Direction:  broker.DirectionLong,
				Quantity:   qty,
				Unrealized: unrealized,
			},
		},
	}
}

func resultWith(v risk.Violation) risk.EvaluationResult {
	return risk.EvaluationResult{
		Violations:     []risk.Violation{v},
		RequiredAction: v.Action,
	}
}

func TestExecutor_AlertWritesAudit(t *testing.T) {
	f := newExecutorFixture(t)

	rctx := &risk.Context{Account: "Sim101", Total: -150}
	f.exec.Execute(context.Background(), rctx, resultWith(risk.Violation{
		Rule: "total_loss", Action: risk.ActionAlert, Message: "approaching loss limit",
	}))

	records, err := f.history.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	if records[0].Action != risk.ActionAlert || !records[0].Success {
		t.Errorf("unexpected audit record: %+v", records[0])
	}
	if records[0].AccountPnL != -150 {
		t.Errorf("AccountPnL = %v, want -150", records[0].AccountPnL)
	}
}

func TestExecutor_BlockOrderCancelsPendingOrder(t *testing.T) {
	f := newExecutorFixture(t)

	order := broker.Order{ID: "o-1", Account: "Sim101", Instrument: "CL 05-26", Side: broker.OrderSideBuy, Quantity: 1}
	f.sim.AddPendingOrder(order)

	rctx := &risk.Context{Account: "Sim101", PendingOrder: &order}
	f.exec.Execute(context.Background(), rctx, resultWith(risk.Violation{
		Rule: "symbol_block", Action: risk.ActionBlockOrder, Message: "CL is blocked", Instrument: "CL 05-26",
	}))

	cancelled := f.sim.Cancelled()
	if len(cancelled) != 1 || cancelled[0].ID != "o-1" {
		t.Fatalf("expected order o-1 cancelled, got %v", cancelled)
	}
}

func TestExecutor_FlattenOneIsIdempotent(t *testing.T) {
	f := newExecutorFixture(t)

	rctx := contextWithPosition("Sim101", "GC 04-26", 2, -120)
	v := risk.Violation{Rule: "per_position_loss", Action: risk.ActionFlattenOnePosition,
		Message: "position loss limit", Instrument: "GC 04-26"}

	f.exec.Execute(context.Background(), rctx, resultWith(v))

	// 跨过冷却窗口再触发一次：防重器仍在 Closing，应跳过。
	f.clk.now = f.clk.now.Add(time.Second)
	f.exec.Execute(context.Background(), rctx, resultWith(v))

	flattened := f.sim.Flattened()
	if len(flattened) != 1 || flattened[0] != "Sim101|GC 04-26" {
		t.Fatalf("expected a single flatten of GC, got %v", flattened)
	}

	records, err := f.history.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected a single audit record, got %d", len(records))
	}
	if records[0].PositionPnL != -120 {
		t.Errorf("PositionPnL = %v, want -120", records[0].PositionPnL)
	}
}

func TestExecutor_CooldownSuppressesRepeat(t *testing.T) {
	f := newExecutorFixture(t)

	rctx := &risk.Context{Account: "Sim101"}
	v := risk.Violation{Rule: "total_loss", Action: risk.ActionAlert, Message: "alert"}

	f.exec.Execute(context.Background(), rctx, resultWith(v))
	f.clk.now = f.clk.now.Add(100 * time.Millisecond)
	f.exec.Execute(context.Background(), rctx, resultWith(v))

	records, err := f.history.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("cooldown should suppress the second trigger, got %d records", len(records))
	}

	// 冷却窗口之外的触发正常执行。
	f.clk.now = f.clk.now.Add(time.Second)
	f.exec.Execute(context.Background(), rctx, resultWith(v))
	records, _ = f.history.Recent(context.Background(), 10)
	if len(records) != 2 {
		t.Errorf("trigger outside cooldown should execute, got %d records", len(records))
	}
}

func TestExecutor_FlattenOneWithoutInstrumentIsConfigError(t *testing.T) {
	f := newExecutorFixture(t)

	rctx := contextWithPosition("Sim101", "GC 04-26", 2, -120)
	f.exec.Execute(context.Background(), rctx, resultWith(risk.Violation{
		Rule: "per_position_loss", Action: risk.ActionFlattenOnePosition, Message: "missing instrument",
	}))

	if len(f.sim.Flattened()) != 0 {
		t.Error("flatten must not fire without a violating instrument")
	}
	records, err := f.history.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 || records[0].Success {
		t.Errorf("expected a failed audit record, got %+v", records)
	}
}

func TestExecutor_LockoutSequenceAndRecheck(t *testing.T) {
	f := newExecutorFixture(t)

	f.sim.SetPosition(broker.Position{Account: "Sim101", Instrument: "GC 04-26",
		Direction: broker.DirectionLong, Quantity: 2, Unrealized: -520})
	f.sim.AddPendingOrder(broker.Order{ID: "o-1", Account: "Sim101", Instrument: "ES 03-26",
		Side: broker.OrderSideBuy, Quantity: 1})

	rctx := contextWithPosition("Sim101", "GC 04-26", 2, -520)
	rctx.Total = -520
	rctx.Unrealized = -520
	f.exec.Execute(context.Background(), rctx, resultWith(risk.Violation{
		Rule: "total_loss", Action: risk.ActionLockout, Message: "total loss limit reached",
	}))

	if len(f.sim.Cancelled()) != 1 {
		t.Errorf("expected all pending orders cancelled, got %v", f.sim.Cancelled())
	}
	if flattened := f.sim.Flattened(); len(flattened) != 1 || flattened[0] != "Sim101|*" {
		t.Errorf("expected a flatten-all, got %v", flattened)
	}
	if !f.locks.IsLockedOut("Sim101") {
		t.Fatal("account should be locked out")
	}

	if len(f.sched.delays) != 1 || f.sched.delays[0] != 750*time.Millisecond {
		t.Fatalf("expected one re-check scheduled at 750ms, got %v", f.sched.delays)
	}

	// 撤单与平仓之间漏出的残仓：复查应再来一轮撤单加平仓。
	f.sim.SetPosition(broker.Position{Account: "Sim101", Instrument: "NQ 03-26",
		Direction: broker.DirectionShort, Quantity: 1})
	f.sched.Fire()

	flattened := f.sim.Flattened()
	if len(flattened) != 2 || flattened[1] != "Sim101|*" {
		t.Errorf("re-check should repeat the flatten-all, got %v", flattened)
	}
}

func TestExecutor_RecheckNoopWhenFlat(t *testing.T) {
	f := newExecutorFixture(t)

	rctx := contextWithPosition("Sim101", "GC 04-26", 2, -520)
	f.exec.Execute(context.Background(), rctx, resultWith(risk.Violation{
		Rule: "total_loss", Action: risk.ActionLockout, Message: "total loss limit reached",
	}))

	before := len(f.sim.Flattened())
	f.sched.Fire()
	if after := len(f.sim.Flattened()); after != before {
		t.Errorf("re-check must not issue commands when the account is flat: %d -> %d", before, after)
	}
}

func TestExecutor_LockoutIsIdempotent(t *testing.T) {
	f := newExecutorFixture(t)

	rctx := contextWithPosition("Sim101", "GC 04-26", 2, -520)
	v := risk.Violation{Rule: "total_loss", Action: risk.ActionLockout, Message: "total loss limit reached"}

	f.exec.Execute(context.Background(), rctx, resultWith(v))
	f.clk.now = f.clk.now.Add(time.Second)
	f.exec.Execute(context.Background(), rctx, resultWith(v))

	if flattened := f.sim.Flattened(); len(flattened) != 1 {
		t.Errorf("repeat lockout trigger must not re-issue commands, got %v", flattened)
	}
	if len(f.sched.jobs) != 1 {
		t.Errorf("repeat lockout trigger must not schedule another re-check, got %d", len(f.sched.jobs))
	}
}
