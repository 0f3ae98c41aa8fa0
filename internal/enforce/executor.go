package enforce

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/broker"
	"riskguard/internal/clock"
	"riskguard/internal/guard"
	"riskguard/internal/lockout"
	"riskguard/internal/risk"
)

const (
	defaultCooldown     = 500 * time.Millisecond
	defaultRecheckDelay = 750 * time.Millisecond
)

// LockoutPolicy 描述触发锁定时生成的锁定形态。
type LockoutPolicy struct {
	Kind        lockout.Kind
	Duration    time.Duration // Timed 专用
	ResetHour   int           // UntilReset 专用
	ResetMinute int
}

// ExecutorConfig 为处置执行器的行为参数。
type ExecutorConfig struct {
	Cooldown     time.Duration
	RecheckDelay time.Duration
	Lockout      LockoutPolicy
}

// Executor 把规则评估结果落实为经纪商指令。
// 经纪商指令失败只记日志并写入失败审计，绝不向事件分发线程抛错。
type Executor struct {
	cfg     ExecutorConfig
	broker  broker.Broker
	guard   *guard.Guard
	locks   *lockout.Store
	history *History
	clk     clock.Clock
	sched   clock.Scheduler
	logger  *zap.Logger

	mu       sync.Mutex
	lastExec map[string]time.Time
}

// NewExecutor 创建处置执行器。
func NewExecutor(cfg ExecutorConfig, b broker.Broker, g *guard.Guard, locks *lockout.Store,
	history *History, clk clock.Clock, sched clock.Scheduler, logger *zap.Logger) *Executor {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.RecheckDelay <= 0 {
		cfg.RecheckDelay = defaultRecheckDelay
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if sched == nil {
		sched = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:      cfg,
		broker:   b,
		guard:    g,
		locks:    locks,
		history:  history,
		clk:      clk,
		sched:    sched,
		logger:   logger,
		lastExec: make(map[string]time.Time),
	}
}

// Execute 按评估结果的最高严重度执行处置。
// 同一账户在冷却窗口内的重复触发直接忽略，防止事件风暴下的指令轰炸。
func (e *Executor) Execute(ctx context.Context, rctx *risk.Context, result risk.EvaluationResult) {
	if rctx == nil || !result.Violated() || result.RequiredAction == risk.ActionNone {
		return
	}

	account := rctx.Account
	if !e.passCooldown(account) {
		e.logger.Debug("处置冷却中，忽略本次触发",
			zap.String("account", account),
			zap.String("action", result.RequiredAction.String()),
		)
		return
	}

	violation := result.ViolationFor(result.RequiredAction)
	if violation == nil {
		// RequiredAction 必然来自某条违规，走到这里说明评估结果被篡改。
		e.logger.Error("评估结果缺少对应违规", zap.String("account", account))
		return
	}

	switch result.RequiredAction {
	case risk.ActionAlert:
		e.handleAlert(ctx, rctx, violation)
	case risk.ActionBlockOrder:
		e.handleBlockOrder(ctx, rctx, violation)
	case risk.ActionFlattenOnePosition:
		e.handleFlattenOne(ctx, rctx, violation)
	case risk.ActionFlattenAllPositions:
		e.handleFlattenAll(ctx, rctx, violation)
	case risk.ActionLockout:
		e.handleLockout(ctx, rctx, violation)
	}
}

func (e *Executor) passCooldown(account string) bool {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastExec[account]; ok && now.Sub(last) < e.cfg.Cooldown {
		return false
	}
	e.lastExec[account] = now
	return true
}

func (e *Executor) record(ctx context.Context, rctx *risk.Context, v *risk.Violation,
	instrument string, positionPnL float64, success bool) {
	e.history.Append(ctx, ClosureRecord{
		Time:        e.clk.Now(),
		Account:     rctx.Account,
		Instrument:  instrument,
		Rule:        v.Rule,
		Reason:      v.Message,
		Action:      v.Action,
		AccountPnL:  rctx.Total,
		PositionPnL: positionPnL,
		Success:     success,
	})
}

func (e *Executor) handleAlert(ctx context.Context, rctx *risk.Context, v *risk.Violation) {
	e.logger.Warn("风险告警",
		zap.String("account", rctx.Account),
		zap.String("rule", v.Rule),
		zap.String("reason", v.Message),
	)
	e.record(ctx, rctx, v, "", 0, true)
}

func (e *Executor) handleBlockOrder(ctx context.Context, rctx *risk.Context, v *risk.Violation) {
	order := rctx.PendingOrder
	if order == nil {
		e.logger.Warn("要求拦截委托但快照中没有待审查委托",
			zap.String("account", rctx.Account),
			zap.String("rule", v.Rule),
		)
		e.record(ctx, rctx, v, v.Instrument, 0, false)
		return
	}

	err := e.broker.CancelOrder(ctx, *order)
	if err != nil {
		e.logger.Error("撤销违规委托失败",
			zap.String("account", rctx.Account),
			zap.String("order_id", order.ID),
			zap.String("instrument", order.Instrument),
			zap.Error(err),
		)
	} else {
		e.logger.Warn("已拦截并撤销违规委托",
			zap.String("account", rctx.Account),
			zap.String("order_id", order.ID),
			zap.String("instrument", order.Instrument),
			zap.String("rule", v.Rule),
		)
	}
	e.record(ctx, rctx, v, order.Instrument, 0, err == nil)
}

func (e *Executor) handleFlattenOne(ctx context.Context, rctx *risk.Context, v *risk.Violation) {
	if v.Instrument == "" {
		// 单仓处置必须带合约，缺失属于规则配置错误。
		e.logger.Error("单仓处置缺少违规合约，检查规则配置",
			zap.String("account", rctx.Account),
			zap.String("rule", v.Rule),
		)
		e.record(ctx, rctx, v, "", 0, false)
		return
	}

	if !e.guard.CanActOn(rctx.Account, v.Instrument) {
		e.logger.Debug("该合约平仓已在进行中，跳过重复处置",
			zap.String("account", rctx.Account),
			zap.String("instrument", v.Instrument),
		)
		return
	}
	e.guard.MarkClosing(rctx.Account, v.Instrument)

	positionPnL := rctx.Positions[v.Instrument].Unrealized
	err := e.broker.FlattenPosition(ctx, rctx.Account, v.Instrument)
	if err != nil {
		e.logger.Error("单仓平仓指令失败",
			zap.String("account", rctx.Account),
			zap.String("instrument", v.Instrument),
			zap.Error(err),
		)
	} else {
		e.logger.Warn("已触发单仓平仓",
			zap.String("account", rctx.Account),
			zap.String("instrument", v.Instrument),
			zap.String("rule", v.Rule),
			zap.Float64("position_pnl", positionPnL),
		)
	}
	e.record(ctx, rctx, v, v.Instrument, positionPnL, err == nil)
}

// markAllClosing 把快照中仍可处置的持仓全部标记为平仓中，
// 返回是否存在至少一个新标记的持仓。
func (e *Executor) markAllClosing(rctx *risk.Context) bool {
	marked := false
	for instrument := range rctx.Positions {
		if !e.guard.CanActOn(rctx.Account, instrument) {
			continue
		}
		e.guard.MarkClosing(rctx.Account, instrument)
		marked = true
	}
	return marked
}

func (e *Executor) handleFlattenAll(ctx context.Context, rctx *risk.Context, v *risk.Violation) {
	if len(rctx.Positions) > 0 && !e.markAllClosing(rctx) {
		e.logger.Debug("全部持仓的平仓均已在进行中，跳过重复处置",
			zap.String("account", rctx.Account),
		)
		return
	}

	err := e.broker.FlattenAll(ctx, rctx.Account)
	if err != nil {
		e.logger.Error("全账户平仓指令失败",
			zap.String("account", rctx.Account),
			zap.Error(err),
		)
	} else {
		e.logger.Warn("已触发全账户平仓",
			zap.String("account", rctx.Account),
			zap.String("rule", v.Rule),
			zap.Float64("account_pnl", rctx.Total),
		)
	}
	e.record(ctx, rctx, v, "", rctx.Unrealized, err == nil)
}

func (e *Executor) handleLockout(ctx context.Context, rctx *risk.Context, v *risk.Violation) {
	account := rctx.Account
	if e.locks.IsLockedOut(account) {
		e.logger.Debug("账户已处于锁定状态，跳过重复锁定处置",
			zap.String("account", account),
		)
		return
	}

	e.markAllClosing(rctx)

	// 固定顺序：先撤单，再平仓，最后落盘锁定状态。
	var failed bool
	if err := e.broker.CancelAllOrders(ctx, account); err != nil {
		failed = true
		e.logger.Error("锁定处置撤单失败", zap.String("account", account), zap.Error(err))
	}
	if err := e.broker.FlattenAll(ctx, account); err != nil {
		failed = true
		e.logger.Error("锁定处置平仓失败", zap.String("account", account), zap.Error(err))
	}

	now := e.clk.Now()
	state := lockout.State{
		Account:     account,
		Kind:        e.cfg.Lockout.Kind,
		Reason:      v.Message,
		StartedAt:   now,
		ResetHour:   e.cfg.Lockout.ResetHour,
		ResetMinute: e.cfg.Lockout.ResetMinute,
	}
	if state.Kind == lockout.KindTimed {
		state.ExpiresAt = now.Add(e.cfg.Lockout.Duration)
	}
	if err := e.locks.Engage(ctx, state); err != nil {
		failed = true
	}

	e.record(ctx, rctx, v, "", rctx.Unrealized, !failed)

	// 延迟复查：撤单与平仓之间新成交可能漏出残仓。
	e.scheduleRecheck(account)
}

// scheduleRecheck 在延迟后重新查询持仓，发现残仓则再次撤单加平仓。
// 复查是唯一的 fire-and-forget 路径，自身的失败一律就地吞掉并记日志。
func (e *Executor) scheduleRecheck(account string) {
	e.sched.AfterFunc(e.cfg.RecheckDelay, func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("锁定复查发生panic", zap.String("account", account), zap.Any("panic", r))
			}
		}()

		ctx := context.Background()
		positions, err := e.broker.OpenPositions(ctx, account)
		if err != nil {
			e.logger.Error("锁定复查查询持仓失败", zap.String("account", account), zap.Error(err))
			return
		}
		if len(positions) == 0 {
			return
		}

		e.logger.Warn("锁定复查发现残仓，重新执行撤单加平仓",
			zap.String("account", account),
			zap.Int("positions", len(positions)),
		)
		if err := e.broker.CancelAllOrders(ctx, account); err != nil {
			e.logger.Error("锁定复查撤单失败", zap.String("account", account), zap.Error(err))
		}
		if err := e.broker.FlattenAll(ctx, account); err != nil {
			e.logger.Error("锁定复查平仓失败", zap.String("account", account), zap.Error(err))
		}
	})
}
