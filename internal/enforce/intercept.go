package enforce

import (
	"context"

	"go.uber.org/zap"

	"riskguard/internal/broker"
	"riskguard/internal/clock"
	"riskguard/internal/lockout"
	"riskguard/internal/risk"
)

// Interceptor 在账户锁定期间审查新委托。
// 缩减实时持仓的委托放行，开仓或加仓的委托拦截并撤销。
// 判断依据是经纪商实时持仓，不用本地缓存，避免缓存滞后误放行。
type Interceptor struct {
	broker  broker.Broker
	locks   *lockout.Store
	history *History
	clk     clock.Clock
	logger  *zap.Logger
}

// NewInterceptor 创建委托拦截器。
func NewInterceptor(b broker.Broker, locks *lockout.Store, history *History,
	clk clock.Clock, logger *zap.Logger) *Interceptor {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{broker: b, locks: locks, history: history, clk: clk, logger: logger}
}

// Intercept 审查一笔新委托，返回是否被拦截。
// 账户未锁定时直接放行。
func (i *Interceptor) Intercept(ctx context.Context, order broker.Order) bool {
	state, locked := i.locks.Get(order.Account)
	if !locked {
		return false
	}

	if i.reducesLivePosition(ctx, order) {
		i.logger.Info("锁定期间放行减仓委托",
			zap.String("account", order.Account),
			zap.String("order_id", order.ID),
			zap.String("instrument", order.Instrument),
			zap.String("side", string(order.Side)),
			zap.Float64("quantity", order.Quantity),
		)
		return false
	}

	err := i.broker.CancelOrder(ctx, order)
	if err != nil {
		i.logger.Error("锁定期间撤销加仓委托失败",
			zap.String("account", order.Account),
			zap.String("order_id", order.ID),
			zap.String("instrument", order.Instrument),
			zap.Error(err),
		)
	} else {
		i.logger.Warn("锁定期间拦截并撤销加仓委托",
			zap.String("account", order.Account),
			zap.String("order_id", order.ID),
			zap.String("instrument", order.Instrument),
			zap.String("side", string(order.Side)),
		)
	}

	i.history.Append(ctx, ClosureRecord{
		Time:       i.clk.Now(),
		Account:    order.Account,
		Instrument: order.Instrument,
		Rule:       "lockout",
		Reason:     state.Reason,
		Action:     risk.ActionBlockOrder,
		Success:    err == nil,
	})
	return true
}

// reducesLivePosition 查询经纪商实时持仓，判断委托是否缩减现有仓位。
// 查询失败时按拦截处理：锁定期间宁可错杀，不可漏放。
func (i *Interceptor) reducesLivePosition(ctx context.Context, order broker.Order) bool {
	positions, err := i.broker.OpenPositions(ctx, order.Account)
	if err != nil {
		i.logger.Error("锁定期间查询实时持仓失败，按拦截处理",
			zap.String("account", order.Account),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return false
	}

	for _, pos := range positions {
		if pos.Instrument != order.Instrument {
			continue
		}
		// 方向相反且数量不超过现有仓位才算减仓，超量委托会反向开仓。
		return order.Side == broker.SideFor(pos.Direction) && order.Quantity <= pos.Quantity
	}
	return false
}
