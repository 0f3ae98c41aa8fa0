package risk

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/broker"
	"riskguard/internal/config"
)

// ResetPolicy 描述规则内部状态的复位策略。
type ResetPolicy string

const (
	ResetNever         ResetPolicy = "never"
	ResetDaily         ResetPolicy = "daily"
	ResetRollingWindow ResetPolicy = "rolling_window"
)

// Violation 为单条规则的违规结论。
type Violation struct {
	Rule       string
	Action     Action
	Message    string
	Instrument string // 针对单一合约的违规才填写
}

// Rule 为风控规则的统一接口。Evaluate 只读 Context，不得产生副作用。
type Rule interface {
	Name() string
	Enabled() bool
	ResetPolicy() ResetPolicy
	Evaluate(ctx *Context) (*Violation, error)
}

type baseRule struct {
	name    string
	enabled bool
	action  Action
	reset   ResetPolicy
}

func (r baseRule) Name() string             { return r.name }
func (r baseRule) Enabled() bool            { return r.enabled }
func (r baseRule) ResetPolicy() ResetPolicy { return r.reset }

// TotalLossRule 在总盈亏（已实现+浮动，基线调整后）跌破阈值时触发。
type TotalLossRule struct {
	baseRule
	Threshold float64
}

// NewTotalLossRule 创建总亏损规则。
func NewTotalLossRule(enabled bool, action Action, threshold float64) *TotalLossRule {
	return &TotalLossRule{
		baseRule:  baseRule{name: "total_loss", enabled: enabled, action: action, reset: ResetDaily},
		Threshold: threshold,
	}
}

// Evaluate 实现 Rule。
func (r *TotalLossRule) Evaluate(ctx *Context) (*Violation, error) {
	if ctx.Total > -r.Threshold {
		return nil, nil
	}
	return &Violation{
		Rule:    r.name,
		Action:  r.action,
		Message: fmt.Sprintf("总盈亏 %.2f 跌破亏损上限 -%.2f", ctx.Total, r.Threshold),
	}, nil
}

// RealizedLossRule 在已实现亏损超过阈值时触发。
type RealizedLossRule struct {
	baseRule
	Threshold float64
}

// NewRealizedLossRule 创建已实现亏损规则。
func NewRealizedLossRule(enabled bool, action Action, threshold float64) *RealizedLossRule {
	return &RealizedLossRule{
		baseRule:  baseRule{name: "realized_loss", enabled: enabled, action: action, reset: ResetDaily},
		Threshold: threshold,
	}
}

// Evaluate 实现 Rule。
func (r *RealizedLossRule) Evaluate(ctx *Context) (*Violation, error) {
	if ctx.Realized > -r.Threshold {
		return nil, nil
	}
	return &Violation{
		Rule:    r.name,
		Action:  r.action,
		Message: fmt.Sprintf("已实现盈亏 %.2f 跌破亏损上限 -%.2f", ctx.Realized, r.Threshold),
	}, nil
}

// RealizedProfitRule 在已实现盈利达到目标时触发（锁定利润）。
type RealizedProfitRule struct {
	baseRule
	Threshold float64
}

// NewRealizedProfitRule 创建已实现盈利规则。
func NewRealizedProfitRule(enabled bool, action Action, threshold float64) *RealizedProfitRule {
	return &RealizedProfitRule{
		baseRule:  baseRule{name: "realized_profit", enabled: enabled, action: action, reset: ResetDaily},
		Threshold: threshold,
	}
}

// Evaluate 实现 Rule。
func (r *RealizedProfitRule) Evaluate(ctx *Context) (*Violation, error) {
	if ctx.Realized < r.Threshold {
		return nil, nil
	}
	return &Violation{
		Rule:    r.name,
		Action:  r.action,
		Message: fmt.Sprintf("已实现盈亏 %.2f 达到盈利目标 %.2f", ctx.Realized, r.Threshold),
	}, nil
}

// PerPositionLossRule 在单个持仓浮亏超过阈值时触发，只针对亏损最深的合约。
type PerPositionLossRule struct {
	baseRule
	Threshold float64
}

// NewPerPositionLossRule 创建单仓止损规则。
func NewPerPositionLossRule(enabled bool, action Action, threshold float64) *PerPositionLossRule {
	return &PerPositionLossRule{
		baseRule:  baseRule{name: "per_position_loss", enabled: enabled, action: action, reset: ResetNever},
		Threshold: threshold,
	}
}

// Evaluate 实现 Rule。
func (r *PerPositionLossRule) Evaluate(ctx *Context) (*Violation, error) {
	var worst *PositionSnapshot
	for _, p := range ctx.Positions {
		if p.Unrealized > -r.Threshold {
			continue
		}
		snapshot := p
		if worst == nil || snapshot.Unrealized < worst.Unrealized {
			worst = &snapshot
		}
	}
	if worst == nil {
		return nil, nil
	}
	return &Violation{
		Rule:       r.name,
		Action:     r.action,
		Message:    fmt.Sprintf("持仓 %s 浮亏 %.2f 超过单仓止损 -%.2f", worst.Instrument, worst.Unrealized, r.Threshold),
		Instrument: worst.Instrument,
	}, nil
}

// PerPositionProfitRule 在单个持仓浮盈达到目标时触发。
type PerPositionProfitRule struct {
	baseRule
	Threshold float64
}

// NewPerPositionProfitRule 创建单仓止盈规则。
func NewPerPositionProfitRule(enabled bool, action Action, threshold float64) *PerPositionProfitRule {
	return &PerPositionProfitRule{
		baseRule:  baseRule{name: "per_position_profit", enabled: enabled, action: action, reset: ResetNever},
		Threshold: threshold,
	}
}

// Evaluate 实现 Rule。
func (r *PerPositionProfitRule) Evaluate(ctx *Context) (*Violation, error) {
	var best *PositionSnapshot
	for _, p := range ctx.Positions {
		if p.Unrealized < r.Threshold {
			continue
		}
		snapshot := p
		if best == nil || snapshot.Unrealized > best.Unrealized {
			best = &snapshot
		}
	}
	if best == nil {
		return nil, nil
	}
	return &Violation{
		Rule:       r.name,
		Action:     r.action,
		Message:    fmt.Sprintf("持仓 %s 浮盈 %.2f 达到单仓止盈 %.2f", best.Instrument, best.Unrealized, r.Threshold),
		Instrument: best.Instrument,
	}, nil
}

// MaxPositionSizeRule 限制单合约最大持仓数量，支持按合约覆盖默认上限。
// 待审委托按成交后的投影数量参与判断。
type MaxPositionSizeRule struct {
	baseRule
	DefaultLimit int
	SymbolLimits map[string]int
}

// NewMaxPositionSizeRule 创建最大持仓规则。
func NewMaxPositionSizeRule(enabled bool, action Action, defaultLimit int, symbolLimits map[string]int) *MaxPositionSizeRule {
	if symbolLimits == nil {
		symbolLimits = make(map[string]int)
	}
	return &MaxPositionSizeRule{
		baseRule:     baseRule{name: "max_position_size", enabled: enabled, action: action, reset: ResetNever},
		DefaultLimit: defaultLimit,
		SymbolLimits: symbolLimits,
	}
}

func (r *MaxPositionSizeRule) limitFor(instrument string) int {
	upper := strings.ToUpper(strings.TrimSpace(instrument))
	if limit, ok := r.SymbolLimits[upper]; ok {
		return limit
	}
	// 形如 "GC 12-25" 的合约名退化到品种根符号。
	if fields := strings.Fields(upper); len(fields) > 1 {
		if limit, ok := r.SymbolLimits[fields[0]]; ok {
			return limit
		}
	}
	return r.DefaultLimit
}

// Evaluate 实现 Rule。
func (r *MaxPositionSizeRule) Evaluate(ctx *Context) (*Violation, error) {
	if order := ctx.PendingOrder; order != nil {
		limit := r.limitFor(order.Instrument)
		projected := order.Quantity
		if p, ok := ctx.Positions[order.Instrument]; ok {
			signed := signedQuantity(p)
			if order.Side == broker.OrderSideBuy {
				signed += order.Quantity
			} else {
				signed -= order.Quantity
			}
			projected = signed
			if projected < 0 {
				projected = -projected
			}
		}
		if projected > float64(limit) {
			return &Violation{
				Rule:       r.name,
				Action:     r.action,
				Message:    fmt.Sprintf("委托成交后 %s 持仓 %.0f 将超过上限 %d", order.Instrument, projected, limit),
				Instrument: order.Instrument,
			}, nil
		}
	}

	for _, p := range ctx.Positions {
		limit := r.limitFor(p.Instrument)
		if p.Quantity > float64(limit) {
			return &Violation{
				Rule:       r.name,
				Action:     r.action,
				Message:    fmt.Sprintf("持仓 %s 数量 %.0f 超过上限 %d", p.Instrument, p.Quantity, limit),
				Instrument: p.Instrument,
			}, nil
		}
	}

	return nil, nil
}

// TradeFrequencyRule 限制滚动窗口内的成交笔数。
type TradeFrequencyRule struct {
	baseRule
	MaxTrades int
	Window    time.Duration
}

// NewTradeFrequencyRule 创建交易频率规则。
func NewTradeFrequencyRule(enabled bool, action Action, maxTrades int, window time.Duration) *TradeFrequencyRule {
	return &TradeFrequencyRule{
		baseRule:  baseRule{name: "trade_frequency", enabled: enabled, action: action, reset: ResetRollingWindow},
		MaxTrades: maxTrades,
		Window:    window,
	}
}

// Evaluate 实现 Rule。窗口从快照时刻向回度量，闭区间。
func (r *TradeFrequencyRule) Evaluate(ctx *Context) (*Violation, error) {
	if r.MaxTrades <= 0 || r.Window <= 0 {
		return nil, fmt.Errorf("risk: trade_frequency 配置无效 max_trades=%d window=%s", r.MaxTrades, r.Window)
	}

	cutoff := ctx.BuiltAt.Add(-r.Window)
	count := 0
	for _, exec := range ctx.Executions {
		if exec.Time.Before(cutoff) {
			continue
		}
		count++
	}

	if count < r.MaxTrades {
		return nil, nil
	}
	return &Violation{
		Rule:    r.name,
		Action:  r.action,
		Message: fmt.Sprintf("%s 内成交 %d 笔, 达到上限 %d", r.Window, count, r.MaxTrades),
	}, nil
}

// SymbolBlockRule 禁止在列表内的合约上交易。
type SymbolBlockRule struct {
	baseRule
	blocked map[string]struct{}
}

// NewSymbolBlockRule 创建合约黑名单规则。
func NewSymbolBlockRule(enabled bool, action Action, symbols []string) *SymbolBlockRule {
	blocked := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		blocked[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return &SymbolBlockRule{
		baseRule: baseRule{name: "symbol_block", enabled: enabled, action: action, reset: ResetNever},
		blocked:  blocked,
	}
}

func (r *SymbolBlockRule) isBlocked(instrument string) bool {
	upper := strings.ToUpper(strings.TrimSpace(instrument))
	if _, ok := r.blocked[upper]; ok {
		return true
	}
	if fields := strings.Fields(upper); len(fields) > 1 {
		if _, ok := r.blocked[fields[0]]; ok {
			return true
		}
	}
	return false
}

// Evaluate 实现 Rule。
func (r *SymbolBlockRule) Evaluate(ctx *Context) (*Violation, error) {
	order := ctx.PendingOrder
	if order == nil {
		return nil, nil
	}
	if !r.isBlocked(order.Instrument) {
		return nil, nil
	}
	return &Violation{
		Rule:       r.name,
		Action:     r.action,
		Message:    fmt.Sprintf("合约 %s 在禁止交易列表中", order.Instrument),
		Instrument: order.Instrument,
	}, nil
}

// FromConfig 根据配置构建规则集。
// 非法的动作名与合约上限条目按条回退到默认值并记录日志，不影响其余配置生效。
func FromConfig(cfg config.RulesConfig, logger *zap.Logger) []Rule {
	if logger == nil {
		logger = zap.NewNop()
	}

	parseAction := func(rule, value string, fallback Action) Action {
		action, err := ParseAction(value)
		if err != nil {
			logger.Warn("规则动作配置无效，使用默认动作",
				zap.String("rule", rule),
				zap.String("configured", value),
				zap.String("fallback", fallback.String()),
			)
			return fallback
		}
		return action
	}

	symbolLimits, anomalies := ParseSymbolLimits(cfg.MaxPositionSize.SymbolLimits)
	for _, anomaly := range anomalies {
		logger.Warn("按合约上限条目无效，已跳过", zap.String("entry", anomaly))
	}

	return []Rule{
		NewTotalLossRule(cfg.TotalLoss.Enabled,
			parseAction("total_loss", cfg.TotalLoss.Action, ActionLockout),
			cfg.TotalLoss.Threshold),
		NewRealizedLossRule(cfg.RealizedLoss.Enabled,
			parseAction("realized_loss", cfg.RealizedLoss.Action, ActionLockout),
			cfg.RealizedLoss.Threshold),
		NewRealizedProfitRule(cfg.RealizedProfit.Enabled,
			parseAction("realized_profit", cfg.RealizedProfit.Action, ActionLockout),
			cfg.RealizedProfit.Threshold),
		NewPerPositionLossRule(cfg.PerPositionLoss.Enabled,
			parseAction("per_position_loss", cfg.PerPositionLoss.Action, ActionFlattenOnePosition),
			cfg.PerPositionLoss.Threshold),
		NewPerPositionProfitRule(cfg.PerPositionProfit.Enabled,
			parseAction("per_position_profit", cfg.PerPositionProfit.Action, ActionFlattenOnePosition),
			cfg.PerPositionProfit.Threshold),
		NewMaxPositionSizeRule(cfg.MaxPositionSize.Enabled,
			parseAction("max_position_size", cfg.MaxPositionSize.Action, ActionBlockOrder),
			cfg.MaxPositionSize.DefaultLimit, symbolLimits),
		NewTradeFrequencyRule(cfg.TradeFrequency.Enabled,
			parseAction("trade_frequency", cfg.TradeFrequency.Action, ActionBlockOrder),
			cfg.TradeFrequency.MaxTrades, cfg.TradeFrequency.Window),
		NewSymbolBlockRule(cfg.SymbolBlock.Enabled,
			parseAction("symbol_block", cfg.SymbolBlock.Action, ActionBlockOrder),
			ParseSymbolList(cfg.SymbolBlock.Symbols)),
	}
}

func signedQuantity(p PositionSnapshot) float64 {
	if p.Direction == broker.DirectionShort {
		return -p.Quantity
	}
	return p.Quantity
}
