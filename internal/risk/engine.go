package risk

import (
	"fmt"

	"go.uber.org/zap"
)

// EvaluationResult 为一次评估的汇总结论。
type EvaluationResult struct {
	Violations     []Violation
	RequiredAction Action
}

// Violated 返回本次评估是否存在违规。
func (r EvaluationResult) Violated() bool {
	return len(r.Violations) > 0
}

// ViolationFor 返回第一条要求 action 动作的违规，用于取单仓处置的合约。
func (r EvaluationResult) ViolationFor(action Action) *Violation {
	for i := range r.Violations {
		if r.Violations[i].Action == action {
			return &r.Violations[i]
		}
	}
	return nil
}

// Engine 对给定规则集执行评估。
type Engine struct {
	rules  []Rule
	logger *zap.Logger
}

// NewEngine 创建规则引擎。
func NewEngine(rules []Rule, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rules:  rules,
		logger: logger,
	}
}

// Evaluate 对快照执行全部启用规则，返回违规集合与最严重的处置动作。
// 单条规则的错误或 panic 只记录日志并跳过该规则，绝不中断其余规则的评估。
// 除日志外不产生任何副作用。
func (e *Engine) Evaluate(ctx *Context) EvaluationResult {
	result := EvaluationResult{RequiredAction: ActionNone}
	if ctx == nil {
		return result
	}

	for _, rule := range e.rules {
		if !rule.Enabled() {
			continue
		}

		violation, err := e.evaluateRule(rule, ctx)
		if err != nil {
			e.logger.Error("规则评估失败，跳过该规则",
				zap.String("rule", rule.Name()),
				zap.String("account", ctx.Account),
				zap.Error(err),
			)
			continue
		}
		if violation == nil {
			continue
		}

		result.Violations = append(result.Violations, *violation)
		result.RequiredAction = MaxAction(result.RequiredAction, violation.Action)

		e.logger.Warn("风控规则触发",
			zap.String("rule", violation.Rule),
			zap.String("account", ctx.Account),
			zap.String("action", violation.Action.String()),
			zap.String("instrument", violation.Instrument),
			zap.String("message", violation.Message),
		)
	}

	return result
}

func (e *Engine) evaluateRule(rule Rule, ctx *Context) (violation *Violation, err error) {
	defer func() {
		if r := recover(); r != nil {
			violation = nil
			err = fmt.Errorf("risk: 规则 %s 评估 panic: %v", rule.Name(), r)
		}
	}()
	return rule.Evaluate(ctx)
}
