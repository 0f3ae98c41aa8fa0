package risk

import "fmt"

// Action 表示规则触发后要求的处置动作。
// 数值即严重程度排序：None < Alert < BlockOrder < FlattenOnePosition <
// FlattenAllPositions < Lockout。Max 与引擎的动作归并都依赖这一全序，
// 对应关系由 action_test.go 钉住，调整枚举顺序必须同步修改测试。
type Action int

const (
	ActionNone Action = iota
	ActionAlert
	ActionBlockOrder
	ActionFlattenOnePosition
	ActionFlattenAllPositions
	ActionLockout
)

// String 返回动作的配置名。
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionAlert:
		return "alert"
	case ActionBlockOrder:
		return "block_order"
	case ActionFlattenOnePosition:
		return "flatten_position"
	case ActionFlattenAllPositions:
		return "flatten_all"
	case ActionLockout:
		return "lockout"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction 将配置名解析为 Action。
func ParseAction(value string) (Action, error) {
	switch value {
	case "none", "":
		return ActionNone, nil
	case "alert":
		return ActionAlert, nil
	case "block_order":
		return ActionBlockOrder, nil
	case "flatten_position":
		return ActionFlattenOnePosition, nil
	case "flatten_all":
		return ActionFlattenAllPositions, nil
	case "lockout":
		return ActionLockout, nil
	default:
		return ActionNone, fmt.Errorf("risk: 未知的处置动作 %q", value)
	}
}

// MaxAction 返回两个动作中更严重的一个。
func MaxAction(a, b Action) Action {
	if b > a {
		return b
	}
	return a
}
