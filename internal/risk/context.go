package risk

import (
	"time"

	"riskguard/internal/broker"
)

// PositionSnapshot 为评估时刻单个合约的持仓切片。
type PositionSnapshot struct {
	Instrument string
	Direction  broker.Direction
	Quantity   float64
	AvgPrice   float64
	Unrealized float64
}

// ExecutionRecord 为评估窗口内的一笔成交。
type ExecutionRecord struct {
	Instrument string
	Side       broker.OrderSide
	Quantity   float64
	Price      float64
	Time       time.Time
}

// Context 是一次评估所依赖的不可变快照。
// 由构建它的那次评估调用独占，构建完成后不再修改。
// 盈亏字段均已按基线偏移调整。
type Context struct {
	Account string

	Realized   float64
	Unrealized float64
	Total      float64
	PeakTotal  float64

	Positions    map[string]PositionSnapshot
	Executions   []ExecutionRecord // 按时间升序
	PendingOrder *broker.Order

	ConsecutiveWins   int
	ConsecutiveLosses int

	BuiltAt time.Time
}
