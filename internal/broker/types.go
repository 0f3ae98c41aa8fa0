package broker

import "time"

// Direction 表示持仓方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// OrderSide 表示委托方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderState 表示委托生命周期状态。
type OrderState string

const (
	OrderStateWorking   OrderState = "working"
	OrderStateFilled    OrderState = "filled"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateRejected  OrderState = "rejected"
)

// Position 描述一个账户在某合约上的持仓。
type Position struct {
	Account    string
	Instrument string
	Direction  Direction
	Quantity   float64
	AvgPrice   float64
	Unrealized float64
}

// Order 描述一笔委托。
type Order struct {
	ID         string
	Account    string
	Instrument string
	Side       OrderSide
	Quantity   float64
	Price      float64
}

// PnL 为经纪商口径的账户盈亏。
type PnL struct {
	Realized   float64
	Unrealized float64
}

// Total 返回已实现与浮动盈亏之和。
func (p PnL) Total() float64 {
	return p.Realized + p.Unrealized
}

// AccountUpdate 为账户盈亏推送。
type AccountUpdate struct {
	Account    string
	Realized   float64
	Unrealized float64
	Time       time.Time
}

// OrderUpdate 为委托状态推送。
type OrderUpdate struct {
	Order Order
	State OrderState
	Time  time.Time
}

// PositionUpdate 为持仓变动推送。
type PositionUpdate struct {
	Account    string
	Instrument string
	Direction  Direction
	Quantity   float64
	AvgPrice   float64
	Unrealized float64
	Time       time.Time
}

// ExecutionUpdate 为成交推送。
type ExecutionUpdate struct {
	Account    string
	Instrument string
	Side       OrderSide
	Quantity   float64
	Price      float64
	Time       time.Time
}

// Opposite 返回相反的委托方向。
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// SideFor 返回把 direction 方向的持仓打平所需的委托方向。
func SideFor(direction Direction) OrderSide {
	if direction == DirectionShort {
		return OrderSideBuy
	}
	return OrderSideSell
}
