package broker

import "context"

// Events 汇总经纪商推送的各类事件通道。
type Events struct {
	Accounts   <-chan AccountUpdate
	Orders     <-chan OrderUpdate
	Positions  <-chan PositionUpdate
	Executions <-chan ExecutionUpdate
}

// Broker 抽象经纪商的查询与指令能力。
// 引擎只依赖该接口，不关心具体交易所的线协议。
type Broker interface {
	// 查询
	OpenPositions(ctx context.Context, account string) ([]Position, error)
	PendingOrders(ctx context.Context, account string) ([]Order, error)
	AccountPnL(ctx context.Context, account string) (PnL, error)

	// 指令
	CancelOrder(ctx context.Context, order Order) error
	CancelAllOrders(ctx context.Context, account string) error
	FlattenPosition(ctx context.Context, account, instrument string) error
	FlattenAll(ctx context.Context, account string) error
	SubmitOrder(ctx context.Context, order Order) error

	// 事件订阅
	Events() Events
}
