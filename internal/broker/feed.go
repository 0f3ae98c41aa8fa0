package broker

import "sync"

// Feed 是事件通道的发布端，由具体 Broker 实现持有。
// 通道带缓冲，发布端满时丢弃最旧语义不可接受，因此满时阻塞，
// 由消费端（引擎的分发循环）保证及时消费。
type Feed struct {
	accounts   chan AccountUpdate
	orders     chan OrderUpdate
	positions  chan PositionUpdate
	executions chan ExecutionUpdate

	closeOnce sync.Once
}

// NewFeed 创建指定缓冲大小的事件源。
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{
		accounts:   make(chan AccountUpdate, buffer),
		orders:     make(chan OrderUpdate, buffer),
		positions:  make(chan PositionUpdate, buffer),
		executions: make(chan ExecutionUpdate, buffer),
	}
}

// Events 返回只读事件通道。
func (f *Feed) Events() Events {
	return Events{
		Accounts:   f.accounts,
		Orders:     f.orders,
		Positions:  f.positions,
		Executions: f.executions,
	}
}

// PublishAccount 推送账户盈亏更新。
func (f *Feed) PublishAccount(u AccountUpdate) {
	f.accounts <- u
}

// PublishOrder 推送委托状态更新。
func (f *Feed) PublishOrder(u OrderUpdate) {
	f.orders <- u
}

// PublishPosition 推送持仓更新。
func (f *Feed) PublishPosition(u PositionUpdate) {
	f.positions <- u
}

// PublishExecution 推送成交更新。
func (f *Feed) PublishExecution(u ExecutionUpdate) {
	f.executions <- u
}

// Close 关闭全部通道，通知消费端退出。
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		close(f.accounts)
		close(f.orders)
		close(f.positions)
		close(f.executions)
	})
}
