package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sim 是内存版经纪商，供仿真模式与测试使用。
// 指令立即生效：撤单移除委托，平仓清空持仓并推送对应事件。
type Sim struct {
	logger *zap.Logger
	feed   *Feed

	mu        sync.Mutex
	pnl       map[string]PnL
	positions map[string]map[string]Position // account -> instrument -> position
	orders    map[string]map[string]Order    // account -> order id -> order

	cancelled []Order
	flattened []string // "account|instrument"，全平记为 "account|*"
	submitted []Order
}

// NewSim 创建仿真经纪商。
func NewSim(logger *zap.Logger) *Sim {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sim{
		logger:    logger,
		feed:      NewFeed(64),
		pnl:       make(map[string]PnL),
		positions: make(map[string]map[string]Position),
		orders:    make(map[string]map[string]Order),
	}
}

// Events 返回事件通道。
func (s *Sim) Events() Events {
	return s.feed.Events()
}

// Close 关闭事件通道。
func (s *Sim) Close() {
	s.feed.Close()
}

// SetPnL 设置账户盈亏并推送账户事件。
func (s *Sim) SetPnL(account string, realized, unrealized float64) {
	s.mu.Lock()
	s.pnl[account] = PnL{Realized: realized, Unrealized: unrealized}
	s.mu.Unlock()

	s.feed.PublishAccount(AccountUpdate{
		Account:    account,
		Realized:   realized,
		Unrealized: unrealized,
		Time:       time.Now().UTC(),
	})
}

// SetPosition 设置持仓并推送持仓事件。数量为0时删除持仓。
func (s *Sim) SetPosition(p Position) {
	s.mu.Lock()
	byInstrument, ok := s.positions[p.Account]
	if !ok {
		byInstrument = make(map[string]Position)
		s.positions[p.Account] = byInstrument
	}
	if p.Quantity == 0 {
		delete(byInstrument, p.Instrument)
		p.Direction = DirectionFlat
	} else {
		byInstrument[p.Instrument] = p
	}
	s.mu.Unlock()

	s.feed.PublishPosition(PositionUpdate{
		Account:    p.Account,
		Instrument: p.Instrument,
		Direction:  p.Direction,
		Quantity:   p.Quantity,
		AvgPrice:   p.AvgPrice,
		Unrealized: p.Unrealized,
		Time:       time.Now().UTC(),
	})
}

// AddPendingOrder 挂入一笔委托并推送委托事件。
func (s *Sim) AddPendingOrder(o Order) {
	s.mu.Lock()
	byID, ok := s.orders[o.Account]
	if !ok {
		byID = make(map[string]Order)
		s.orders[o.Account] = byID
	}
	byID[o.ID] = o
	s.mu.Unlock()

	s.feed.PublishOrder(OrderUpdate{Order: o, State: OrderStateWorking, Time: time.Now().UTC()})
}

// PushExecution 推送一笔成交事件。
func (s *Sim) PushExecution(u ExecutionUpdate) {
	if u.Time.IsZero() {
		u.Time = time.Now().UTC()
	}
	s.feed.PublishExecution(u)
}

// OpenPositions 查询当前持仓。
func (s *Sim) OpenPositions(_ context.Context, account string) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byInstrument := s.positions[account]
	result := make([]Position, 0, len(byInstrument))
	for _, p := range byInstrument {
		result = append(result, p)
	}
	return result, nil
}

// PendingOrders 查询未成交委托。
func (s *Sim) PendingOrders(_ context.Context, account string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.orders[account]
	result := make([]Order, 0, len(byID))
	for _, o := range byID {
		result = append(result, o)
	}
	return result, nil
}

// AccountPnL 查询账户盈亏。
func (s *Sim) AccountPnL(_ context.Context, account string) (PnL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pnl[account], nil
}

// CancelOrder 撤销单笔委托。
func (s *Sim) CancelOrder(_ context.Context, order Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.orders[order.Account]
	if !ok {
		return ErrUnknownOrder
	}
	if _, exists := byID[order.ID]; !exists {
		return ErrUnknownOrder
	}
	delete(byID, order.ID)
	s.cancelled = append(s.cancelled, order)
	return nil
}

// CancelAllOrders 撤销账户全部委托。
func (s *Sim) CancelAllOrders(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders[account] {
		s.cancelled = append(s.cancelled, o)
	}
	s.orders[account] = make(map[string]Order)
	return nil
}

// FlattenPosition 打平指定合约持仓。
func (s *Sim) FlattenPosition(_ context.Context, account, instrument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byInstrument, ok := s.positions[account]; ok {
		delete(byInstrument, instrument)
	}
	s.flattened = append(s.flattened, account+"|"+instrument)
	return nil
}

// FlattenAll 打平账户全部持仓。
func (s *Sim) FlattenAll(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[account] = make(map[string]Position)
	s.flattened = append(s.flattened, account+"|*")
	return nil
}

// SubmitOrder 记录一笔提交的委托。
func (s *Sim) SubmitOrder(_ context.Context, order Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submitted = append(s.submitted, order)
	return nil
}

// Cancelled 返回已撤销委托的副本，供测试断言。
func (s *Sim) Cancelled() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Order(nil), s.cancelled...)
}

// Flattened 返回平仓调用记录的副本，供测试断言。
func (s *Sim) Flattened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.flattened...)
}

// Submitted 返回提交委托记录的副本，供测试断言。
func (s *Sim) Submitted() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Order(nil), s.submitted...)
}
