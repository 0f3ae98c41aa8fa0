package account

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/broker"
	"riskguard/internal/clock"
	"riskguard/internal/risk"
)

const defaultRetention = time.Hour

// state 为单个账户的可变状态，独立持锁，避免账户之间互相串行。
type state struct {
	mu sync.Mutex

	realized   float64
	unrealized float64
	baseline   float64 // 已实现盈亏的零点偏移
	peakTotal  float64

	positions  map[string]risk.PositionSnapshot
	executions []risk.ExecutionRecord

	wins   int
	losses int

	tradingDay string
}

// Tracker 维护全部账户的盈亏、持仓与成交窗口，并产出评估快照。
type Tracker struct {
	mu       sync.RWMutex
	accounts map[string]*state

	clk         clock.Clock
	retention   time.Duration
	resetHour   int
	resetMinute int
	logger      *zap.Logger
}

// NewTracker 创建账户状态跟踪器。
// retention 控制成交记录的保留时长，至少应覆盖交易频率规则的窗口。
// resetHour/resetMinute 为每日基线复位时刻。
func NewTracker(clk clock.Clock, retention time.Duration, resetHour, resetMinute int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Tracker{
		accounts:    make(map[string]*state),
		clk:         clk,
		retention:   retention,
		resetHour:   resetHour,
		resetMinute: resetMinute,
		logger:      logger,
	}
}

func (t *Tracker) stateFor(account string) *state {
	t.mu.RLock()
	s, ok := t.accounts[account]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.accounts[account]; ok {
		return s
	}
	s = &state{positions: make(map[string]risk.PositionSnapshot)}
	t.accounts[account] = s
	return s
}

// tradingDay 以每日复位时刻为界计算交易日标签。
func (t *Tracker) tradingDay(ts time.Time) string {
	shifted := ts.UTC().Add(-time.Duration(t.resetHour)*time.Hour - time.Duration(t.resetMinute)*time.Minute)
	return shifted.Format("2006-01-02")
}

// 跨过复位时刻后把已实现基线移到当前值，峰值与连胜计数同时清零。
// 调用方必须已持有 s.mu。
func (t *Tracker) maybeRollDay(account string, s *state, now time.Time) {
	day := t.tradingDay(now)
	if s.tradingDay == day {
		return
	}
	if s.tradingDay != "" {
		s.baseline = s.realized
		s.peakTotal = 0
		s.wins = 0
		s.losses = 0
		t.logger.Info("跨过每日复位时刻，已实现盈亏基线已重置",
			zap.String("account", account),
			zap.String("trading_day", day),
		)
	}
	s.tradingDay = day
}

// ApplyAccount 应用账户盈亏更新。
func (t *Tracker) ApplyAccount(u broker.AccountUpdate) {
	s := t.stateFor(u.Account)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := u.Time
	if now.IsZero() {
		now = t.clk.Now()
	}
	t.maybeRollDay(u.Account, s, now)

	prevRealized := s.realized
	s.realized = u.Realized
	s.unrealized = u.Unrealized

	// 已实现盈亏的变化方向驱动连胜/连亏计数。
	switch delta := u.Realized - prevRealized; {
	case delta > 0:
		s.wins++
		s.losses = 0
	case delta < 0:
		s.losses++
		s.wins = 0
	}

	total := (s.realized - s.baseline) + s.unrealized
	if total > s.peakTotal {
		s.peakTotal = total
	}
}

// ApplyPosition 应用持仓更新。数量为0时移除持仓。
func (t *Tracker) ApplyPosition(u broker.PositionUpdate) {
	s := t.stateFor(u.Account)
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Quantity == 0 || u.Direction == broker.DirectionFlat {
		delete(s.positions, u.Instrument)
		return
	}

	s.positions[u.Instrument] = risk.PositionSnapshot{
		Instrument: u.Instrument,
		Direction:  u.Direction,
		Quantity:   u.Quantity,
		AvgPrice:   u.AvgPrice,
		Unrealized: u.Unrealized,
	}
}

// ApplyExecution 追加成交记录并裁剪过期窗口。
func (t *Tracker) ApplyExecution(u broker.ExecutionUpdate) {
	s := t.stateFor(u.Account)
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := u.Time
	if ts.IsZero() {
		ts = t.clk.Now()
	}

	s.executions = append(s.executions, risk.ExecutionRecord{
		Instrument: u.Instrument,
		Side:       u.Side,
		Quantity:   u.Quantity,
		Price:      u.Price,
		Time:       ts,
	})

	cutoff := t.clk.Now().Add(-t.retention)
	trimmed := s.executions[:0]
	for _, exec := range s.executions {
		if exec.Time.Before(cutoff) {
			continue
		}
		trimmed = append(trimmed, exec)
	}
	s.executions = trimmed
}

// Snapshot 生成指定账户的不可变评估快照。
// pending 为本次评估要审查的待成交委托，可以为 nil。
func (t *Tracker) Snapshot(account string, pending *broker.Order) *risk.Context {
	s := t.stateFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.clk.Now()
	t.maybeRollDay(account, s, now)

	positions := make(map[string]risk.PositionSnapshot, len(s.positions))
	for k, v := range s.positions {
		positions[k] = v
	}
	executions := append([]risk.ExecutionRecord(nil), s.executions...)

	adjustedRealized := s.realized - s.baseline
	var pendingCopy *broker.Order
	if pending != nil {
		copied := *pending
		pendingCopy = &copied
	}

	return &risk.Context{
		Account:           account,
		Realized:          adjustedRealized,
		Unrealized:        s.unrealized,
		Total:             adjustedRealized + s.unrealized,
		PeakTotal:         s.peakTotal,
		Positions:         positions,
		Executions:        executions,
		PendingOrder:      pendingCopy,
		ConsecutiveWins:   s.wins,
		ConsecutiveLosses: s.losses,
		BuiltAt:           now,
	}
}

// ResetBaseline 把指定账户的已实现盈亏零点移到当前值。
// 只影响规则比较口径，不触碰真实账本。
func (t *Tracker) ResetBaseline(account string) {
	s := t.stateFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baseline = s.realized
	s.peakTotal = 0
	s.wins = 0
	s.losses = 0

	t.logger.Info("盈亏基线已手动重置", zap.String("account", account))
}

// ResetAllBaselines 重置全部已知账户的基线。
func (t *Tracker) ResetAllBaselines() {
	t.mu.RLock()
	accounts := make([]string, 0, len(t.accounts))
	for account := range t.accounts {
		accounts = append(accounts, account)
	}
	t.mu.RUnlock()

	for _, account := range accounts {
		t.ResetBaseline(account)
	}
}
