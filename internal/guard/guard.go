package guard

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/clock"
)

// State 表示某个(账户,合约)的处置状态。
type State int

const (
	// StateActive 可以正常触发处置。
	StateActive State = iota
	// StateClosing 平仓指令已发出，等待完成。
	StateClosing
	// StateClosed 平仓已完成，等待持仓重新活跃。
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultStaleAfter = 10 * time.Second
	shardCount        = 16
	keySep            = "|"
)

type record struct {
	state State
	since time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]record
}

// Guard 按(账户,合约)跟踪平仓处置的推进状态，防止重复触发。
// 锁按账户分片，不同账户之间不互相阻塞。
type Guard struct {
	shards     [shardCount]shard
	clk        clock.Clock
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewGuard 创建处置防重器。staleAfter 为 Closing 状态的过期时长，
// 超时后视为平仓回报丢失，自动放行重试。
func NewGuard(clk clock.Clock, staleAfter time.Duration, logger *zap.Logger) *Guard {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{clk: clk, staleAfter: staleAfter, logger: logger}
	for i := range g.shards {
		g.shards[i].records = make(map[string]record)
	}
	return g
}

func key(account, instrument string) string {
	return account + keySep + instrument
}

func (g *Guard) shardFor(account string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(account))
	return &g.shards[h.Sum32()%shardCount]
}

// CanActOn 返回是否允许对该(账户,合约)发起新的处置。
// Closing 状态阻断重复处置；超过 staleAfter 未收到完成回报则
// 自动恢复为 Active 并放行。Closed 状态阻断到持仓重新活跃为止。
func (g *Guard) CanActOn(account, instrument string) bool {
	sh := g.shardFor(account)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	k := key(account, instrument)
	rec, ok := sh.records[k]
	if !ok || rec.state == StateActive {
		return true
	}

	if rec.state == StateClosing && g.clk.Now().Sub(rec.since) >= g.staleAfter {
		delete(sh.records, k)
		g.logger.Warn("平仓状态停留过久，视为回报丢失并放行重试",
			zap.String("account", account),
			zap.String("instrument", instrument),
			zap.Duration("stale_after", g.staleAfter),
		)
		return true
	}

	return false
}

func (g *Guard) set(account, instrument string, state State) {
	sh := g.shardFor(account)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.records[key(account, instrument)] = record{state: state, since: g.clk.Now()}
}

// MarkClosing 标记平仓指令已发出。
func (g *Guard) MarkClosing(account, instrument string) {
	g.set(account, instrument, StateClosing)
}

// MarkClosed 标记平仓已完成。
func (g *Guard) MarkClosed(account, instrument string) {
	g.set(account, instrument, StateClosed)
}

// MarkActive 标记持仓重新活跃，允许后续处置。
func (g *Guard) MarkActive(account, instrument string) {
	sh := g.shardFor(account)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.records, key(account, instrument))
}

// StateOf 返回当前状态；没有记录时返回 (StateActive, false)。
func (g *Guard) StateOf(account, instrument string) (State, bool) {
	sh := g.shardFor(account)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[key(account, instrument)]
	if !ok {
		return StateActive, false
	}
	return rec.state, true
}

// ResetAccount 清除指定账户的全部处置记录，
// 用于锁定解除后给账户一个干净的起点。
func (g *Guard) ResetAccount(account string) {
	sh := g.shardFor(account)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prefix := account + keySep
	for k := range sh.records {
		if strings.HasPrefix(k, prefix) {
			delete(sh.records, k)
		}
	}
}
