package lockout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/clock"
)

// Kind 表示锁定的生命周期类型。
type Kind string

const (
	// KindUntilReset 锁定到每日复位时刻。
	KindUntilReset Kind = "until_reset"
	// KindTimed 锁定固定时长。
	KindTimed Kind = "timed"
)

// State 为单个账户的锁定状态。
type State struct {
	Account   string    `json:"account"`
	Kind      Kind      `json:"kind"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"started_at"`

	// Timed 专用
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// UntilReset 专用
	ResetHour   int `json:"reset_hour"`
	ResetMinute int `json:"reset_minute"`
}

// TimeRemaining 返回 Timed 锁定的剩余时长，其它类型返回0。
func (s State) TimeRemaining(now time.Time) time.Duration {
	if s.Kind != KindTimed {
		return 0
	}
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// expired 按懒惰复核规则判断锁定是否已经失效。
func (s State) expired(now time.Time) bool {
	switch s.Kind {
	case KindTimed:
		return !now.Before(s.ExpiresAt)
	case KindUntilReset:
		// 自锁定开始以来只要经过了一个复位时刻即失效。
		// 用"最近一次不晚于 now 的复位时刻"比较，避免把复位时刻之后
		// 才触发的锁定误清掉，也能正确处理跨夜重启。
		reset := time.Date(now.Year(), now.Month(), now.Day(), s.ResetHour, s.ResetMinute, 0, 0, time.UTC)
		if now.Before(reset) {
			reset = reset.Add(-24 * time.Hour)
		}
		return s.StartedAt.Before(reset)
	default:
		return true
	}
}

type entry struct {
	mu      sync.Mutex
	state   State
	present bool
}

// Store 维护按账户的锁定状态机，每次状态变更都同步落盘。
// 落盘失败只降级为严重日志：内存状态本会话内继续生效，但重启会丢。
type Store struct {
	db     *sql.DB
	clk    clock.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewStore 创建锁定存储，初始化表结构并重新校验历史锁定。
func NewStore(db *sql.DB, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("lockout: 数据库实例不能为空")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		db:      db,
		clk:     clk,
		logger:  logger,
		entries: make(map[string]*entry),
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `CREATE TABLE IF NOT EXISTS lockouts (
		account TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL,
		started_at TEXT NOT NULL,
		expires_at TEXT,
		reset_time TEXT
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("lockout: 初始化表结构失败: %w", err)
	}
	return nil
}

// reload 把持久化的锁定读回内存，按同一套失效规则复核，
// 只保留仍然有效的条目，失效条目顺手从库里清掉。
func (s *Store) reload() error {
	rows, err := s.db.Query(`SELECT account, kind, reason, started_at, expires_at, reset_time FROM lockouts`)
	if err != nil {
		return fmt.Errorf("lockout: 读取历史锁定失败: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.clk.Now()
	var stale []string

	for rows.Next() {
		var (
			account, kind, reason, startedAt string
			expiresAt, resetTime             sql.NullString
		)
		if err := rows.Scan(&account, &kind, &reason, &startedAt, &expiresAt, &resetTime); err != nil {
			return fmt.Errorf("lockout: 解析历史锁定失败: %w", err)
		}

		state, parseErr := decodeRow(account, kind, reason, startedAt, expiresAt, resetTime)
		if parseErr != nil {
			s.logger.Warn("历史锁定记录无法解析，已丢弃",
				zap.String("account", account),
				zap.Error(parseErr),
			)
			stale = append(stale, account)
			continue
		}

		if state.expired(now) {
			s.logger.Info("历史锁定已过期，不再恢复",
				zap.String("account", account),
				zap.String("kind", string(state.Kind)),
			)
			stale = append(stale, account)
			continue
		}

		s.entries[account] = &entry{state: state, present: true}
		s.logger.Info("恢复历史锁定",
			zap.String("account", account),
			zap.String("kind", string(state.Kind)),
			zap.String("reason", state.Reason),
		)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lockout: 遍历历史锁定失败: %w", err)
	}

	for _, account := range stale {
		if _, err := s.db.Exec(`DELETE FROM lockouts WHERE account = ?`, account); err != nil {
			s.logger.Warn("清理过期锁定记录失败", zap.String("account", account), zap.Error(err))
		}
	}

	return nil
}

func decodeRow(account, kind, reason, startedAt string, expiresAt, resetTime sql.NullString) (State, error) {
	started, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return State{}, fmt.Errorf("started_at 无效: %w", err)
	}

	state := State{
		Account:   account,
		Kind:      Kind(kind),
		Reason:    reason,
		StartedAt: started.UTC(),
	}

	switch state.Kind {
	case KindTimed:
		if !expiresAt.Valid {
			return State{}, errors.New("timed 锁定缺少 expires_at")
		}
		expires, err := time.Parse(time.RFC3339, expiresAt.String)
		if err != nil {
			return State{}, fmt.Errorf("expires_at 无效: %w", err)
		}
		state.ExpiresAt = expires.UTC()
	case KindUntilReset:
		if !resetTime.Valid {
			return State{}, errors.New("until_reset 锁定缺少 reset_time")
		}
		if _, err := fmt.Sscanf(resetTime.String, "%d:%d", &state.ResetHour, &state.ResetMinute); err != nil {
			return State{}, fmt.Errorf("reset_time 无效: %w", err)
		}
	default:
		return State{}, fmt.Errorf("未知锁定类型 %q", kind)
	}

	return state, nil
}

func (s *Store) entryFor(account string) *entry {
	s.mu.RLock()
	e, ok := s.entries[account]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[account]; ok {
		return e
	}
	e = &entry{}
	s.entries[account] = e
	return e
}

// Engage 设置锁定并在返回前同步落盘。
// 账户已处于锁定状态时为幂等空操作，两种锁定类型之间不存在直接迁移。
func (s *Store) Engage(ctx context.Context, state State) error {
	e := s.entryFor(state.Account)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.present && !e.state.expired(s.clk.Now()) {
		s.logger.Debug("账户已处于锁定状态，忽略重复锁定",
			zap.String("account", state.Account),
		)
		return nil
	}

	e.state = state
	e.present = true

	if err := s.persist(ctx, state); err != nil {
		s.logger.Error("锁定状态落盘失败：内存状态本会话内仍然生效，但进程重启后将丢失",
			zap.String("account", state.Account),
			zap.Error(err),
		)
		return err
	}

	s.logger.Warn("账户已锁定",
		zap.String("account", state.Account),
		zap.String("kind", string(state.Kind)),
		zap.String("reason", state.Reason),
	)
	return nil
}

func (s *Store) persist(ctx context.Context, state State) error {
	var expiresAt, resetTime interface{}
	switch state.Kind {
	case KindTimed:
		expiresAt = state.ExpiresAt.UTC().Format(time.RFC3339)
	case KindUntilReset:
		resetTime = fmt.Sprintf("%02d:%02d", state.ResetHour, state.ResetMinute)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lockouts (account, kind, reason, started_at, expires_at, reset_time)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET
			kind = excluded.kind,
			reason = excluded.reason,
			started_at = excluded.started_at,
			expires_at = excluded.expires_at,
			reset_time = excluded.reset_time`,
		state.Account, string(state.Kind), state.Reason,
		state.StartedAt.UTC().Format(time.RFC3339), expiresAt, resetTime,
	)
	if err != nil {
		return fmt.Errorf("lockout: 写入锁定状态失败: %w", err)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, account string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lockouts WHERE account = ?`, account); err != nil {
		return fmt.Errorf("lockout: 删除锁定状态失败: %w", err)
	}
	return nil
}

// IsLockedOut 返回账户当前是否处于锁定状态。
// 失效复核在读取时进行，发现失效立即移除并落盘。
func (s *Store) IsLockedOut(account string) bool {
	_, locked := s.Get(account)
	return locked
}

// Get 返回账户的锁定状态（若处于锁定中）。
func (s *Store) Get(account string) (State, bool) {
	e := s.entryFor(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.present {
		return State{}, false
	}

	if e.state.expired(s.clk.Now()) {
		expiredState := e.state
		e.present = false
		if err := s.remove(context.Background(), account); err != nil {
			s.logger.Error("移除过期锁定落盘失败", zap.String("account", account), zap.Error(err))
		}
		s.logger.Info("锁定已到期解除",
			zap.String("account", account),
			zap.String("kind", string(expiredState.Kind)),
		)
		return State{}, false
	}

	return e.state, true
}

// Clear 手动解除指定账户的锁定并落盘。
func (s *Store) Clear(ctx context.Context, account string) error {
	e := s.entryFor(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.present {
		return nil
	}
	e.present = false

	if err := s.remove(ctx, account); err != nil {
		s.logger.Error("解除锁定落盘失败：内存状态已解除，但重启后锁定会复活",
			zap.String("account", account),
			zap.Error(err),
		)
		return err
	}

	s.logger.Info("锁定已手动解除", zap.String("account", account))
	return nil
}

// ClearAll 解除全部账户的锁定并落盘。
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.RLock()
	accounts := make([]string, 0, len(s.entries))
	for account := range s.entries {
		accounts = append(accounts, account)
	}
	s.mu.RUnlock()

	var firstErr error
	for _, account := range accounts {
		if err := s.Clear(ctx, account); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Active 返回当前全部有效锁定的副本。
func (s *Store) Active() []State {
	s.mu.RLock()
	accounts := make([]string, 0, len(s.entries))
	for account := range s.entries {
		accounts = append(accounts, account)
	}
	s.mu.RUnlock()

	var states []State
	for _, account := range accounts {
		if state, locked := s.Get(account); locked {
			states = append(states, state)
		}
	}
	return states
}
