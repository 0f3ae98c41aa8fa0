package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"riskguard/internal/account"
	"riskguard/internal/broker"
	"riskguard/internal/clock"
	"riskguard/internal/config"
	"riskguard/internal/enforce"
	"riskguard/internal/guard"
	"riskguard/internal/lockout"
	"riskguard/internal/risk"
	"riskguard/internal/store"
)

// Service 是风控引擎的对外门面：
// 消费经纪商事件流，维护账户快照，评估规则并落实处置。
type Service struct {
	cfg    *config.Config
	broker broker.Broker
	logger *zap.Logger
	clk    clock.Clock

	tracker     *account.Tracker
	riskEngine  *risk.Engine
	guard       *guard.Guard
	locks       *lockout.Store
	history     *enforce.History
	executor    *enforce.Executor
	interceptor *enforce.Interceptor

	// 解锁后的静默窗口：窗口内不做评估，给账户一个干净起点。
	graceMu    sync.Mutex
	graceUntil map[string]time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService 从配置组装全部组件。
func NewService(cfg *config.Config, b broker.Broker, st *store.Store,
	clk clock.Clock, sched clock.Scheduler, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("engine: 配置不能为空")
	}
	if b == nil {
		return nil, errors.New("engine: 经纪商实例不能为空")
	}
	if st == nil {
		return nil, errors.New("engine: 存储实例不能为空")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if sched == nil {
		sched = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	resetHour, resetMinute := 0, 0
	if cfg.Lockout.Kind == "until_reset" {
		var err error
		resetHour, resetMinute, err = config.ParseResetTime(cfg.Lockout.ResetTime)
		if err != nil {
			return nil, fmt.Errorf("engine: 解析每日复位时刻失败: %w", err)
		}
	}

	retention := cfg.Rules.TradeFrequency.Window * 2
	tracker := account.NewTracker(clk, retention, resetHour, resetMinute, logger)
	riskEngine := risk.NewEngine(risk.FromConfig(cfg.Rules, logger), logger)
	g := guard.NewGuard(clk, cfg.Enforcement.GuardStaleAfter, logger)

	locks, err := lockout.NewStore(st.DB(), clk, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: 初始化锁定存储失败: %w", err)
	}
	history, err := enforce.NewHistory(st.DB(), cfg.Enforcement.HistoryLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: 初始化审计存储失败: %w", err)
	}

	execCfg := enforce.ExecutorConfig{
		Cooldown:     cfg.Enforcement.Cooldown,
		RecheckDelay: cfg.Enforcement.RecheckDelay,
		Lockout: enforce.LockoutPolicy{
			Kind:        lockout.Kind(cfg.Lockout.Kind),
			Duration:    cfg.Lockout.Duration,
			ResetHour:   resetHour,
			ResetMinute: resetMinute,
		},
	}
	executor := enforce.NewExecutor(execCfg, b, g, locks, history, clk, sched, logger)
	interceptor := enforce.NewInterceptor(b, locks, history, clk, logger)

	return &Service{
		cfg:         cfg,
		broker:      b,
		logger:      logger,
		clk:         clk,
		tracker:     tracker,
		riskEngine:  riskEngine,
		guard:       g,
		locks:       locks,
		history:     history,
		executor:    executor,
		interceptor: interceptor,
		graceUntil:  make(map[string]time.Time),
	}, nil
}

// StartMonitoring 启动事件分发循环，非阻塞。重复调用返回错误。
func (s *Service) StartMonitoring(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return errors.New("engine: 监控已在运行")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	events := s.broker.Events()
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error { return s.dispatchAccounts(groupCtx, events.Accounts) })
	group.Go(func() error { return s.dispatchOrders(groupCtx, events.Orders) })
	group.Go(func() error { return s.dispatchPositions(groupCtx, events.Positions) })
	group.Go(func() error { return s.dispatchExecutions(groupCtx, events.Executions) })

	go func() {
		defer close(s.done)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("事件分发循环异常退出", zap.Error(err))
		}
	}()

	s.logger.Info("风控监控已启动",
		zap.String("account", s.cfg.Broker.Account),
		zap.String("lockout_kind", s.cfg.Lockout.Kind),
	)
	return nil
}

// StopMonitoring 停止事件分发并等待循环退出。
func (s *Service) StopMonitoring() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("风控监控已停止")
}

func (s *Service) dispatchAccounts(ctx context.Context, ch <-chan broker.AccountUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-ch:
			if !ok {
				return nil
			}
			s.tracker.ApplyAccount(u)
			s.evaluate(ctx, u.Account, nil)
		}
	}
}

func (s *Service) dispatchOrders(ctx context.Context, ch <-chan broker.OrderUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-ch:
			if !ok {
				return nil
			}
			if u.State != broker.OrderStateWorking {
				continue
			}
			// 锁定期间先过拦截器，被拦下的委托不再进入规则评估。
			if s.interceptor.Intercept(ctx, u.Order) {
				continue
			}
			order := u.Order
			s.evaluate(ctx, order.Account, &order)
		}
	}
}

func (s *Service) dispatchPositions(ctx context.Context, ch <-chan broker.PositionUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-ch:
			if !ok {
				return nil
			}
			s.tracker.ApplyPosition(u)
			if u.Quantity == 0 || u.Direction == broker.DirectionFlat {
				s.guard.MarkClosed(u.Account, u.Instrument)
			} else {
				s.guard.MarkActive(u.Account, u.Instrument)
			}
			s.evaluate(ctx, u.Account, nil)
		}
	}
}

func (s *Service) dispatchExecutions(ctx context.Context, ch <-chan broker.ExecutionUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-ch:
			if !ok {
				return nil
			}
			s.tracker.ApplyExecution(u)
			s.evaluate(ctx, u.Account, nil)
		}
	}
}

// evaluate 对账户当前快照执行一轮评估与处置。
func (s *Service) evaluate(ctx context.Context, accountID string, pending *broker.Order) {
	if s.inGraceWindow(accountID) {
		return
	}

	snapshot := s.tracker.Snapshot(accountID, pending)
	result := s.riskEngine.Evaluate(snapshot)
	if !result.Violated() {
		return
	}
	s.executor.Execute(ctx, snapshot, result)
}

func (s *Service) inGraceWindow(accountID string) bool {
	s.graceMu.Lock()
	defer s.graceMu.Unlock()
	until, ok := s.graceUntil[accountID]
	if !ok {
		return false
	}
	if s.clk.Now().Before(until) {
		return true
	}
	delete(s.graceUntil, accountID)
	return false
}

// IsLockedOut 返回账户是否处于锁定状态。
func (s *Service) IsLockedOut(accountID string) bool {
	return s.locks.IsLockedOut(accountID)
}

// GetLockoutState 返回账户的锁定状态详情。
func (s *Service) GetLockoutState(accountID string) (lockout.State, bool) {
	return s.locks.Get(accountID)
}

// ActiveLockouts 返回全部有效锁定。
func (s *Service) ActiveLockouts() []lockout.State {
	return s.locks.Active()
}

// ClearLockout 手动解锁：清除锁定、重置处置防重器并开启静默窗口。
func (s *Service) ClearLockout(ctx context.Context, accountID string) error {
	if err := s.locks.Clear(ctx, accountID); err != nil {
		return err
	}
	s.guard.ResetAccount(accountID)
	s.startGraceWindow(accountID)
	return nil
}

// ClearAllLockouts 解除全部账户的锁定。
func (s *Service) ClearAllLockouts(ctx context.Context) error {
	var firstErr error
	for _, state := range s.locks.Active() {
		if err := s.ClearLockout(ctx, state.Account); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) startGraceWindow(accountID string) {
	window := s.cfg.Lockout.GraceWindow
	if window <= 0 {
		return
	}
	s.graceMu.Lock()
	s.graceUntil[accountID] = s.clk.Now().Add(window)
	s.graceMu.Unlock()
	s.logger.Info("解锁静默窗口已开启",
		zap.String("account", accountID),
		zap.Duration("window", window),
	)
}

// ResetPnLBaseline 把账户的盈亏比较零点移到当前值。
func (s *Service) ResetPnLBaseline(accountID string) {
	s.tracker.ResetBaseline(accountID)
}

// ResetAllBaselines 重置全部账户的盈亏零点。
func (s *Service) ResetAllBaselines() {
	s.tracker.ResetAllBaselines()
}

// GetClosureHistory 按时间倒序返回最近的处置审计。
func (s *Service) GetClosureHistory(ctx context.Context, limit int) ([]enforce.ClosureRecord, error) {
	return s.history.Recent(ctx, limit)
}
