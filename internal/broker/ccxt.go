package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"riskguard/internal/config"
)

// CCXT 基于 ccxt 统一接口实现 Broker。
// 查询与指令走 REST；事件由轮询线程对账户、委托、持仓做差分后发布。
type CCXT struct {
	cfg     config.BrokerConfig
	logger  *zap.Logger
	ex      *ccxt.Binanceusdm
	account string
	feed    *Feed

	marketsMu     sync.Mutex
	marketsLoaded bool

	pollMu        sync.Mutex
	lastPositions map[string]Position
	lastOrders    map[string]Order
}

// NewCCXT 构造 ccxt 经纪商适配器。
func NewCCXT(cfg config.BrokerConfig, logger *zap.Logger) (*CCXT, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXT{
		cfg:           cfg,
		logger:        logger,
		ex:            ex,
		account:       cfg.Account,
		feed:          NewFeed(64),
		lastPositions: make(map[string]Position),
		lastOrders:    make(map[string]Order),
	}, nil
}

// Events 返回事件通道。
func (b *CCXT) Events() Events {
	return b.feed.Events()
}

// Run 启动轮询线程，把 REST 快照差分成事件流。ctx 结束后关闭事件通道。
func (b *CCXT) Run(ctx context.Context) error {
	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	defer b.feed.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.pollOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				b.logger.Warn("轮询经纪商状态失败", zap.Error(err))
			}
		}
	}
}

func (b *CCXT) pollOnce(ctx context.Context) error {
	now := time.Now().UTC()

	pnl, err := b.AccountPnL(ctx, b.account)
	if err != nil {
		return err
	}

	positions, err := b.OpenPositions(ctx, b.account)
	if err != nil {
		return err
	}

	orders, err := b.PendingOrders(ctx, b.account)
	if err != nil {
		return err
	}

	b.pollMu.Lock()
	prevPositions := b.lastPositions
	prevOrders := b.lastOrders

	nextPositions := make(map[string]Position, len(positions))
	for _, p := range positions {
		nextPositions[p.Instrument] = p
	}
	nextOrders := make(map[string]Order, len(orders))
	for _, o := range orders {
		nextOrders[o.ID] = o
	}
	b.lastPositions = nextPositions
	b.lastOrders = nextOrders
	b.pollMu.Unlock()

	b.feed.PublishAccount(AccountUpdate{
		Account:    b.account,
		Realized:   pnl.Realized,
		Unrealized: pnl.Unrealized,
		Time:       now,
	})

	for _, p := range positions {
		prev, existed := prevPositions[p.Instrument]
		if existed && prev.Quantity == p.Quantity && prev.Direction == p.Direction {
			continue
		}
		b.feed.PublishPosition(PositionUpdate{
			Account:    p.Account,
			Instrument: p.Instrument,
			Direction:  p.Direction,
			Quantity:   p.Quantity,
			AvgPrice:   p.AvgPrice,
			Unrealized: p.Unrealized,
			Time:       now,
		})
		// REST 轮询拿不到逐笔成交，持仓数量差分作为成交事件的近似来源。
		delta := p.Quantity - prev.Quantity
		if existed && delta != 0 {
			side := OrderSideBuy
			if (p.Direction == DirectionLong && delta < 0) || (p.Direction == DirectionShort && delta > 0) {
				side = OrderSideSell
			}
			b.feed.PublishExecution(ExecutionUpdate{
				Account:    p.Account,
				Instrument: p.Instrument,
				Side:       side,
				Quantity:   abs(delta),
				Price:      p.AvgPrice,
				Time:       now,
			})
		}
	}
	for inst, prev := range prevPositions {
		if _, still := nextPositions[inst]; still {
			continue
		}
		b.feed.PublishPosition(PositionUpdate{
			Account:    prev.Account,
			Instrument: inst,
			Direction:  DirectionFlat,
			Quantity:   0,
			Time:       now,
		})
	}

	for id, o := range nextOrders {
		if _, existed := prevOrders[id]; existed {
			continue
		}
		b.feed.PublishOrder(OrderUpdate{Order: o, State: OrderStateWorking, Time: now})
	}

	return nil
}

// OpenPositions 查询当前持仓。
func (b *CCXT) OpenPositions(ctx context.Context, account string) ([]Position, error) {
	var raw []ccxt.Position
	err := b.callWithRetry(ctx, "fetch_positions", func() error {
		if err := b.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := b.ex.FetchPositions()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		symbol := derefString(p.Symbol)
		size := derefFloat(p.Contracts)
		if symbol == "" || size == 0 {
			continue
		}

		direction := DirectionLong
		if strings.EqualFold(derefString(p.Side), "short") {
			direction = DirectionShort
		}

		positions = append(positions, Position{
			Account:    account,
			Instrument: symbol,
			Direction:  direction,
			Quantity:   size,
			AvgPrice:   derefFloat(p.EntryPrice),
			Unrealized: derefFloat(p.UnrealizedPnl),
		})
	}

	return positions, nil
}

// PendingOrders 查询未成交委托。
func (b *CCXT) PendingOrders(ctx context.Context, account string) ([]Order, error) {
	var raw []ccxt.Order
	err := b.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := b.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := b.ex.FetchOpenOrders()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		id := derefString(o.Id)
		if id == "" {
			continue
		}
		side := OrderSideBuy
		if strings.EqualFold(derefString(o.Side), "sell") {
			side = OrderSideSell
		}
		orders = append(orders, Order{
			ID:         id,
			Account:    account,
			Instrument: derefString(o.Symbol),
			Side:       side,
			Quantity:   derefFloat(o.Amount),
			Price:      derefFloat(o.Price),
		})
	}

	return orders, nil
}

// AccountPnL 查询账户盈亏。已实现部分取自交易所余额附加信息，缺失时为0。
func (b *CCXT) AccountPnL(ctx context.Context, account string) (PnL, error) {
	var pnl PnL

	positions, err := b.OpenPositions(ctx, account)
	if err != nil {
		return pnl, err
	}
	for _, p := range positions {
		pnl.Unrealized += p.Unrealized
	}

	err = b.callWithRetry(ctx, "fetch_balance", func() error {
		balances, err := b.ex.FetchBalance()
		if err != nil {
			return err
		}
		if balances.Info != nil {
			pnl.Realized = parseNumeric(balances.Info["totalRealizedPnl"])
		}
		return nil
	})
	if err != nil {
		return pnl, err
	}

	return pnl, nil
}

// CancelOrder 撤销单笔委托。
func (b *CCXT) CancelOrder(ctx context.Context, order Order) error {
	return b.callWithRetry(ctx, "cancel_order", func() error {
		_, err := b.ex.CancelOrder(order.ID, ccxt.WithCancelOrderSymbol(order.Instrument))
		return err
	})
}

// CancelAllOrders 撤销账户全部未成交委托。逐笔撤销，单笔失败不阻断其余。
func (b *CCXT) CancelAllOrders(ctx context.Context, account string) error {
	orders, err := b.PendingOrders(ctx, account)
	if err != nil {
		return err
	}

	var firstErr error
	for _, order := range orders {
		if cancelErr := b.CancelOrder(ctx, order); cancelErr != nil {
			b.logger.Warn("撤单失败",
				zap.String("order_id", order.ID),
				zap.String("instrument", order.Instrument),
				zap.Error(cancelErr),
			)
			if firstErr == nil {
				firstErr = cancelErr
			}
		}
	}

	return firstErr
}

// FlattenPosition 以 reduce-only 市价单打平指定合约持仓。
func (b *CCXT) FlattenPosition(ctx context.Context, account, instrument string) error {
	positions, err := b.OpenPositions(ctx, account)
	if err != nil {
		return err
	}

	for _, p := range positions {
		if !strings.EqualFold(p.Instrument, instrument) {
			continue
		}
		return b.closePosition(ctx, p)
	}

	// 持仓已经不存在视为已打平。
	return nil
}

// FlattenAll 打平账户全部持仓。
func (b *CCXT) FlattenAll(ctx context.Context, account string) error {
	positions, err := b.OpenPositions(ctx, account)
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range positions {
		if closeErr := b.closePosition(ctx, p); closeErr != nil {
			b.logger.Warn("平仓失败",
				zap.String("instrument", p.Instrument),
				zap.Error(closeErr),
			)
			if firstErr == nil {
				firstErr = closeErr
			}
		}
	}

	return firstErr
}

// SubmitOrder 提交市价委托。
func (b *CCXT) SubmitOrder(ctx context.Context, order Order) error {
	return b.callWithRetry(ctx, "create_market_order", func() error {
		_, err := b.ex.CreateMarketOrder(order.Instrument, string(order.Side), order.Quantity)
		return err
	})
}

func (b *CCXT) closePosition(ctx context.Context, p Position) error {
	side := SideFor(p.Direction)
	params := map[string]interface{}{
		"reduceOnly": true,
	}
	return b.callWithRetry(ctx, "flatten_position", func() error {
		_, err := b.ex.CreateMarketOrder(
			p.Instrument,
			string(side),
			p.Quantity,
			ccxt.WithCreateMarketOrderParams(params),
		)
		return err
	})
}

func (b *CCXT) ensureMarketsLoaded(ctx context.Context) error {
	if b.marketsLoaded {
		return nil
	}

	b.marketsMu.Lock()
	defer b.marketsMu.Unlock()

	if b.marketsLoaded {
		return nil
	}

	loadErr := b.callWithRetry(ctx, "load_markets", func() error {
		_, err := b.ex.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	b.marketsLoaded = true
	b.logger.Info("已完成市场元数据加载", zap.Strings("markets", b.cfg.Markets))
	return nil
}

func (b *CCXT) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := b.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := b.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				b.logger.Info("经纪商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := b.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			b.logger.Warn("经纪商维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= b.cfg.Retry.MaxAttempts {
			b.logger.Error("经纪商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		b.logger.Warn("经纪商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (b *CCXT) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
