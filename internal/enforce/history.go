package enforce

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/risk"
)

const defaultHistoryLimit = 200

// ClosureRecord 为一次处置动作的审计记录。
// Instrument 为空表示全账户处置。
type ClosureRecord struct {
	Time        time.Time   `json:"time"`
	Account     string      `json:"account"`
	Instrument  string      `json:"instrument,omitempty"`
	Rule        string      `json:"rule"`
	Reason      string      `json:"reason"`
	Action      risk.Action `json:"action"`
	AccountPnL  float64     `json:"account_pnl"`
	PositionPnL float64     `json:"position_pnl"`
	Success     bool        `json:"success"`
}

// History 持久化处置审计，容量有界，旧记录滚动淘汰。
type History struct {
	db     *sql.DB
	limit  int
	logger *zap.Logger
}

// NewHistory 创建审计存储并初始化表结构。
func NewHistory(db *sql.DB, limit int, logger *zap.Logger) (*History, error) {
	if db == nil {
		return nil, errors.New("enforce: 数据库实例不能为空")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &History{db: db, limit: limit, logger: logger}
	if err := h.initSchema(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *History) initSchema() error {
	schema := `CREATE TABLE IF NOT EXISTS closures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		account TEXT NOT NULL,
		instrument TEXT NOT NULL DEFAULT '',
		rule TEXT NOT NULL,
		reason TEXT NOT NULL,
		action TEXT NOT NULL,
		account_pnl REAL NOT NULL,
		position_pnl REAL NOT NULL,
		success INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_closures_account ON closures(account);`

	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("enforce: 初始化审计表失败: %w", err)
	}
	return nil
}

// Append 追加一条审计记录并裁剪超出容量的旧记录。
// 写入失败只记日志，审计不阻断处置链路。
func (h *History) Append(ctx context.Context, rec ClosureRecord) {
	success := 0
	if rec.Success {
		success = 1
	}

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO closures (ts, account, instrument, rule, reason, action, account_pnl, position_pnl, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time.UTC().Format(time.RFC3339Nano), rec.Account, rec.Instrument,
		rec.Rule, rec.Reason, rec.Action.String(), rec.AccountPnL, rec.PositionPnL, success,
	)
	if err != nil {
		h.logger.Error("写入处置审计失败",
			zap.String("account", rec.Account),
			zap.String("rule", rec.Rule),
			zap.Error(err),
		)
		return
	}

	_, err = h.db.ExecContext(ctx,
		`DELETE FROM closures WHERE id NOT IN (SELECT id FROM closures ORDER BY id DESC LIMIT ?)`,
		h.limit,
	)
	if err != nil {
		h.logger.Warn("裁剪处置审计失败", zap.Error(err))
	}
}

// Recent 按时间倒序返回最近的审计记录。limit<=0 时使用容量上限。
func (h *History) Recent(ctx context.Context, limit int) ([]ClosureRecord, error) {
	if limit <= 0 || limit > h.limit {
		limit = h.limit
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT ts, account, instrument, rule, reason, action, account_pnl, position_pnl, success
		 FROM closures ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("enforce: 读取处置审计失败: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []ClosureRecord
	for rows.Next() {
		var (
			rec        ClosureRecord
			ts, action string
			success    int
		)
		if err := rows.Scan(&ts, &rec.Account, &rec.Instrument, &rec.Rule, &rec.Reason,
			&action, &rec.AccountPnL, &rec.PositionPnL, &success); err != nil {
			return nil, fmt.Errorf("enforce: 解析处置审计失败: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			h.logger.Warn("审计记录时间戳无效", zap.String("ts", ts), zap.Error(err))
		}
		rec.Time = parsed.UTC()

		if a, err := risk.ParseAction(action); err == nil {
			rec.Action = a
		}
		rec.Success = success == 1
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enforce: 遍历处置审计失败: %w", err)
	}

	return records, nil
}
