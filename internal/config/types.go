package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Lockout     LockoutConfig     `mapstructure:"lockout"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述经纪商连接信息。
type BrokerConfig struct {
	Name         string        `mapstructure:"name"`
	Account      string        `mapstructure:"account"`
	Markets      []string      `mapstructure:"markets"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	APIPass      string        `mapstructure:"api_password"`
	UseSandbox   bool          `mapstructure:"use_sandbox"`
	Simulation   bool          `mapstructure:"simulation"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ThresholdRuleConfig 描述单个阈值型规则。
type ThresholdRuleConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Action    string  `mapstructure:"action"`
	Threshold float64 `mapstructure:"threshold"`
}

// SizeRuleConfig 描述最大持仓规则，支持按合约覆盖上限。
type SizeRuleConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Action       string `mapstructure:"action"`
	DefaultLimit int    `mapstructure:"default_limit"`
	SymbolLimits string `mapstructure:"symbol_limits"` // 形如 "GC=2, ES=3"
}

// FrequencyRuleConfig 描述滚动窗口内的交易频率限制。
type FrequencyRuleConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Action    string        `mapstructure:"action"`
	MaxTrades int           `mapstructure:"max_trades"`
	Window    time.Duration `mapstructure:"window"`
}

// BlockRuleConfig 描述禁止交易的合约列表。
type BlockRuleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Action  string `mapstructure:"action"`
	Symbols string `mapstructure:"symbols"` // 逗号分隔
}

// RulesConfig 汇总全部风控规则配置。
type RulesConfig struct {
	TotalLoss         ThresholdRuleConfig `mapstructure:"total_loss"`
	RealizedLoss      ThresholdRuleConfig `mapstructure:"realized_loss"`
	RealizedProfit    ThresholdRuleConfig `mapstructure:"realized_profit"`
	PerPositionLoss   ThresholdRuleConfig `mapstructure:"per_position_loss"`
	PerPositionProfit ThresholdRuleConfig `mapstructure:"per_position_profit"`
	MaxPositionSize   SizeRuleConfig      `mapstructure:"max_position_size"`
	TradeFrequency    FrequencyRuleConfig `mapstructure:"trade_frequency"`
	SymbolBlock       BlockRuleConfig     `mapstructure:"symbol_block"`
}

// LockoutConfig 控制锁定生命周期。
type LockoutConfig struct {
	Kind        string        `mapstructure:"kind"` // until_reset | timed
	Duration    time.Duration `mapstructure:"duration"`
	ResetTime   string        `mapstructure:"reset_time"` // "HH:MM"，UntilReset 的每日解锁时刻
	GraceWindow time.Duration `mapstructure:"grace_window"`
}

// EnforcementConfig 控制执行端行为。
type EnforcementConfig struct {
	Cooldown        time.Duration `mapstructure:"cooldown"`
	RecheckDelay    time.Duration `mapstructure:"recheck_delay"`
	GuardStaleAfter time.Duration `mapstructure:"guard_stale_after"`
	HistoryLimit    int           `mapstructure:"history_limit"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制只读监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ParseResetTime 将 "HH:MM" 解析为小时与分钟。
func ParseResetTime(value string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("reset_time 格式应为 HH:MM, 实际为 %q", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("reset_time 小时无效: %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("reset_time 分钟无效: %q", value)
	}
	return hour, minute, nil
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.Name == "" {
		err = multierr.Append(err, errors.New("broker.name 不能为空"))
	}
	if c.Broker.Account == "" {
		err = multierr.Append(err, errors.New("broker.account 不能为空"))
	}
	if !c.Broker.Simulation && len(c.Broker.Markets) == 0 {
		err = multierr.Append(err, errors.New("broker.markets 至少包含一个合约"))
	}
	if c.Broker.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("broker.poll_interval 必须大于0"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}

	switch c.Lockout.Kind {
	case "until_reset":
		if _, _, parseErr := ParseResetTime(c.Lockout.ResetTime); parseErr != nil {
			err = multierr.Append(err, parseErr)
		}
	case "timed":
		if c.Lockout.Duration <= 0 {
			err = multierr.Append(err, errors.New("lockout.duration 必须大于0"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("lockout.kind 必须为 until_reset 或 timed, 实际为 %q", c.Lockout.Kind))
	}
	if c.Lockout.GraceWindow < 0 {
		err = multierr.Append(err, errors.New("lockout.grace_window 不能为负"))
	}

	if c.Enforcement.Cooldown <= 0 {
		err = multierr.Append(err, errors.New("enforcement.cooldown 必须大于0"))
	}
	if c.Enforcement.RecheckDelay <= 0 {
		err = multierr.Append(err, errors.New("enforcement.recheck_delay 必须大于0"))
	}
	if c.Enforcement.GuardStaleAfter <= 0 {
		err = multierr.Append(err, errors.New("enforcement.guard_stale_after 必须大于0"))
	}
	if c.Enforcement.HistoryLimit <= 0 {
		err = multierr.Append(err, errors.New("enforcement.history_limit 必须大于0"))
	}

	if c.Rules.TradeFrequency.Enabled {
		if c.Rules.TradeFrequency.MaxTrades <= 0 {
			err = multierr.Append(err, errors.New("rules.trade_frequency.max_trades 必须大于0"))
		}
		if c.Rules.TradeFrequency.Window <= 0 {
			err = multierr.Append(err, errors.New("rules.trade_frequency.window 必须大于0"))
		}
	}
	if c.Rules.MaxPositionSize.Enabled && c.Rules.MaxPositionSize.DefaultLimit <= 0 {
		err = multierr.Append(err, errors.New("rules.max_position_size.default_limit 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
