package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "riskguard"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.name", "binanceusdm")
	v.SetDefault("broker.account", "default")
	v.SetDefault("broker.markets", []string{"BTC/USDT:USDT"})
	v.SetDefault("broker.use_sandbox", false)
	v.SetDefault("broker.simulation", false)
	v.SetDefault("broker.poll_interval", "2s")
	v.SetDefault("broker.retry.max_attempts", 5)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("rules.total_loss.enabled", true)
	v.SetDefault("rules.total_loss.action", "lockout")
	v.SetDefault("rules.total_loss.threshold", 500)
	v.SetDefault("rules.realized_loss.enabled", false)
	v.SetDefault("rules.realized_loss.action", "lockout")
	v.SetDefault("rules.realized_loss.threshold", 400)
	v.SetDefault("rules.realized_profit.enabled", false)
	v.SetDefault("rules.realized_profit.action", "lockout")
	v.SetDefault("rules.realized_profit.threshold", 1000)
	v.SetDefault("rules.per_position_loss.enabled", false)
	v.SetDefault("rules.per_position_loss.action", "flatten_position")
	v.SetDefault("rules.per_position_loss.threshold", 100)
	v.SetDefault("rules.per_position_profit.enabled", false)
	v.SetDefault("rules.per_position_profit.action", "flatten_position")
	v.SetDefault("rules.per_position_profit.threshold", 200)
	v.SetDefault("rules.max_position_size.enabled", false)
	v.SetDefault("rules.max_position_size.action", "block_order")
	v.SetDefault("rules.max_position_size.default_limit", 2)
	v.SetDefault("rules.max_position_size.symbol_limits", "")
	v.SetDefault("rules.trade_frequency.enabled", false)
	v.SetDefault("rules.trade_frequency.action", "block_order")
	v.SetDefault("rules.trade_frequency.max_trades", 5)
	v.SetDefault("rules.trade_frequency.window", "10m")
	v.SetDefault("rules.symbol_block.enabled", false)
	v.SetDefault("rules.symbol_block.action", "block_order")
	v.SetDefault("rules.symbol_block.symbols", "")

	v.SetDefault("lockout.kind", "until_reset")
	v.SetDefault("lockout.duration", "1h")
	v.SetDefault("lockout.reset_time", "17:00")
	v.SetDefault("lockout.grace_window", "5s")

	v.SetDefault("enforcement.cooldown", "500ms")
	v.SetDefault("enforcement.recheck_delay", "750ms")
	v.SetDefault("enforcement.guard_stale_after", "10s")
	v.SetDefault("enforcement.history_limit", 200)

	v.SetDefault("database.path", "data/riskguard.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8791)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
