package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"riskguard/internal/broker"
	"riskguard/internal/config"
	"riskguard/internal/engine"
	"riskguard/internal/log"
	"riskguard/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var brk broker.Broker
	if cfg.Broker.Simulation {
		logger.Info("经纪商处于仿真模式")
		brk = broker.NewSim(logger)
	} else {
		ccxtBroker, err := broker.NewCCXT(cfg.Broker, logger)
		if err != nil {
			logger.Error("初始化经纪商失败", zap.Error(err))
			os.Exit(1)
		}
		go func() {
			if runErr := ccxtBroker.Run(ctx); runErr != nil {
				logger.Error("经纪商事件轮询退出", zap.Error(runErr))
				stop()
			}
		}()
		brk = ccxtBroker
	}

	svc, err := engine.NewService(cfg, brk, sqliteStore, nil, nil, logger)
	if err != nil {
		logger.Error("初始化风控引擎失败", zap.Error(err))
		os.Exit(1)
	}

	if err := svc.StartMonitoring(ctx); err != nil {
		logger.Error("启动风控监控失败", zap.Error(err))
		os.Exit(1)
	}

	if cfg.Monitor.Enabled {
		if err := engine.StartMonitorServer(ctx, svc, cfg.Monitor.Port, logger); err != nil {
			logger.Error("启动监控接口失败", zap.Error(err))
		}
	}

	<-ctx.Done()
	svc.StopMonitoring()
	logger.Info("系统已安全退出")
}
