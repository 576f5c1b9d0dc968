// Package main 行情 provider 守护进程
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/internal/provider"
	"github.com/qiminjie89/ripc/pkg/config"
	"github.com/qiminjie89/ripc/pkg/logger"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "configs/provider.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadProviderConfig(*configPath)
	if err != nil {
		panic("load config failed: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting provider",
		zap.String("config", *configPath),
	)

	// 创建并启动服务
	server, err := provider.NewServer(cfg)
	if err != nil {
		logger.Error("invalid provider config", zap.Error(err))
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		logger.Error("start server failed", zap.Error(err))
		os.Exit(1)
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	server.Stop()
}
