// Package main 行情 consumer：连接 provider、打印收到的更新，可恢复失败时按退避重连
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/internal/reactor"
	"github.com/qiminjie89/ripc/internal/session"
	"github.com/qiminjie89/ripc/internal/transport"
	"github.com/qiminjie89/ripc/pkg/config"
	"github.com/qiminjie89/ripc/pkg/discovery"
	"github.com/qiminjie89/ripc/pkg/kafka"
	"github.com/qiminjie89/ripc/pkg/logger"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "configs/consumer.yaml", "config file path")
	quiet := flag.Bool("quiet", false, "do not print updates")
	interactive := flag.Bool("i", true, "read stats/quit commands from stdin")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConsumerConfig(*configPath)
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

	logger.Info("starting consumer", zap.String("config", *configPath))

	code := run(cfg, *quiet, *interactive)
	logger.Sync()
	os.Exit(code)
}

func run(cfg *config.ConsumerConfig, quiet, interactive bool) int {
	opts, err := transport.OptionsFromConfig(cfg.Connection, cfg.Session)
	if err != nil {
		logger.Error("invalid connection config", zap.Error(err))
		return 1
	}

	mux, err := reactor.New()
	if err != nil {
		logger.Error("create multiplexer failed", zap.Error(err))
		return 1
	}
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &printer{quiet: quiet}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			logger.Error("create kafka producer failed", zap.Error(err))
			return 1
		}
		defer producer.Close()
		h.bridge = newBridge(producer)
		go h.bridge.run(ctx)
	}

	scfg := session.Config{
		Options: opts,
		Session: cfg.Session,
		Mux:     mux,
		Handler: h,
	}
	if len(cfg.Discovery.Providers) > 0 {
		registry, err := discovery.NewRegistry(cfg.Discovery)
		if err != nil {
			logger.Error("invalid discovery config", zap.Error(err))
			return 1
		}
		registry.Subscribe(func(ep discovery.Endpoint) {
			logger.Info("provider health changed",
				zap.String("addr", ep.Addr),
				zap.Bool("healthy", ep.Healthy),
				zap.Int("failures", ep.Failures),
			)
		})
		scfg.Endpoints = registry
	}

	s, err := session.New(scfg)
	if err != nil {
		logger.Error("create session failed", zap.Error(err))
		return 1
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr)
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	if interactive {
		go commands(s, h, cancel)
	}

	if err := s.Run(ctx); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}
	st := s.Stats()
	logger.Info("consumer stopped",
		zap.Uint64("received", st.Received),
		zap.Uint64("reconnects", st.Reconnects),
	)
	return 0
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("starting metrics server", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server error", zap.Error(err))
	}
}

// commands 交互式命令循环
func commands(s *session.Session, h *printer, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "":
		case "stats":
			st := s.Stats()
			fmt.Printf("connected=%v received=%d sent=%d reconnects=%d updates=%d bridged=%d\n",
				st.Connected, st.Received, st.Sent, st.Reconnects, h.updates.Load(), h.bridged())
		case "quit", "exit":
			cancel()
			return
		default:
			fmt.Println("commands: stats, quit")
		}
	}
}
