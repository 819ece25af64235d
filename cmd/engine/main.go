package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"msx-grid-go/internal/advisor"
	"msx-grid-go/internal/config"
	"msx-grid-go/internal/engine"
	"msx-grid-go/internal/exchange"
	"msx-grid-go/internal/logger"
	"msx-grid-go/internal/models"
	"msx-grid-go/internal/persistence"
	"msx-grid-go/internal/reporter"
	"msx-grid-go/internal/server"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or sim")
	flag.Parse()

	// 先用默认配置初始化日志，保证加载配置阶段也有日志可用
	logger.Init(models.LogConfig{Level: "info", Output: "console"})

	// 会话凭证从 .env 或系统环境变量读取，不落在配置文件里
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.Init(cfg.LogConfig)
	defer logger.S().Sync()

	gw, err := buildGateway(*mode, cfg)
	if err != nil {
		logger.S().Fatalf("初始化交易网关失败: %v", err)
	}

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("初始化快照存储失败: %v", err)
	}
	defer repo.Close()

	registry := engine.NewRegistry(gw, repo, cfg)
	if err := registry.Recover(); err != nil {
		logger.S().Fatalf("恢复网格快照失败: %v", err)
	}

	var rep *reporter.Reporter
	if cfg.ReportIntervalSec > 0 {
		rep = reporter.New(registry, time.Duration(cfg.ReportIntervalSec)*time.Second)
		go rep.Run()
	}

	adv := advisor.New(cfg.Advisor)
	srv := server.New(registry, adv, cfg.ListenAddr)
	go func() {
		if err := srv.Run(); err != nil {
			logger.S().Fatalf("HTTP API 异常退出: %v", err)
		}
	}()

	// 等待退出信号。关闭时只停调度循环和HTTP服务，
	// 不撤销任何挂单：快照已落盘，重启后由恢复流程接管。
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.S().Infof("收到退出信号 %s，开始优雅关闭", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.S().Errorf("HTTP API 关闭失败: %v", err)
	}
	if rep != nil {
		rep.Stop()
	}
	registry.Shutdown()
	logger.S().Info("引擎已退出")
}

// buildGateway 按运行模式创建交易网关。
// live 模式复用浏览器已登录会话；sim 模式用内存模拟盘跑纸面交易。
func buildGateway(mode string, cfg *models.Config) (exchange.Gateway, error) {
	switch mode {
	case "live":
		authToken := os.Getenv("MSX_AUTH_TOKEN")
		cookie := os.Getenv("MSX_COOKIE")
		if authToken == "" {
			logger.S().Fatal("环境变量 MSX_AUTH_TOKEN 未设置，无法复用会话")
		}
		gw, err := exchange.NewSessionExchange(cfg.Session, authToken, cookie, logger.S())
		if err != nil {
			return nil, err
		}
		gw.Connect()
		return gw, nil
	case "sim":
		sim := exchange.NewSimExchange(1_000_000)
		logger.S().Warn("以模拟盘模式运行，所有订单仅在内存中撮合")
		return sim, nil
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'sim'。", mode)
		return nil, nil
	}
}
