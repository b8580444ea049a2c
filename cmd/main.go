package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ai_telco_bridge/internal/config"
	"ai_telco_bridge/internal/handlers"
	"ai_telco_bridge/internal/logger"
	"ai_telco_bridge/internal/metrics"
	"ai_telco_bridge/internal/middleware"
	"ai_telco_bridge/internal/provider"
	"ai_telco_bridge/internal/routes"
	"ai_telco_bridge/internal/telco"
	"ai_telco_bridge/internal/voice"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zl := logger.New(cfg.Log)
	defer func() { _ = zl.Sync() }()
	zl.Info("AI 电话桥接服务启动中...", zap.String("provider", cfg.Provider.Name))

	if err := run(cfg, zl); err != nil {
		zl.Error("服务异常退出", zap.Error(err))
		os.Exit(1)
	}
	zl.Info("服务已退出")
}

func run(cfg *config.Config, zl *zap.Logger) error {
	collector := metrics.NewCollector("telco", zl)

	carrier, err := provider.New(cfg.Carrier(), zl, collector)
	if err != nil {
		return err
	}

	var dialer voice.Dialer
	if wsCfg, ok := cfg.VoiceBackend(); ok {
		dialer = voice.NewWSDialer(wsCfg, zl)
	} else {
		zl.Info("未配置语音后端，语音会话不可用")
	}

	svc := telco.New(cfg.Telco(), carrier, dialer, zl, collector)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	middleware.Setup(r, zl, collector)
	h := handlers.New(svc, cfg.Session.OpTimeout, cfg.Media.FrameSize, cfg.Media.AudioDir, zl)
	routes.RegisterRoutes(r, h, collector)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		zl.Info("HTTP服务器启动", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		zl.Info("正在关闭服务...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := svc.Stop(shutdownCtx); err != nil {
			zl.Warn("停止电信服务失败", zap.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
