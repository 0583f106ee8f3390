package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/app"
	"github.com/jengzang/edna-backend-go/internal/config"
	"github.com/jengzang/edna-backend-go/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("EDNA_CONFIG"), "YAML config file")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化数据库与服务
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize backend", zap.Error(err))
	}
	defer a.Close()

	// 启动服务器
	if err := a.Serve(ctx); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}
