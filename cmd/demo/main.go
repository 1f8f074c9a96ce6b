package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/api"
	"github.com/rag-eval/backend/internal/bootstrap"
	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/pkg/config"
	appLogger "github.com/rag-eval/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	app, err := bootstrap.NewDemo(context.Background(), cfg)
	if err != nil {
		appLogger.Fatal("Failed to start demo", zap.Error(err))
	}
	defer app.Close()

	server := api.NewDemoApp(app.Orchestrator, api.Options{
		Server: cfg.Server,
		Mode:   storage.DriverMemory,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Demo server starting",
		zap.String("address", addr),
		zap.Int("embedding_dim", cfg.Demo.EmbeddingDim),
		zap.Bool("rerank", cfg.Demo.Rerank),
	)

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	if err := server.ShutdownWithTimeout(5 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Demo server stopped")
}
