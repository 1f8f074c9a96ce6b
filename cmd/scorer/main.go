// Command scorer serves the in-process scoring collaborator over HTTP so the
// API can run with scoring.mode=remote.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	rediscache "github.com/rag-eval/backend/internal/cache/redis"
	"github.com/rag-eval/backend/internal/bootstrap"
	"github.com/rag-eval/backend/internal/metrics"
	"github.com/rag-eval/backend/internal/middleware/requestid"
	"github.com/rag-eval/backend/internal/rag/embedding"
	"github.com/rag-eval/backend/internal/scoring"
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

	var cache embedding.Cache
	if cfg.Redis.Enabled {
		client, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Redis.EmbeddingTTLSec)*time.Second)
		if err != nil {
			appLogger.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer client.Close()
			cache = client
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	local, err := bootstrap.NewLocal(ctx, cfg, cache)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to build scoring service", zap.Error(err))
	}
	defer local.Close()

	metrics.Init()
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.Middleware())
	scoring.NewServer(local).Register(app)
	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Scoring service starting",
		zap.String("address", addr),
		zap.String("index", cfg.Index.Driver),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Scoring service stopped")
}
