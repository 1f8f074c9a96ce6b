// Package api assembles the HTTP surfaces of the service and the demo.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/rag-eval/backend/internal/api/handlers"
	"github.com/rag-eval/backend/internal/metrics"
	"github.com/rag-eval/backend/internal/middleware/ratelimit"
	"github.com/rag-eval/backend/internal/middleware/requestid"
	"github.com/rag-eval/backend/internal/middleware/security"
	"github.com/rag-eval/backend/internal/middleware/validation"
	"github.com/rag-eval/backend/internal/pipeline"
	"github.com/rag-eval/backend/pkg/config"
)

type Options struct {
	Server    config.ServerConfig
	RateLimit config.RateLimitConfig
	// Mode names the storage backend in health and trace list responses.
	Mode        string
	Ready       handlers.ReadyFunc
	Development bool
	// AccessLog enables fiber's request logger.
	AccessLog bool
}

// NewApp returns the fiber app and a stop function for its background work.
func NewApp(orch *pipeline.Orchestrator, opts Options) (*fiber.App, func()) {
	app := newFiber(opts)

	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: opts.RateLimit.RequestsPerMinute})
	if opts.RateLimit.RequestsPerMinute > 0 {
		app.Use(limiter.Middleware())
	}

	health := handlers.NewHealthHandler(opts.Mode, opts.Ready)
	documents := handlers.NewDocumentHandler(orch)
	queries := handlers.NewQueryHandler(orch)
	evals := handlers.NewEvalHandler(orch)
	prompts := handlers.NewPromptHandler(orch)
	ws := handlers.NewWebSocketHandler(orch)

	app.Get("/metrics", metrics.MetricsHandler())

	v1 := app.Group("/api/v1")
	v1.Use(validation.Middleware(validation.Config{MaxDocumentSize: opts.Server.BodyLimit}))

	v1.Post("/documents", documents.CreateDocument)
	v1.Get("/documents", documents.ListDocuments)
	v1.Get("/documents/:id", documents.GetDocument)
	v1.Delete("/documents/:id", documents.DeleteDocument)
	v1.Post("/index/rebuild", documents.RebuildIndex)

	v1.Post("/query", queries.HandleQuery)
	v1.Get("/traces", queries.ListTraces)
	v1.Get("/traces/:id", queries.GetTrace)

	v1.Post("/evals/offline", evals.RunOffline)
	v1.Get("/evals", evals.ListRuns)
	v1.Get("/evals/:id", evals.GetRun)

	v1.Post("/prompts", prompts.CreatePrompt)
	v1.Get("/prompts", prompts.ListPrompts)
	v1.Post("/prompts/:id/activate", prompts.ActivatePrompt)

	v1.Get("/health", health.Health)
	v1.Get("/ready", health.Ready)

	v1.Use("/ws", ws.Upgrade)
	v1.Get("/ws/query", websocket.New(ws.HandleConnection))

	return app, limiter.Stop
}

// NewDemoApp serves the unversioned demo surface.
func NewDemoApp(orch *pipeline.Orchestrator, opts Options) *fiber.App {
	app := newFiber(opts)

	demo := handlers.NewDemoHandler(orch, opts.Mode)
	health := handlers.NewHealthHandler(opts.Mode, opts.Ready)

	app.Use(validation.Middleware(validation.Config{}))
	app.Post("/query", demo.Query)
	app.Get("/traces", demo.Traces)
	app.Get("/health", health.Health)
	app.Get("/metrics", metrics.MetricsHandler())
	return app
}

func newFiber(opts Options) *fiber.App {
	metrics.Init()

	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(opts.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(opts.Server.WriteTimeout) * time.Second,
		BodyLimit:             opts.Server.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.Middleware())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Client-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: opts.Development}))
	return app
}
