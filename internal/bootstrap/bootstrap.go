// Package bootstrap assembles stores, indexes, and collaborators from config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	rediscache "github.com/rag-eval/backend/internal/cache/redis"
	"github.com/rag-eval/backend/internal/index"
	indexmemory "github.com/rag-eval/backend/internal/index/memory"
	"github.com/rag-eval/backend/internal/index/milvus"
	"github.com/rag-eval/backend/internal/index/pgvector"
	"github.com/rag-eval/backend/internal/llm"
	"github.com/rag-eval/backend/internal/pipeline"
	"github.com/rag-eval/backend/internal/rag/embedding"
	"github.com/rag-eval/backend/internal/rag/evaluation"
	"github.com/rag-eval/backend/internal/rag/generation"
	"github.com/rag-eval/backend/internal/scoring"
	"github.com/rag-eval/backend/internal/seed"
	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/memory"
	"github.com/rag-eval/backend/internal/storage/sqlite"
	"github.com/rag-eval/backend/pkg/config"
	"github.com/rag-eval/backend/pkg/logger"
)

// App holds the wired components of one process. Close releases them in
// reverse order of construction.
type App struct {
	Config       *config.Config
	Store        storage.Store
	Cache        *rediscache.Client
	Collaborator scoring.Collaborator
	Orchestrator *pipeline.Orchestrator

	closers []func() error
}

// New wires the full service: configured store, optional embedding cache,
// and a local or remote scoring collaborator.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	store, err := NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	app.Store = store
	app.onClose(store.Close)

	if cfg.Redis.Enabled {
		cache, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Redis.EmbeddingTTLSec)*time.Second)
		if err != nil {
			logger.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			app.Cache = cache
			app.onClose(cache.Close)
		}
	}

	switch cfg.Scoring.Mode {
	case "remote":
		app.Collaborator = scoring.NewRemote(scoring.RemoteConfig{
			BaseURL:        cfg.Scoring.URL,
			Timeout:        time.Duration(cfg.Scoring.TimeoutSec) * time.Second,
			MaxRetries:     cfg.Scoring.MaxRetries,
			InitialBackoff: time.Duration(cfg.Scoring.InitialBackoffMS) * time.Millisecond,
		})
	default:
		local, err := NewLocal(ctx, cfg, app.embeddingCache())
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Collaborator = local
		app.onClose(local.Close)
	}

	app.Orchestrator = pipeline.New(app.Store, app.Collaborator, PipelineConfig(cfg.Pipeline))

	if cfg.Scoring.Mode != "remote" && cfg.Index.Driver == index.DriverMemory {
		if err := app.warmIndex(ctx); err != nil {
			app.Close()
			return nil, err
		}
	}

	logger.Info("Application wired",
		zap.String("storage", app.Store.Mode()),
		zap.String("scoring", cfg.Scoring.Mode),
		zap.Bool("cache", app.Cache != nil),
	)
	return app, nil
}

// NewDemo wires the self-contained demo: a bounded memory store, an in-memory
// index, the in-process collaborator, and the built-in corpus.
func NewDemo(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := memory.NewStore(cfg.Demo.TraceCapacity)
	if err != nil {
		return nil, err
	}

	pcfg := PipelineConfig(cfg.Pipeline)
	pcfg.Rerank = cfg.Demo.Rerank

	lcfg := LocalConfigFrom(cfg.Pipeline)
	lcfg.Rerank = cfg.Demo.Rerank

	local := scoring.NewLocal(
		indexmemory.NewIndex(),
		embedding.NewEmbedder(cfg.Demo.EmbeddingDim, nil),
		nil,
		evaluation.NewEvaluator(cfg.Pipeline.ConfidenceThreshold),
		lcfg,
	)

	app := &App{
		Config:       cfg,
		Store:        store,
		Collaborator: local,
		Orchestrator: pipeline.New(store, local, pcfg),
	}
	app.onClose(store.Close)
	app.onClose(local.Close)

	corpus, err := seed.Default()
	if err != nil {
		app.Close()
		return nil, err
	}
	if _, err := seed.NewSeeder(app.Orchestrator).Run(ctx, corpus); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to seed demo corpus: %w", err)
	}
	return app, nil
}

func NewStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case storage.DriverMemory:
		return memory.NewStore(cfg.MemoryCapacity)
	case storage.DriverSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		client, err := sqlite.NewClient(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := client.InitSchema(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// NewIndex opens the configured vector index and prepares its collection or
// schema for vectors of dim dimensions.
func NewIndex(ctx context.Context, cfg config.IndexConfig, dim int) (index.Index, error) {
	switch cfg.Driver {
	case index.DriverMemory:
		return indexmemory.NewIndex(), nil
	case index.DriverMilvus:
		client, err := milvus.NewClient(ctx, cfg.MilvusEndpoint, cfg.MilvusCollection, dim)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureCollection(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to prepare collection: %w", err)
		}
		return client, nil
	case index.DriverPgvector:
		client, err := pgvector.NewClient(cfg.PgvectorDSN, dim)
		if err != nil {
			return nil, err
		}
		if err := client.InitSchema(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to initialize vector schema: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown index driver %q", cfg.Driver)
	}
}

// NewLocal builds the in-process collaborator over the configured index.
// cache may be nil.
func NewLocal(ctx context.Context, cfg *config.Config, cache embedding.Cache) (*scoring.Local, error) {
	idx, err := NewIndex(ctx, cfg.Index, cfg.Pipeline.EmbeddingDim)
	if err != nil {
		return nil, err
	}
	return scoring.NewLocal(
		idx,
		embedding.NewEmbedder(cfg.Pipeline.EmbeddingDim, cache),
		NewGenerator(cfg.LLM),
		evaluation.NewEvaluator(cfg.Pipeline.ConfidenceThreshold),
		LocalConfigFrom(cfg.Pipeline),
	), nil
}

// NewGenerator returns the chat model client when one is configured and the
// deterministic stub otherwise.
func NewGenerator(cfg config.LLMConfig) generation.Generator {
	if !cfg.Enabled || cfg.APIKey == "" {
		return generation.NewStub()
	}
	logger.Info("Using chat model generator", zap.String("model", cfg.Model))
	return llm.NewClient(llm.Config{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
	})
}

func PipelineConfig(cfg config.PipelineConfig) pipeline.Config {
	return pipeline.Config{
		TopK:              cfg.TopK,
		Rerank:            cfg.Rerank,
		RerankMethod:      cfg.RerankMethod,
		ModelName:         cfg.ModelName,
		DefaultPromptName: cfg.DefaultPromptName,
		ChunkSize:         cfg.ChunkSize,
		ChunkOverlap:      cfg.ChunkOverlap,
	}
}

func LocalConfigFrom(cfg config.PipelineConfig) scoring.LocalConfig {
	lc := scoring.DefaultLocalConfig()
	lc.TopK = cfg.TopK
	lc.Rerank = cfg.Rerank
	lc.RerankMethod = cfg.RerankMethod
	lc.ModelName = cfg.ModelName
	if cfg.ChunkSize > 0 {
		lc.ChunkSize = cfg.ChunkSize
	}
	if cfg.ChunkOverlap > 0 {
		lc.ChunkOverlap = cfg.ChunkOverlap
	}
	return lc
}

// warmIndex refills a process-local index from the stored chunks, which
// otherwise starts empty over a persistent store.
func (a *App) warmIndex(ctx context.Context) error {
	res, err := a.Orchestrator.RebuildIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild in-memory index: %w", err)
	}
	if res.Chunks > 0 {
		logger.Info("In-memory index restored from store", zap.Int("chunks", res.Chunks), zap.Int("indexed", res.Indexed))
	}
	return nil
}

// embeddingCache avoids handing a typed nil to the embedder.
func (a *App) embeddingCache() embedding.Cache {
	if a.Cache == nil {
		return nil
	}
	return a.Cache
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Ready checks the store and the collaborator.
func (a *App) Ready(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if _, err := a.Collaborator.Health(ctx); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
