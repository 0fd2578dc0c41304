// reqforge serves the AI infrastructure for the requirements platform:
// provider routing, knowledge-base versioning, hybrid search, suggestion
// tasks, and the tiered response cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/reqforge/reqforge/engine/infra/cache"
	"github.com/reqforge/reqforge/engine/infra/postgres"
	"github.com/reqforge/reqforge/engine/infra/server"
	"github.com/reqforge/reqforge/engine/knowledge/retriever"
	"github.com/reqforge/reqforge/engine/knowledge/vectordb"
	"github.com/reqforge/reqforge/engine/knowledge/version"
	"github.com/reqforge/reqforge/engine/provider"
	"github.com/reqforge/reqforge/engine/suggestion"
	appconfig "github.com/reqforge/reqforge/pkg/config"
	"github.com/reqforge/reqforge/pkg/logger"
)

const defaultTemplate = `You are a requirements analyst. Using only the provided context,
draft a concise, testable requirement that addresses the request.

{{context}}

Request: {{query}}`

func main() {
	_ = godotenv.Load()
	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.NewLogger(&logger.Config{
		Level: logger.LogLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})
	ctx := logger.ContextWithLogger(context.Background(), log)
	if err := run(ctx, cfg); err != nil {
		log.Error("Service terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appconfig.Config) error {
	log := logger.FromContext(ctx)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	providerConfigs, err := provider.FromAppConfig(cfg.Providers, cfg.Router.DefaultConcurrency)
	if err != nil {
		return err
	}
	router, err := provider.NewRouter(provider.Settings{
		MaxAttempts:    cfg.Router.MaxAttempts,
		InitialBackoff: cfg.Router.InitialBackoff,
		MaxBackoff:     cfg.Router.MaxBackoff,
		CallTimeout:    cfg.Router.CallTimeout,
		Health: provider.HealthSettings{
			FailureWindow:     cfg.Router.FailureWindow,
			DegradedThreshold: cfg.Router.DegradedThreshold,
			DownAfterFatals:   cfg.Router.DownAfterFatals,
			RecoveryCooldown:  cfg.Router.RecoveryCooldown,
			MinWindowSamples:  cfg.Router.MinWindowSamples,
		},
	}, providerConfigs, nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := router.Close(); closeErr != nil {
			log.Warn("Closing provider clients failed", "error", closeErr)
		}
	}()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(ctx) }()

	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		redisClient = client
	}
	responseCache, err := cache.New(cache.Config{
		MemoryTTL:      cfg.Cache.MemoryTTL,
		RedisTTL:       cfg.Cache.RedisTTL,
		MemoryMaxItems: cfg.Cache.MemoryMaxItems,
	}, redisClient)
	if err != nil {
		return err
	}
	defer responseCache.Close()

	versions, err := version.NewManager(store, router, version.Settings{
		ChunkSize:    cfg.Embedding.ChunkSize,
		ChunkOverlap: cfg.Embedding.ChunkOverlap,
		BatchSize:    cfg.Embedding.BatchSize,
	})
	if err != nil {
		return err
	}
	search, err := retriever.NewService(router, store, retriever.Settings{
		VectorWeight:   cfg.Search.VectorWeight,
		LexicalWeight:  cfg.Search.LexicalWeight,
		QueryCacheSize: cfg.Search.QueryCacheSize,
	})
	if err != nil {
		return err
	}

	resolver := suggestion.NewStaticResolver()
	resolver.Register("suggest-requirement", "1", defaultTemplate)
	tasks, err := suggestion.NewOrchestrator(search, router, resolver, responseCache, store,
		suggestion.Settings{
			Workers:   cfg.Queue.Workers,
			QueueSize: cfg.Queue.BufferSize,
		})
	if err != nil {
		return err
	}
	tasks.Start(ctx)
	defer tasks.Stop()

	srv, err := server.New(cfg.Server, server.Dependencies{
		Versions:  versions,
		Retriever: search,
		Tasks:     tasks,
		Providers: router,
		Cache:     responseCache,
		Embedding: cfg.Embedding,
	}, log)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()
	log.Info("AI infrastructure service started",
		"addr", cfg.Server.Addr, "providers", len(providerConfigs))

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-serveErr:
		return err
	case <-sigCtx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildStore selects the embedding store backend. Postgres with pgvector is
// the production path; the in-memory store serves local development.
func buildStore(ctx context.Context, cfg *appconfig.Config) (vectordb.Store, error) {
	if !cfg.Postgres.Enabled {
		return vectordb.NewMemoryStore(), nil
	}
	pool, err := postgres.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	pg, err := vectordb.NewPGStore(pool, cfg.Embedding.Dimension)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return poolStore{PGStore: pg, pool: pool}, nil
}

// poolStore ties the pool's lifetime to the store handed to components.
type poolStore struct {
	*vectordb.PGStore
	pool interface{ Close() }
}

func (p poolStore) Close(ctx context.Context) error {
	err := p.PGStore.Close(ctx)
	p.pool.Close()
	return err
}
