// Package server exposes the AI infrastructure over HTTP: knowledge-base
// version lifecycle, hybrid search, suggestion tasks, and operational views
// of the cache and provider fleet.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reqforge/reqforge/engine/infra/cache"
	"github.com/reqforge/reqforge/engine/knowledge/retriever"
	"github.com/reqforge/reqforge/engine/knowledge/version"
	"github.com/reqforge/reqforge/engine/provider"
	"github.com/reqforge/reqforge/engine/suggestion"
	appconfig "github.com/reqforge/reqforge/pkg/config"
	"github.com/reqforge/reqforge/pkg/logger"
)

// Dependencies are the wired components the HTTP layer fronts.
type Dependencies struct {
	Versions  *version.Manager
	Retriever *retriever.Service
	Tasks     *suggestion.Orchestrator
	Providers *provider.Router
	Cache     *cache.Cache
	Embedding appconfig.EmbeddingConfig
}

func (d *Dependencies) validate() error {
	if d.Versions == nil {
		return errors.New("server: version manager is required")
	}
	if d.Retriever == nil {
		return errors.New("server: retriever is required")
	}
	if d.Tasks == nil {
		return errors.New("server: suggestion orchestrator is required")
	}
	if d.Providers == nil {
		return errors.New("server: provider router is required")
	}
	if d.Cache == nil {
		return errors.New("server: response cache is required")
	}
	return nil
}

// Server is the HTTP front for the AI core.
type Server struct {
	cfg  appconfig.ServerConfig
	http *http.Server
	log  logger.Logger
}

// New builds the gin engine and the HTTP server around it.
func New(cfg appconfig.ServerConfig, deps Dependencies, log logger.Logger) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewLogger(logger.DefaultConfig())
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))
	registerRoutes(engine, &handlers{deps: deps})
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: log,
	}, nil
}

func registerRoutes(engine *gin.Engine, h *handlers) {
	engine.GET("/healthz", h.healthz)

	ai := engine.Group("/ai")
	ai.POST("/kb-versions", h.beginBuild)
	ai.GET("/kb-versions", h.listVersions)
	ai.GET("/kb-versions/:label", h.getVersion)
	ai.POST("/kb-versions/:label/ingest", h.ingest)
	ai.POST("/kb-versions/:label/activate", h.activate)
	ai.POST("/kb-versions/:label/archive", h.archive)
	ai.POST("/search", h.search)
	ai.POST("/suggestions", h.submitSuggestion)
	ai.GET("/suggestions/:id", h.suggestionStatus)
	ai.DELETE("/suggestions/:id", h.cancelSuggestion)
	ai.GET("/cache-stats", h.cacheStats)
	ai.GET("/providers/health", h.providerHealth)
	ai.GET("/providers/costs", h.providerCosts)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
