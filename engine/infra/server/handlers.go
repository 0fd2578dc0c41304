package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reqforge/reqforge/engine/core"
	"github.com/reqforge/reqforge/engine/knowledge/retriever"
	"github.com/reqforge/reqforge/engine/suggestion"
)

type handlers struct {
	deps Dependencies
}

type beginBuildRequest struct {
	ModelFamily string `json:"model_family"`
	Dimension   int    `json:"dimension"`
}

func (h *handlers) beginBuild(c *gin.Context) {
	var req beginBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if req.ModelFamily == "" {
		req.ModelFamily = h.deps.Embedding.Model
	}
	if req.Dimension <= 0 {
		req.Dimension = h.deps.Embedding.Dimension
	}
	v, err := h.deps.Versions.BeginBuild(c.Request.Context(), req.ModelFamily, req.Dimension)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	respond(c, http.StatusCreated, "knowledge-base version created", v)
}

func (h *handlers) listVersions(c *gin.Context) {
	respondOK(c, "knowledge-base versions", h.deps.Versions.List())
}

func (h *handlers) getVersion(c *gin.Context) {
	v, err := h.deps.Versions.Get(c.Param("label"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "knowledge-base version", v)
}

type ingestRequest struct {
	Entity          core.EntityRef `json:"entity"`
	Text            string         `json:"text"`
	SourceUpdatedAt time.Time      `json:"source_updated_at"`
}

func (h *handlers) ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if err := req.Entity.Validate(); err != nil {
		respondBadRequest(c, err)
		return
	}
	report, err := h.deps.Versions.Ingest(
		c.Request.Context(), c.Param("label"), req.Entity, req.Text, req.SourceUpdatedAt)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "entity ingested", report)
}

func (h *handlers) activate(c *gin.Context) {
	v, err := h.deps.Versions.Activate(c.Request.Context(), c.Param("label"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "knowledge-base version activated", v)
}

func (h *handlers) archive(c *gin.Context) {
	v, err := h.deps.Versions.Archive(c.Request.Context(), c.Param("label"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "knowledge-base version archived", v)
}

type searchRequest struct {
	Query       string   `json:"query"`
	K           int      `json:"k"`
	ModelFamily string   `json:"model_family"`
	EntityTypes []string `json:"entity_types"`
	Terms       []string `json:"terms"`
}

func (h *handlers) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondBadRequest(c, errors.New("query is required"))
		return
	}
	if req.ModelFamily == "" {
		req.ModelFamily = h.deps.Embedding.Model
	}
	matches, err := h.deps.Retriever.Search(c.Request.Context(), &retriever.Query{
		Text:        req.Query,
		K:           req.K,
		ModelFamily: req.ModelFamily,
		EntityTypes: req.EntityTypes,
		Terms:       req.Terms,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "search results", matches)
}

type suggestRequest struct {
	TaskType string             `json:"task_type"`
	Payload  suggestion.Payload `json:"payload"`
}

func (h *handlers) submitSuggestion(c *gin.Context) {
	var req suggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if req.TaskType == "" {
		req.TaskType = suggestion.TaskTypeGenerate
	}
	if req.Payload.ModelFamily == "" {
		req.Payload.ModelFamily = h.deps.Embedding.Model
	}
	id, err := h.deps.Tasks.Submit(req.TaskType, &req.Payload)
	if err != nil {
		if errors.Is(err, suggestion.ErrQueueFull) || errors.Is(err, suggestion.ErrUnknownTaskType) {
			respondError(c, err)
			return
		}
		respondBadRequest(c, err)
		return
	}
	respond(c, http.StatusAccepted, "suggestion task accepted", gin.H{"task_id": id})
}

func (h *handlers) suggestionStatus(c *gin.Context) {
	task, err := h.deps.Tasks.Status(core.ID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "suggestion task", task)
}

func (h *handlers) cancelSuggestion(c *gin.Context) {
	if err := h.deps.Tasks.Cancel(core.ID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "suggestion task cancelled", nil)
}

func (h *handlers) cacheStats(c *gin.Context) {
	respondOK(c, "cache statistics", h.deps.Cache.Stats())
}

func (h *handlers) providerHealth(c *gin.Context) {
	respondOK(c, "provider health", h.deps.Providers.HealthSnapshot())
}

func (h *handlers) providerCosts(c *gin.Context) {
	respondOK(c, "provider cost records", h.deps.Providers.Ledger().Records())
}

func (h *handlers) healthz(c *gin.Context) {
	respondOK(c, "ok", nil)
}
