package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reqforge/reqforge/engine/core"
	"github.com/reqforge/reqforge/engine/knowledge/vectordb"
	"github.com/reqforge/reqforge/engine/knowledge/version"
	"github.com/reqforge/reqforge/engine/provider"
	"github.com/reqforge/reqforge/engine/suggestion"
)

// envelope is the uniform response body for every endpoint.
type envelope struct {
	Status  int           `json:"status"`
	Message string        `json:"message,omitempty"`
	Data    any           `json:"data,omitempty"`
	Error   *core.Problem `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{Status: status, Message: message, Data: data})
}

func respondOK(c *gin.Context, message string, data any) {
	respond(c, http.StatusOK, message, data)
}

func respondProblem(c *gin.Context, problem *core.Problem) {
	problem = core.NormalizeProblem(problem)
	c.AbortWithStatusJSON(problem.Status, envelope{Status: problem.Status, Error: problem})
}

func respondError(c *gin.Context, err error) {
	respondProblem(c, problemFrom(err))
}

func respondBadRequest(c *gin.Context, err error) {
	respondProblem(c, &core.Problem{
		Status: http.StatusBadRequest,
		Code:   "INVALID_REQUEST",
		Detail: err.Error(),
	})
}

// problemFrom maps domain errors onto HTTP problems. Unknown errors stay 500
// so internals never leak a misleading status.
func problemFrom(err error) *core.Problem {
	switch {
	case errors.Is(err, version.ErrNotFound):
		return &core.Problem{Status: http.StatusNotFound, Code: "VERSION_NOT_FOUND", Detail: err.Error()}
	case errors.Is(err, version.ErrConflict):
		return &core.Problem{Status: http.StatusConflict, Code: "VERSION_CONFLICT", Detail: err.Error()}
	case errors.Is(err, version.ErrInvalidState):
		return &core.Problem{Status: http.StatusUnprocessableEntity, Code: "INVALID_VERSION_STATE", Detail: err.Error()}
	case errors.Is(err, vectordb.ErrNoActiveVersion):
		return &core.Problem{Status: http.StatusNotFound, Code: "NO_ACTIVE_VERSION", Detail: err.Error()}
	case errors.Is(err, suggestion.ErrTaskNotFound):
		return &core.Problem{Status: http.StatusNotFound, Code: "TASK_NOT_FOUND", Detail: err.Error()}
	case errors.Is(err, suggestion.ErrQueueFull):
		return &core.Problem{Status: http.StatusTooManyRequests, Code: "QUEUE_FULL", Detail: err.Error()}
	case errors.Is(err, suggestion.ErrUnknownTaskType):
		return &core.Problem{Status: http.StatusBadRequest, Code: "UNKNOWN_TASK_TYPE", Detail: err.Error()}
	case errors.Is(err, provider.ErrNoProvider):
		return &core.Problem{Status: http.StatusServiceUnavailable, Code: "NO_PROVIDER", Detail: err.Error()}
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return &core.Problem{Status: http.StatusBadGateway, Code: string(perr.Code), Detail: err.Error()}
	}
	return &core.Problem{Status: http.StatusInternalServerError, Code: "INTERNAL", Detail: err.Error()}
}
