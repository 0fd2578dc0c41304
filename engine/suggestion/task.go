// Package suggestion runs generation requests as asynchronous tasks over a
// bounded queue and a worker pool, tracking progress and persisting results
// tied to the knowledge-base version that served them.
package suggestion

import (
	"errors"
	"time"

	"github.com/reqforge/reqforge/engine/core"
)

// Status is the task state machine: pending → running → {completed, failed}.
// Terminal states are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress milestones. Progress is monotonically non-decreasing until the
// task reaches a terminal state.
const (
	ProgressQueued    = 0
	ProgressStarted   = 10
	ProgressRetrieved = 50
	ProgressGenerated = 90
	ProgressDone      = 100
)

// TaskTypeGenerate is the one task type the orchestrator serves.
const TaskTypeGenerate = "suggestion.generate"

var (
	// ErrTaskNotFound indicates an unknown or removed task id.
	ErrTaskNotFound = errors.New("suggestion: task not found")
	// ErrQueueFull indicates the bounded queue rejected the submission.
	ErrQueueFull = errors.New("suggestion: queue is full")
	// ErrUnknownTaskType indicates a task type this orchestrator cannot run.
	ErrUnknownTaskType = errors.New("suggestion: unknown task type")
)

// Payload describes one generation request. The orchestrator treats domain
// meaning as opaque; it only needs retrieval and templating inputs.
type Payload struct {
	Query           string            `json:"query"`
	K               int               `json:"k,omitempty"`
	ModelFamily     string            `json:"model_family"`
	EntityTypes     []string          `json:"entity_types,omitempty"`
	Template        string            `json:"template"`
	TemplateVersion string            `json:"template_version"`
	Variables       map[string]string `json:"variables,omitempty"`
	Temperature     float64           `json:"temperature,omitempty"`
	MaxTokens       int               `json:"max_tokens,omitempty"`
}

// Source points a suggestion back at a retrieved chunk.
type Source struct {
	Entity core.EntityRef `json:"entity"`
	Score  float64        `json:"score"`
}

// Suggestion is the generated artifact. KBVersion records which version was
// active when the suggestion was produced, for traceability after later
// re-indexing.
type Suggestion struct {
	Text            string    `json:"text"`
	KBVersion       string    `json:"kb_version"`
	Template        string    `json:"template"`
	TemplateVersion string    `json:"template_version"`
	Provider        string    `json:"provider,omitempty"`
	Model           string    `json:"model,omitempty"`
	FromCache       bool      `json:"from_cache"`
	Sources         []Source  `json:"sources,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Task is the externally visible view of one queued generation.
type Task struct {
	ID          core.ID     `json:"id"`
	Type        string      `json:"type"`
	Status      Status      `json:"status"`
	Progress    int         `json:"progress"`
	Result      *Suggestion `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}
