// Package version owns the knowledge-base version lifecycle: build, ingest,
// activate, archive. At most one version per embedding model family is active
// at any instant.
package version

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a knowledge-base version.
type Status string

const (
	StatusBuilding Status = "building"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

var (
	// ErrNotFound indicates an unknown version label.
	ErrNotFound = errors.New("version: not found")
	// ErrInvalidState indicates an operation called out of lifecycle order,
	// such as ingesting into a non-building version.
	ErrInvalidState = errors.New("version: invalid state")
	// ErrConflict indicates a concurrent activation lost the race. The
	// version is already handled by another actor.
	ErrConflict = errors.New("version: conflict")
)

// KBVersion describes one embedding corpus build.
type KBVersion struct {
	Label        string     `json:"label"`
	ModelFamily  string     `json:"model_family"`
	Dimension    int        `json:"dimension"`
	Status       Status     `json:"status"`
	EntityCount  int        `json:"entity_count"`
	ChunkCount   int        `json:"chunk_count"`
	FailedChunks int        `json:"failed_chunks"`
	CreatedAt    time.Time  `json:"created_at"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
}

// ChunkFailure records one chunk that could not be embedded after the
// router's retry budget was spent. Failed chunks are excluded from the build.
type ChunkFailure struct {
	Index  int    `json:"index"`
	Hash   string `json:"hash"`
	Reason string `json:"reason"`
}

// IngestReport summarizes one ingest call.
type IngestReport struct {
	Entity   string         `json:"entity"`
	Chunks   int            `json:"chunks"`
	Inserted int            `json:"inserted"`
	Skipped  int            `json:"skipped"`
	Failures []ChunkFailure `json:"failures,omitempty"`
}
