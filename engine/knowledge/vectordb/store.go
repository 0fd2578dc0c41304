// Package vectordb persists embedding records per knowledge-base version and
// serves similarity candidates over the active set.
package vectordb

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/reqforge/reqforge/engine/core"
)

// ErrNoActiveVersion indicates that no version is active for a model family.
var ErrNoActiveVersion = errors.New("vectordb: no active version")

// EmbeddingRecord is one embedded chunk pinned to a knowledge-base version.
// A record is unique per (version, entity, content hash) within its family.
type EmbeddingRecord struct {
	ID              core.ID        `json:"id"`
	Version         string         `json:"version"`
	ModelFamily     string         `json:"model_family"`
	Dimension       int            `json:"dimension"`
	Entity          core.EntityRef `json:"entity"`
	ChunkIndex      int            `json:"chunk_index"`
	ChunkOffset     int            `json:"chunk_offset"`
	Text            string         `json:"text"`
	Hash            string         `json:"hash"`
	Vector          []float32      `json:"-"`
	Active          bool           `json:"active"`
	SourceUpdatedAt time.Time      `json:"source_updated_at"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Query asks for similarity candidates from the active set of a model family.
// Terms, when present, restrict candidates to records that contain at least
// one of them; EntityTypes restricts by source entity type.
type Query struct {
	ModelFamily string
	Vector      []float32
	Terms       []string
	EntityTypes []string
	Limit       int
}

// Candidate pairs a record with its vector similarity to the query.
type Candidate struct {
	Record      EmbeddingRecord
	VectorScore float64
}

// Store is the persistence contract for embedding records.
type Store interface {
	// Upsert inserts records, skipping any whose (version, entity, hash)
	// already exists. It reports how many records were actually inserted.
	Upsert(ctx context.Context, records []EmbeddingRecord) (int, error)
	// ActivateVersion atomically makes the given version the active set for
	// its model family, deactivating whatever was active before.
	ActivateVersion(ctx context.Context, modelFamily, version string) error
	// ArchiveVersion deactivates a version's records. If the version was the
	// family's active set, the family is left with no active version.
	ArchiveVersion(ctx context.Context, modelFamily, version string) error
	// ActiveVersion reports the active version label for a model family,
	// or ErrNoActiveVersion.
	ActiveVersion(ctx context.Context, modelFamily string) (string, error)
	// Search returns the top candidates from the family's active set ordered
	// by vector similarity.
	Search(ctx context.Context, q *Query) ([]Candidate, error)
	// CountVersion reports how many records a version holds.
	CountVersion(ctx context.Context, modelFamily, version string) (int, error)
	Close(ctx context.Context) error
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-magnitude vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// matchesEntityType reports whether entityType is allowed by the filter.
func matchesEntityType(entityType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == entityType {
			return true
		}
	}
	return false
}

// containsAnyTerm reports whether text contains at least one term,
// case-insensitively.
func containsAnyTerm(text string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
