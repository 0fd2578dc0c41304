package retriever

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqforge/reqforge/engine/core"
	"github.com/reqforge/reqforge/engine/knowledge/vectordb"
	"github.com/reqforge/reqforge/engine/provider"
)

// fixedEmbedder returns a fixed vector for every query and counts calls.
type fixedEmbedder struct {
	mu     sync.Mutex
	vector []float32
	calls  int
	err    error
}

func (f *fixedEmbedder) Embed(_ context.Context, texts []string) (*provider.EmbedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = f.vector
	}
	return &provider.EmbedResult{Vectors: vectors, Provider: "stub", Model: "stub-model"}, nil
}

func (f *fixedEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const family = "text-embedding-3-small"

func seedStore(t *testing.T, records ...vectordb.EmbeddingRecord) *vectordb.MemoryStore {
	t.Helper()
	store := vectordb.NewMemoryStore()
	ctx := context.Background()
	_, err := store.Upsert(ctx, records)
	require.NoError(t, err)
	require.NoError(t, store.ActivateVersion(ctx, family, "1.0.0"))
	return store
}

func record(entityID, text string, vector []float32, updatedAt time.Time) vectordb.EmbeddingRecord {
	return vectordb.EmbeddingRecord{
		ID:              core.NewID(),
		Version:         "1.0.0",
		ModelFamily:     family,
		Dimension:       len(vector),
		Entity:          core.EntityRef{Type: "requirement", ID: entityID},
		Text:            text,
		Hash:            core.HashText(entityID + text),
		Vector:          vector,
		SourceUpdatedAt: updatedAt,
		CreatedAt:       updatedAt,
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("ShouldRankByWeightedHybridScore", func(t *testing.T) {
		store := seedStore(t,
			record("REQ-1", "Accounts lock after five failed login attempts.", []float32{1, 0}, now),
			record("REQ-2", "Reports export as PDF documents for login auditing.", []float32{0.9, 0.1}, now),
		)
		embedder := &fixedEmbedder{vector: []float32{1, 0}}
		service, err := NewService(embedder, store, Settings{})
		require.NoError(t, err)

		matches, err := service.Search(ctx, &Query{
			Text:        "failed login attempts",
			K:           5,
			ModelFamily: family,
		})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "REQ-1", matches[0].Record.Entity.ID,
			"higher combined vector+lexical score wins")
		assert.Greater(t, matches[0].Score, matches[1].Score)
		assert.Greater(t, matches[0].LexicalScore, matches[1].LexicalScore)
	})

	t.Run("ShouldBreakScoreTiesByRecency", func(t *testing.T) {
		older := record("REQ-1", "Sessions expire after thirty minutes idle.", []float32{1, 0}, now.Add(-time.Hour))
		newer := record("REQ-2", "Sessions expire after thirty minutes idle!", []float32{1, 0}, now)
		store := seedStore(t, older, newer)
		embedder := &fixedEmbedder{vector: []float32{1, 0}}
		service, err := NewService(embedder, store, Settings{})
		require.NoError(t, err)

		matches, err := service.Search(ctx, &Query{
			Text:        "sessions expire idle",
			K:           5,
			ModelFamily: family,
		})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "REQ-2", matches[0].Record.Entity.ID)
	})

	t.Run("ShouldLimitToK", func(t *testing.T) {
		records := make([]vectordb.EmbeddingRecord, 0, 6)
		for _, id := range []string{"REQ-1", "REQ-2", "REQ-3", "REQ-4", "REQ-5", "REQ-6"} {
			records = append(records,
				record(id, "Password rules require twelve characters "+id, []float32{1, 0}, now))
		}
		store := seedStore(t, records...)
		embedder := &fixedEmbedder{vector: []float32{1, 0}}
		service, err := NewService(embedder, store, Settings{})
		require.NoError(t, err)

		matches, err := service.Search(ctx, &Query{
			Text:        "password rules",
			K:           3,
			ModelFamily: family,
		})
		require.NoError(t, err)
		assert.Len(t, matches, 3)
	})

	t.Run("ShouldReturnEmptySliceWhenNothingPassesFilter", func(t *testing.T) {
		store := seedStore(t,
			record("REQ-1", "Accounts lock after five failed attempts.", []float32{1, 0}, now),
		)
		embedder := &fixedEmbedder{vector: []float32{1, 0}}
		service, err := NewService(embedder, store, Settings{})
		require.NoError(t, err)

		matches, err := service.Search(ctx, &Query{
			Text:        "zebra holograms",
			K:           5,
			ModelFamily: family,
		})
		require.NoError(t, err)
		assert.NotNil(t, matches)
		assert.Empty(t, matches, "no candidate passing the filter is not an error")
	})

	t.Run("ShouldSurfaceNoActiveVersion", func(t *testing.T) {
		store := vectordb.NewMemoryStore()
		embedder := &fixedEmbedder{vector: []float32{1, 0}}
		service, err := NewService(embedder, store, Settings{})
		require.NoError(t, err)

		_, err = service.Search(ctx, &Query{
			Text:        "anything",
			K:           5,
			ModelFamily: family,
		})
		assert.ErrorIs(t, err, vectordb.ErrNoActiveVersion)
	})

	t.Run("ShouldFilterByEntityType", func(t *testing.T) {
		requirement := record("REQ-1", "Data retention lasts seven years.", []float32{1, 0}, now)
		note := record("NOTE-1", "Data retention was discussed in the meeting.", []float32{1, 0}, now)
		note.Entity.Type = "note"
		store := seedStore(t, requirement, note)
		embedder := &fixedEmbedder{vector: []float32{1, 0}}
		service, err := NewService(embedder, store, Settings{})
		require.NoError(t, err)

		matches, err := service.Search(ctx, &Query{
			Text:        "data retention",
			K:           5,
			ModelFamily: family,
			EntityTypes: []string{"requirement"},
		})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "REQ-1", matches[0].Record.Entity.ID)
	})

	t.Run("ShouldServeRepeatedQueriesFromEmbeddingCache", func(t *testing.T) {
		store := seedStore(t,
			record("REQ-1", "Exports include every audit field.", []float32{1, 0}, now),
		)
		embedder := &fixedEmbedder{vector: []float32{1, 0}}
		service, err := NewService(embedder, store, Settings{})
		require.NoError(t, err)

		_, err = service.Search(ctx, &Query{Text: "audit exports", K: 5, ModelFamily: family})
		require.NoError(t, err)
		_, err = service.Search(ctx, &Query{Text: "audit exports", K: 5, ModelFamily: family})
		require.NoError(t, err)
		assert.Equal(t, 1, embedder.Calls(), "identical query embeds once")
	})

	t.Run("ShouldRejectEmptyQueryText", func(t *testing.T) {
		store := vectordb.NewMemoryStore()
		embedder := &fixedEmbedder{vector: []float32{1, 0}}
		service, err := NewService(embedder, store, Settings{})
		require.NoError(t, err)
		_, err = service.Search(ctx, &Query{Text: "  ", K: 5, ModelFamily: family})
		assert.Error(t, err)
	})
}

func TestTokenize(t *testing.T) {
	t.Run("ShouldDropStopwordsAndShortFragments", func(t *testing.T) {
		terms := Tokenize("The system shall lock an account at 5 failed logins")
		assert.Equal(t, []string{"lock", "account", "failed", "logins"}, terms)
	})

	t.Run("ShouldDeduplicateTerms", func(t *testing.T) {
		terms := Tokenize("login login LOGIN")
		assert.Equal(t, []string{"login"}, terms)
	})
}
