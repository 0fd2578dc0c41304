package vectordb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqforge/reqforge/engine/core"
)

func testRecord(version, entityID, hash string, vector []float32) EmbeddingRecord {
	return EmbeddingRecord{
		ID:              core.NewID(),
		Version:         version,
		ModelFamily:     "text-embedding-3-small",
		Dimension:       len(vector),
		Entity:          core.EntityRef{Type: "requirement", ID: entityID},
		Text:            "The system shall persist audit events for entity " + entityID,
		Hash:            hash,
		Vector:          vector,
		SourceUpdatedAt: time.Now(),
		CreatedAt:       time.Now(),
	}
}

func TestMemoryStoreUpsert(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldInsertNewRecords", func(t *testing.T) {
		store := NewMemoryStore()
		inserted, err := store.Upsert(ctx, []EmbeddingRecord{
			testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0}),
			testRecord("1.0.0", "REQ-2", "hash-b", []float32{0, 1}),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, inserted)
		count, err := store.CountVersion(ctx, "text-embedding-3-small", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("ShouldSkipDuplicateEntityHashWithinVersion", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Upsert(ctx, []EmbeddingRecord{
			testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0}),
		})
		require.NoError(t, err)
		inserted, err := store.Upsert(ctx, []EmbeddingRecord{
			testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0}),
		})
		require.NoError(t, err)
		assert.Zero(t, inserted)
		count, err := store.CountVersion(ctx, "text-embedding-3-small", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("ShouldKeepSameHashDistinctAcrossVersions", func(t *testing.T) {
		store := NewMemoryStore()
		inserted, err := store.Upsert(ctx, []EmbeddingRecord{
			testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0}),
			testRecord("1.1.0", "REQ-1", "hash-a", []float32{1, 0}),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, inserted)
	})

	t.Run("ShouldInsertExactlyOnceUnderConcurrentRacers", func(t *testing.T) {
		store := NewMemoryStore()
		const racers = 16
		var wg sync.WaitGroup
		total := make(chan int, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inserted, err := store.Upsert(ctx, []EmbeddingRecord{
					testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0}),
				})
				assert.NoError(t, err)
				total <- inserted
			}()
		}
		wg.Wait()
		close(total)
		sum := 0
		for n := range total {
			sum += n
		}
		assert.Equal(t, 1, sum, "racing upserts of the same content insert one record")
	})

	t.Run("ShouldRejectDimensionMismatch", func(t *testing.T) {
		store := NewMemoryStore()
		rec := testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0})
		rec.Dimension = 4
		_, err := store.Upsert(ctx, []EmbeddingRecord{rec})
		assert.Error(t, err)
	})
}

func TestMemoryStoreActivation(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldReportNoActiveVersionInitially", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.ActiveVersion(ctx, "text-embedding-3-small")
		assert.ErrorIs(t, err, ErrNoActiveVersion)
	})

	t.Run("ShouldRejectActivatingUnknownVersion", func(t *testing.T) {
		store := NewMemoryStore()
		err := store.ActivateVersion(ctx, "text-embedding-3-small", "9.9.9")
		assert.Error(t, err)
	})

	t.Run("ShouldSwapActiveSetAtomically", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Upsert(ctx, []EmbeddingRecord{
			testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0}),
			testRecord("1.1.0", "REQ-1", "hash-b", []float32{0, 1}),
		})
		require.NoError(t, err)
		require.NoError(t, store.ActivateVersion(ctx, "text-embedding-3-small", "1.0.0"))

		version, err := store.ActiveVersion(ctx, "text-embedding-3-small")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", version)

		require.NoError(t, store.ActivateVersion(ctx, "text-embedding-3-small", "1.1.0"))
		version, err = store.ActiveVersion(ctx, "text-embedding-3-small")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", version)

		matches, err := store.Search(ctx, &Query{
			ModelFamily: "text-embedding-3-small",
			Vector:      []float32{0, 1},
			Limit:       10,
		})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "1.1.0", matches[0].Record.Version)
	})

	t.Run("ShouldClearActivePointerWhenArchivingActiveVersion", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Upsert(ctx, []EmbeddingRecord{
			testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0}),
		})
		require.NoError(t, err)
		require.NoError(t, store.ActivateVersion(ctx, "text-embedding-3-small", "1.0.0"))
		require.NoError(t, store.ArchiveVersion(ctx, "text-embedding-3-small", "1.0.0"))
		_, err = store.ActiveVersion(ctx, "text-embedding-3-small")
		assert.ErrorIs(t, err, ErrNoActiveVersion)
	})

	t.Run("ShouldServeOldOrNewSetDuringConcurrentActivation", func(t *testing.T) {
		store := NewMemoryStore()
		records := make([]EmbeddingRecord, 0, 20)
		for i := 0; i < 10; i++ {
			records = append(records,
				testRecord("1.0.0", fmt.Sprintf("REQ-%d", i), fmt.Sprintf("old-%d", i), []float32{1, 0}),
				testRecord("1.1.0", fmt.Sprintf("REQ-%d", i), fmt.Sprintf("new-%d", i), []float32{1, 0}),
			)
		}
		_, err := store.Upsert(ctx, records)
		require.NoError(t, err)
		require.NoError(t, store.ActivateVersion(ctx, "text-embedding-3-small", "1.0.0"))

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = store.ActivateVersion(ctx, "text-embedding-3-small", "1.1.0")
		}()
		for i := 0; i < 50; i++ {
			matches, err := store.Search(ctx, &Query{
				ModelFamily: "text-embedding-3-small",
				Vector:      []float32{1, 0},
				Limit:       100,
			})
			require.NoError(t, err)
			versions := make(map[string]struct{})
			for _, m := range matches {
				versions[m.Record.Version] = struct{}{}
			}
			assert.LessOrEqual(t, len(versions), 1, "a search must never mix versions")
		}
		<-done
	})
}

func TestMemoryStoreSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("ShouldOrderByVectorSimilarity", func(t *testing.T) {
		store := NewMemoryStore()
		close1 := testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0.1})
		far := testRecord("1.0.0", "REQ-2", "hash-b", []float32{0, 1})
		_, err := store.Upsert(ctx, []EmbeddingRecord{close1, far})
		require.NoError(t, err)
		require.NoError(t, store.ActivateVersion(ctx, "text-embedding-3-small", "1.0.0"))

		matches, err := store.Search(ctx, &Query{
			ModelFamily: "text-embedding-3-small",
			Vector:      []float32{1, 0},
			Limit:       10,
		})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "REQ-1", matches[0].Record.Entity.ID)
		assert.Greater(t, matches[0].VectorScore, matches[1].VectorScore)
	})

	t.Run("ShouldFilterByTerms", func(t *testing.T) {
		store := NewMemoryStore()
		login := testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0})
		login.Text = "The system shall lock accounts after five failed login attempts."
		export := testRecord("1.0.0", "REQ-2", "hash-b", []float32{1, 0})
		export.Text = "The system shall export reports as PDF."
		_, err := store.Upsert(ctx, []EmbeddingRecord{login, export})
		require.NoError(t, err)
		require.NoError(t, store.ActivateVersion(ctx, "text-embedding-3-small", "1.0.0"))

		matches, err := store.Search(ctx, &Query{
			ModelFamily: "text-embedding-3-small",
			Vector:      []float32{1, 0},
			Terms:       []string{"login"},
			Limit:       10,
		})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "REQ-1", matches[0].Record.Entity.ID)
	})

	t.Run("ShouldReturnEmptySliceWhenFilterMatchesNothing", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Upsert(ctx, []EmbeddingRecord{
			testRecord("1.0.0", "REQ-1", "hash-a", []float32{1, 0}),
		})
		require.NoError(t, err)
		require.NoError(t, store.ActivateVersion(ctx, "text-embedding-3-small", "1.0.0"))

		matches, err := store.Search(ctx, &Query{
			ModelFamily: "text-embedding-3-small",
			Vector:      []float32{1, 0},
			Terms:       []string{"zzz-no-such-term"},
			Limit:       10,
		})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("ShouldReturnErrNoActiveVersionWithoutActivation", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Search(ctx, &Query{
			ModelFamily: "text-embedding-3-small",
			Vector:      []float32{1, 0},
		})
		assert.ErrorIs(t, err, ErrNoActiveVersion)
	})
}

func TestCosineSimilarity(t *testing.T) {
	t.Run("ShouldScoreParallelVectorsAsOne", func(t *testing.T) {
		assert.InDelta(t, 1.0, CosineSimilarity([]float32{2, 0}, []float32{5, 0}), 1e-9)
	})

	t.Run("ShouldScoreOrthogonalVectorsAsZero", func(t *testing.T) {
		assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	})

	t.Run("ShouldScoreMismatchedLengthsAsZero", func(t *testing.T) {
		assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}))
	})

	t.Run("ShouldScoreZeroVectorAsZero", func(t *testing.T) {
		assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	})
}
