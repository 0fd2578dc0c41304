package vectordb

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type recordKey struct {
	entityType string
	entityID   string
	hash       string
}

// MemoryStore keeps embedding records in process memory. Reads and writes are
// guarded by a single RWMutex, so activation is a plain atomic swap: a search
// sees either the old active set or the new one, never a mix.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[recordKey]EmbeddingRecord
	active  map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[recordKey]EmbeddingRecord),
		active:  make(map[string]string),
	}
}

func versionKey(modelFamily, version string) string {
	return modelFamily + "@" + version
}

func (s *MemoryStore) Upsert(_ context.Context, records []EmbeddingRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for i := range records {
		rec := records[i]
		if err := validateRecord(&rec); err != nil {
			return inserted, err
		}
		key := versionKey(rec.ModelFamily, rec.Version)
		set, ok := s.records[key]
		if !ok {
			set = make(map[recordKey]EmbeddingRecord)
			s.records[key] = set
		}
		rk := recordKey{entityType: rec.Entity.Type, entityID: rec.Entity.ID, hash: rec.Hash}
		if _, exists := set[rk]; exists {
			continue
		}
		rec.Active = s.active[rec.ModelFamily] == rec.Version
		set[rk] = rec
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ActivateVersion(_ context.Context, modelFamily, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[versionKey(modelFamily, version)]; !ok {
		return fmt.Errorf("vectordb: version %q has no records for family %q", version, modelFamily)
	}
	previous := s.active[modelFamily]
	if previous != "" && previous != version {
		s.setActiveFlag(modelFamily, previous, false)
	}
	s.setActiveFlag(modelFamily, version, true)
	s.active[modelFamily] = version
	return nil
}

func (s *MemoryStore) setActiveFlag(modelFamily, version string, active bool) {
	set := s.records[versionKey(modelFamily, version)]
	for rk, rec := range set {
		rec.Active = active
		set[rk] = rec
	}
}

func (s *MemoryStore) ArchiveVersion(_ context.Context, modelFamily, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[versionKey(modelFamily, version)]; !ok {
		return fmt.Errorf("vectordb: version %q has no records for family %q", version, modelFamily)
	}
	s.setActiveFlag(modelFamily, version, false)
	if s.active[modelFamily] == version {
		delete(s.active, modelFamily)
	}
	return nil
}

func (s *MemoryStore) ActiveVersion(_ context.Context, modelFamily string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.active[modelFamily]
	if !ok {
		return "", ErrNoActiveVersion
	}
	return version, nil
}

func (s *MemoryStore) Search(_ context.Context, q *Query) ([]Candidate, error) {
	if q == nil {
		return nil, fmt.Errorf("vectordb: query is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.active[q.ModelFamily]
	if !ok {
		return nil, ErrNoActiveVersion
	}
	set := s.records[versionKey(q.ModelFamily, version)]
	candidates := make([]Candidate, 0, len(set))
	for _, rec := range set {
		if !matchesEntityType(rec.Entity.Type, q.EntityTypes) {
			continue
		}
		if !containsAnyTerm(rec.Text, q.Terms) {
			continue
		}
		candidates = append(candidates, Candidate{
			Record:      rec,
			VectorScore: CosineSimilarity(q.Vector, rec.Vector),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].VectorScore != candidates[j].VectorScore {
			return candidates[i].VectorScore > candidates[j].VectorScore
		}
		return candidates[i].Record.SourceUpdatedAt.After(candidates[j].Record.SourceUpdatedAt)
	})
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	return candidates, nil
}

func (s *MemoryStore) CountVersion(_ context.Context, modelFamily, version string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[versionKey(modelFamily, version)]), nil
}

func (s *MemoryStore) Close(_ context.Context) error {
	return nil
}

func validateRecord(rec *EmbeddingRecord) error {
	if rec.Version == "" {
		return fmt.Errorf("vectordb: record %s: version is required", rec.ID)
	}
	if rec.ModelFamily == "" {
		return fmt.Errorf("vectordb: record %s: model family is required", rec.ID)
	}
	if err := rec.Entity.Validate(); err != nil {
		return fmt.Errorf("vectordb: record %s: %w", rec.ID, err)
	}
	if rec.Hash == "" {
		return fmt.Errorf("vectordb: record %s: content hash is required", rec.ID)
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("vectordb: record %s: vector is required", rec.ID)
	}
	if rec.Dimension > 0 && len(rec.Vector) != rec.Dimension {
		return fmt.Errorf("vectordb: record %s: vector dimension %d does not match %d",
			rec.ID, len(rec.Vector), rec.Dimension)
	}
	return nil
}
