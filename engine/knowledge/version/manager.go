package version

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/reqforge/reqforge/engine/core"
	"github.com/reqforge/reqforge/engine/knowledge/chunk"
	"github.com/reqforge/reqforge/engine/knowledge/vectordb"
	"github.com/reqforge/reqforge/engine/provider"
	"github.com/reqforge/reqforge/pkg/logger"
)

// Embedder produces one vector per text. Satisfied by provider.Router.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*provider.EmbedResult, error)
}

// Settings tunes the ingest pipeline.
type Settings struct {
	ChunkSize    int
	ChunkOverlap int
	// BatchSize bounds how many chunks are embedded per router call.
	BatchSize int
}

// Manager owns KBVersion state. The label sequence is a single monotonically
// increasing semver across all model families, so labels stay unique and
// per-family ordering follows for free.
type Manager struct {
	store    vectordb.Store
	embedder Embedder
	splitter *chunk.Splitter
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	versions map[string]*KBVersion
	entities map[string]map[string]struct{}
	latest   *semver.Version
	familyMu map[string]*sync.Mutex
}

// NewManager builds a manager over the given record store and embedder.
func NewManager(store vectordb.Store, embedder Embedder, settings Settings) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("version: store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("version: embedder is required")
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = 16
	}
	splitter, err := chunk.NewSplitter(settings.ChunkSize, settings.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:    store,
		embedder: embedder,
		splitter: splitter,
		settings: settings,
		now:      time.Now,
		versions: make(map[string]*KBVersion),
		entities: make(map[string]map[string]struct{}),
		familyMu: make(map[string]*sync.Mutex),
	}, nil
}

// BeginBuild opens a new building version for the model family.
func (m *Manager) BeginBuild(_ context.Context, modelFamily string, dimension int) (*KBVersion, error) {
	if modelFamily == "" {
		return nil, fmt.Errorf("version: model family is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("version: dimension must be greater than zero")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	label := m.nextLabel()
	v := &KBVersion{
		Label:       label,
		ModelFamily: modelFamily,
		Dimension:   dimension,
		Status:      StatusBuilding,
		CreatedAt:   m.now(),
	}
	m.versions[label] = v
	m.entities[label] = make(map[string]struct{})
	out := *v
	return &out, nil
}

// nextLabel bumps the minor component of the latest label. Callers hold m.mu.
func (m *Manager) nextLabel() string {
	if m.latest == nil {
		m.latest = semver.MustParse("1.0.0")
	} else {
		next := m.latest.IncMinor()
		m.latest = &next
	}
	return m.latest.String()
}

// Get returns a snapshot of the version with the given label.
func (m *Manager) Get(label string) (*KBVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	out := *v
	return &out, nil
}

// List returns snapshots of all versions ordered by label.
func (m *Manager) List() []*KBVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*KBVersion, 0, len(m.versions))
	for _, v := range m.versions {
		snapshot := *v
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Ingest chunks the text, embeds the chunks, and stores the records under the
// building version. Re-ingesting unchanged content is a no-op: records are
// deduplicated on (entity, content hash) within the version. Chunks that
// still fail after the router's retry budget are recorded and excluded; the
// build is never aborted for a partial failure.
func (m *Manager) Ingest(
	ctx context.Context,
	label string,
	ref core.EntityRef,
	text string,
	sourceUpdatedAt time.Time,
) (*IngestReport, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	modelFamily, dimension, err := m.checkBuilding(label)
	if err != nil {
		return nil, err
	}
	spans, err := m.splitter.Split(text)
	if err != nil {
		return nil, err
	}
	spans = dedupeSpans(spans)
	report := &IngestReport{Entity: ref.String(), Chunks: len(spans)}
	if len(spans) == 0 {
		return report, nil
	}
	if sourceUpdatedAt.IsZero() {
		sourceUpdatedAt = m.now()
	}
	log := logger.FromContext(ctx)
	records := make([]vectordb.EmbeddingRecord, 0, len(spans))
	for start := 0; start < len(spans); start += m.settings.BatchSize {
		end := start + m.settings.BatchSize
		if end > len(spans) {
			end = len(spans)
		}
		batch := spans[start:end]
		texts := make([]string, len(batch))
		for i, span := range batch {
			texts[i] = span.Text
		}
		result, embedErr := m.embedder.Embed(ctx, texts)
		if embedErr != nil {
			log.Warn("Embedding batch failed, excluding chunks",
				"version", label, "entity", ref.String(), "chunks", len(batch), "error", embedErr)
			for _, span := range batch {
				report.Failures = append(report.Failures, ChunkFailure{
					Index:  span.Index,
					Hash:   span.Hash,
					Reason: embedErr.Error(),
				})
			}
			continue
		}
		for i, span := range batch {
			vector := result.Vectors[i]
			if len(vector) != dimension {
				return nil, fmt.Errorf("version %s: embedding dimension %d does not match declared %d",
					label, len(vector), dimension)
			}
			records = append(records, vectordb.EmbeddingRecord{
				ID:              core.NewID(),
				Version:         label,
				ModelFamily:     modelFamily,
				Dimension:       dimension,
				Entity:          ref,
				ChunkIndex:      span.Index,
				ChunkOffset:     span.Offset,
				Text:            span.Text,
				Hash:            span.Hash,
				Vector:          vector,
				SourceUpdatedAt: sourceUpdatedAt,
				CreatedAt:       m.now(),
			})
		}
	}
	inserted := 0
	if len(records) > 0 {
		inserted, err = m.store.Upsert(ctx, records)
		if err != nil {
			return nil, err
		}
	}
	report.Inserted = inserted
	report.Skipped = len(records) - inserted
	m.recordIngest(label, ref, inserted, len(report.Failures))
	return report, nil
}

// IngestFrom resolves the entity's text through the domain layer's accessor
// and ingests it. Used when the caller passes references instead of payloads.
func (m *Manager) IngestFrom(
	ctx context.Context,
	label string,
	ref core.EntityRef,
	source core.SourceAccessor,
) (*IngestReport, error) {
	if source == nil {
		return nil, fmt.Errorf("version: source accessor is required")
	}
	text, updatedAt, err := source.SourceText(ref)
	if err != nil {
		return nil, fmt.Errorf("version: resolve source %s: %w", ref.String(), err)
	}
	return m.Ingest(ctx, label, ref, text, updatedAt)
}

// checkBuilding returns the version's family and dimension when it accepts
// ingests.
func (m *Manager) checkBuilding(label string) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[label]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	if v.Status != StatusBuilding {
		return "", 0, fmt.Errorf("%w: version %s is %s, ingest requires building",
			ErrInvalidState, label, v.Status)
	}
	return v.ModelFamily, v.Dimension, nil
}

func (m *Manager) recordIngest(label string, ref core.EntityRef, inserted, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[label]
	if !ok {
		return
	}
	v.ChunkCount += inserted
	v.FailedChunks += failed
	set := m.entities[label]
	key := ref.String()
	if _, seen := set[key]; !seen {
		set[key] = struct{}{}
		v.EntityCount = len(set)
	}
}

// Activate promotes a building version to the family's active set. Concurrent
// activations on the same family are linearized: exactly one caller wins, the
// rest receive ErrConflict. The record swap itself is a single atomic store
// operation, so no concurrent search observes a mixed active set.
func (m *Manager) Activate(ctx context.Context, label string) (*KBVersion, error) {
	v, err := m.Get(label)
	if err != nil {
		return nil, err
	}
	famMu := m.familyLock(v.ModelFamily)
	famMu.Lock()
	defer famMu.Unlock()
	m.mu.Lock()
	current := m.versions[label]
	if current.Status != StatusBuilding {
		status := current.Status
		m.mu.Unlock()
		if status == StatusActive {
			return nil, fmt.Errorf("%w: version %s is already active", ErrConflict, label)
		}
		return nil, fmt.Errorf("%w: version %s is %s", ErrInvalidState, label, status)
	}
	previous := m.activeLabelLocked(current.ModelFamily)
	m.mu.Unlock()

	if err := m.store.ActivateVersion(ctx, current.ModelFamily, label); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if previous != "" {
		if prev, ok := m.versions[previous]; ok {
			prev.Status = StatusArchived
			prev.ArchivedAt = &now
		}
	}
	current.Status = StatusActive
	current.ActivatedAt = &now
	out := *current
	logger.FromContext(ctx).Info("Knowledge-base version activated",
		"version", label, "model_family", current.ModelFamily, "replaced", previous)
	return &out, nil
}

// Archive retires a version. A building version is abandoned; archiving the
// active version leaves the family with no active set until a successor is
// activated.
func (m *Manager) Archive(ctx context.Context, label string) (*KBVersion, error) {
	v, err := m.Get(label)
	if err != nil {
		return nil, err
	}
	famMu := m.familyLock(v.ModelFamily)
	famMu.Lock()
	defer famMu.Unlock()
	m.mu.Lock()
	current := m.versions[label]
	if current.Status == StatusArchived {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: version %s is already archived", ErrInvalidState, label)
	}
	wasActive := current.Status == StatusActive
	m.mu.Unlock()

	if wasActive {
		if err := m.store.ArchiveVersion(ctx, current.ModelFamily, label); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	current.Status = StatusArchived
	current.ArchivedAt = &now
	out := *current
	return &out, nil
}

func (m *Manager) activeLabelLocked(modelFamily string) string {
	for label, v := range m.versions {
		if v.ModelFamily == modelFamily && v.Status == StatusActive {
			return label
		}
	}
	return ""
}

func (m *Manager) familyLock(modelFamily string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.familyMu[modelFamily]
	if !ok {
		mu = &sync.Mutex{}
		m.familyMu[modelFamily] = mu
	}
	return mu
}

// dedupeSpans drops spans whose content hash already appeared earlier in the
// same document, keeping the first occurrence.
func dedupeSpans(spans []chunk.Span) []chunk.Span {
	seen := make(map[string]struct{}, len(spans))
	out := spans[:0]
	for _, span := range spans {
		if _, dup := seen[span.Hash]; dup {
			continue
		}
		seen[span.Hash] = struct{}{}
		out = append(out, span)
	}
	return out
}
