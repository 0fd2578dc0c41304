// Package retriever ranks chunks from the active knowledge-base version by
// combining vector similarity with lexical relevance.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/reqforge/reqforge/engine/core"
	"github.com/reqforge/reqforge/engine/knowledge/vectordb"
	"github.com/reqforge/reqforge/engine/provider"
	"github.com/reqforge/reqforge/pkg/logger"
)

// Embedder produces one vector per text. Satisfied by provider.Router.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*provider.EmbedResult, error)
}

// Settings tunes hybrid ranking. Weights are normalized at construction.
type Settings struct {
	VectorWeight  float64
	LexicalWeight float64
	// QueryCacheSize bounds the LRU of query embeddings.
	QueryCacheSize int
	// CandidateFactor multiplies k when asking the store for candidates, so
	// lexical re-ranking has slack to reorder.
	CandidateFactor int
}

// Query is one hybrid search request.
type Query struct {
	Text        string
	K           int
	ModelFamily string
	EntityTypes []string
	Terms       []string
}

// Match is one ranked result.
type Match struct {
	Record       vectordb.EmbeddingRecord `json:"record"`
	Score        float64                  `json:"score"`
	VectorScore  float64                  `json:"vector_score"`
	LexicalScore float64                  `json:"lexical_score"`
}

// Service executes hybrid searches over the active embedding set.
type Service struct {
	embedder   Embedder
	store      vectordb.Store
	settings   Settings
	queryCache *lru.Cache[string, []float32]
}

// NewService validates settings and builds the query-embedding cache.
func NewService(embedder Embedder, store vectordb.Store, settings Settings) (*Service, error) {
	if embedder == nil {
		return nil, errors.New("retriever: embedder is required")
	}
	if store == nil {
		return nil, errors.New("retriever: vector store is required")
	}
	if settings.VectorWeight <= 0 && settings.LexicalWeight <= 0 {
		settings.VectorWeight = 0.7
		settings.LexicalWeight = 0.3
	}
	total := settings.VectorWeight + settings.LexicalWeight
	settings.VectorWeight /= total
	settings.LexicalWeight /= total
	if settings.QueryCacheSize <= 0 {
		settings.QueryCacheSize = 256
	}
	if settings.CandidateFactor <= 0 {
		settings.CandidateFactor = 4
	}
	cache, err := lru.New[string, []float32](settings.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("retriever: build query cache: %w", err)
	}
	return &Service{
		embedder:   embedder,
		store:      store,
		settings:   settings,
		queryCache: cache,
	}, nil
}

// Search embeds the query, gathers candidates from the active set, and ranks
// them by the weighted sum of vector and lexical scores. Ties are broken by
// more recent source updates. An empty candidate set yields an empty slice;
// a missing active version surfaces vectordb.ErrNoActiveVersion.
func (s *Service) Search(ctx context.Context, q *Query) ([]Match, error) {
	if q == nil {
		return nil, errors.New("retriever: query is required")
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, errors.New("retriever: query text is required")
	}
	if q.ModelFamily == "" {
		return nil, errors.New("retriever: model family is required")
	}
	k := q.K
	if k <= 0 {
		k = 10
	}
	vector, err := s.embedQuery(ctx, q.ModelFamily, q.Text)
	if err != nil {
		return nil, err
	}
	terms := append(Tokenize(q.Text), q.Terms...)
	candidates, err := s.store.Search(ctx, &vectordb.Query{
		ModelFamily: q.ModelFamily,
		Vector:      vector,
		Terms:       terms,
		EntityTypes: q.EntityTypes,
		Limit:       k * s.settings.CandidateFactor,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []Match{}, nil
	}
	matches := make([]Match, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		vectorScore := normalizeCosine(c.VectorScore)
		lexicalScore := lexicalRelevance(c.Record.Text, terms)
		matches = append(matches, Match{
			Record:       c.Record,
			VectorScore:  vectorScore,
			LexicalScore: lexicalScore,
			Score:        s.settings.VectorWeight*vectorScore + s.settings.LexicalWeight*lexicalScore,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.SourceUpdatedAt.After(matches[j].Record.SourceUpdatedAt)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	logger.FromContext(ctx).Debug("Hybrid search executed",
		"model_family", q.ModelFamily, "candidates", len(candidates), "results", len(matches))
	return matches, nil
}

// embedQuery returns the query vector, served from the LRU when the same
// (model, text) pair was embedded before.
func (s *Service) embedQuery(ctx context.Context, modelFamily, text string) ([]float32, error) {
	key := core.HashText(modelFamily + "\x00" + text)
	if vector, ok := s.queryCache.Get(key); ok {
		return vector, nil
	}
	result, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(result.Vectors) != 1 {
		return nil, fmt.Errorf("retriever: expected one query vector, received %d", len(result.Vectors))
	}
	s.queryCache.Add(key, result.Vectors[0])
	return result.Vectors[0], nil
}

// normalizeCosine maps cosine similarity from [-1, 1] into [0, 1].
func normalizeCosine(score float64) float64 {
	normalized := (score + 1) / 2
	if normalized < 0 {
		return 0
	}
	if normalized > 1 {
		return 1
	}
	return normalized
}

// lexicalRelevance scores the fraction of terms present in the text.
func lexicalRelevance(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, term := range terms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "with": {},
	"shall": {}, "should": {}, "must": {}, "system": {},
}

// Tokenize extracts lowercase keyword terms from free text, dropping
// stopwords and fragments shorter than three runes.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '-'
	})
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if len([]rune(field)) < 3 {
			continue
		}
		if _, stop := stopwords[field]; stop {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		terms = append(terms, field)
	}
	return terms
}
