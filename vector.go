package loom

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SupportedDimensions lists the embedding sizes an index may use.
var SupportedDimensions = []int{128, 256, 512, 768, 1024, 1536, 2048, 3072, 4096}

type IndexStats struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Count     int    `json:"count"`
	Metric    string `json:"metric"`
}

type VectorQueryResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Vector   []float64      `json:"vector,omitempty"`
}

type VectorQuery struct {
	IndexName     string
	Vector        []float64
	TopK          int
	Filter        map[string]any
	IncludeVector bool
}

// VectorStore is the long-term memory steps reach through ExecuteParams.
type VectorStore interface {
	CreateIndex(ctx context.Context, name string, dimension int) error
	ListIndexes(ctx context.Context) ([]string, error)
	DescribeIndex(ctx context.Context, name string) (*IndexStats, error)
	DeleteIndex(ctx context.Context, name string) error
	Upsert(ctx context.Context, name string, vectors [][]float64, metadata []map[string]any, ids []string) ([]string, error)
	Query(ctx context.Context, q VectorQuery) ([]VectorQueryResult, error)
}

var _ VectorStore = (*InMemoryVectorStore)(nil)

type vectorEntry struct {
	id       string
	vector   []float64
	metadata map[string]any
}

type vectorIndex struct {
	dimension int
	entries   map[string]*vectorEntry
}

type InMemoryVectorStore struct {
	mu      sync.RWMutex
	indexes map[string]*vectorIndex
	logger  *zap.Logger
}

func NewInMemoryVectorStore(logger *zap.Logger) *InMemoryVectorStore {
	return &InMemoryVectorStore{
		indexes: make(map[string]*vectorIndex),
		logger:  orNop(logger).With(zap.String("component", "vector")),
	}
}

func (s *InMemoryVectorStore) CreateIndex(ctx context.Context, name string, dimension int) error {
	if !containsInt(SupportedDimensions, dimension) {
		return fmt.Errorf("unsupported dimension %d", dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.indexes[name]; ok {
		if existing.dimension != dimension {
			return fmt.Errorf("index %q exists with dimension %d", name, existing.dimension)
		}

		return nil
	}
	s.indexes[name] = &vectorIndex{dimension: dimension, entries: make(map[string]*vectorEntry)}
	s.logger.Debug("index created", zap.String("index", name), zap.Int("dimension", dimension))

	return nil
}

func (s *InMemoryVectorStore) ListIndexes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedKeys(s.indexes), nil
}

func (s *InMemoryVectorStore) DescribeIndex(ctx context.Context, name string) (*IndexStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.indexes[name]
	if !ok {
		return nil, fmt.Errorf("index %q: %w", name, ErrEntityNotFound)
	}

	return &IndexStats{Name: name, Dimension: idx.dimension, Count: len(idx.entries), Metric: "cosine"}, nil
}

func (s *InMemoryVectorStore) DeleteIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.indexes, name)

	return nil
}

func (s *InMemoryVectorStore) Upsert(
	ctx context.Context,
	name string,
	vectors [][]float64,
	metadata []map[string]any,
	ids []string,
) ([]string, error) {
	if ids != nil && len(ids) != len(vectors) {
		return nil, fmt.Errorf("upsert: %d ids for %d vectors", len(ids), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexes[name]
	if !ok {
		return nil, fmt.Errorf("index %q: %w", name, ErrEntityNotFound)
	}

	out := make([]string, len(vectors))
	for i, vec := range vectors {
		if len(vec) != idx.dimension {
			return nil, fmt.Errorf("vector %d has dimension %d, index %q expects %d", i, len(vec), name, idx.dimension)
		}
		id := uuid.NewString()
		if ids != nil && ids[i] != "" {
			id = ids[i]
		}
		var meta map[string]any
		if i < len(metadata) {
			meta = metadata[i]
		}
		idx.entries[id] = &vectorEntry{id: id, vector: append([]float64(nil), vec...), metadata: meta}
		out[i] = id
	}

	return out, nil
}

func (s *InMemoryVectorStore) Query(ctx context.Context, q VectorQuery) ([]VectorQueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.indexes[q.IndexName]
	if !ok {
		return nil, fmt.Errorf("index %q: %w", q.IndexName, ErrEntityNotFound)
	}
	if len(q.Vector) != idx.dimension {
		return nil, fmt.Errorf("query vector has dimension %d, index %q expects %d", len(q.Vector), q.IndexName, idx.dimension)
	}

	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}

	results := make([]VectorQueryResult, 0, len(idx.entries))
	for _, entry := range idx.entries {
		if len(q.Filter) > 0 && !MatchQuery(entry.metadata, q.Filter) {
			continue
		}
		res := VectorQueryResult{
			ID:       entry.id,
			Score:    cosineSimilarity(q.Vector, entry.vector),
			Metadata: entry.metadata,
		}
		if q.IncludeVector {
			res.Vector = append([]float64(nil), entry.vector...)
		}
		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}

		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}

	return results, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func containsInt(list []int, n int) bool {
	for _, item := range list {
		if item == n {
			return true
		}
	}

	return false
}
