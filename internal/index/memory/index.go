package memory

import (
	"context"
	"sync"

	"github.com/rag-eval/backend/internal/index"
	"github.com/rag-eval/backend/internal/rag/ranking"
)

// Index keeps entries in insertion order so equal scores rank stably.
type Index struct {
	mu      sync.RWMutex
	order   []int64
	entries map[int64]index.Entry
}

var _ index.Index = (*Index)(nil)

func NewIndex() *Index {
	return &Index{entries: map[int64]index.Entry{}}
}

func (m *Index) Mode() string {
	return index.DriverMemory
}

func (m *Index) Close() error {
	return nil
}

func (m *Index) Upsert(_ context.Context, entries []index.Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if _, ok := m.entries[e.ChunkID]; !ok {
			m.order = append(m.order, e.ChunkID)
		}
		e.Embedding = append([]float64(nil), e.Embedding...)
		m.entries[e.ChunkID] = e
	}
	return len(entries), nil
}

func (m *Index) Search(_ context.Context, query []float64, k int) ([]index.Hit, error) {
	m.mu.RLock()
	candidates := make([]ranking.Candidate, 0, len(m.order))
	contents := make(map[int64]string, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		candidates = append(candidates, ranking.Candidate{ID: id, Vector: e.Embedding})
		contents[id] = e.Content
	}
	m.mu.RUnlock()

	scored := ranking.Rank(query, candidates, k)
	hits := make([]index.Hit, len(scored))
	for i, s := range scored {
		hits[i] = index.Hit{ChunkID: s.ID, Score: s.Score, Content: contents[s.ID]}
	}
	return hits, nil
}

func (m *Index) Delete(_ context.Context, chunkIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[int64]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		drop[id] = struct{}{}
		delete(m.entries, id)
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	m.order = kept
	return nil
}

func (m *Index) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
