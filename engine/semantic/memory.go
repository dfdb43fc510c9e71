package semantic

import (
	"context"
	"sync"

	"github.com/hybrag/hybrag/engine/domain"
)

// MemoryStore keeps vectors in process and answers queries by exact scan.
type MemoryStore struct {
	mu  sync.RWMutex
	dim int
	ns  map[string]map[string]Record
}

// NewMemory creates an empty in-process store.
func NewMemory(dim int) *MemoryStore {
	return &MemoryStore{dim: dim, ns: make(map[string]map[string]Record)}
}

func (m *MemoryStore) Dim() int        { return m.dim }
func (m *MemoryStore) Backend() string { return string(KindMemory) }
func (m *MemoryStore) Close() error    { return nil }

func (m *MemoryStore) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any, namespace string) error {
	return m.UpsertBatch(ctx, []Record{{ID: id, Vector: vector, Metadata: metadata}}, namespace)
}

func (m *MemoryStore) UpsertBatch(_ context.Context, records []Record, namespace string) error {
	if err := checkRecords("memory upsert", m.dim, records); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.ns[namespace]
	if !ok {
		bucket = make(map[string]Record)
		m.ns[namespace] = bucket
	}
	for _, r := range records {
		bucket[r.ID] = Record{
			ID:       r.ID,
			Vector:   append([]float32(nil), r.Vector...),
			Metadata: withoutKeys(r.Metadata),
		}
	}
	return nil
}

func (m *MemoryStore) DeleteIDs(_ context.Context, ids []string, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.ns[namespace], id)
	}
	return nil
}

func (m *MemoryStore) DeleteAll(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ns, namespace)
	return nil
}

func (m *MemoryStore) Search(_ context.Context, query []float32, topK int, filters domain.Filters, namespace string) ([]SearchResult, error) {
	if err := checkDim("memory search", m.dim, query); err != nil {
		return nil, err
	}
	match, err := newMatcher(filters)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := newTopK(domain.NormalizeTopK(topK))
	for _, r := range m.ns[namespace] {
		if !match.match(r.Metadata) {
			continue
		}
		best.offer(SearchResult{ID: r.ID, Score: Cosine(query, r.Vector), Metadata: withoutKeys(r.Metadata)})
	}
	return best.results(), nil
}

// Len reports how many records the namespace holds.
func (m *MemoryStore) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ns[namespace])
}
