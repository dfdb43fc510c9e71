// Package semantic persists embedding vectors with their metadata and answers
// filtered nearest-neighbor queries. Every backend implements VectorStore and
// rejects wrong-width vectors before touching the network.
package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hybrag/hybrag/engine/domain"
)

// NamespaceKey is the metadata field carrying the namespace on backends
// without native namespaces.
const NamespaceKey = "namespace"

// defaultNamespace is stored when the caller passes an empty namespace.
const defaultNamespace = "default"

// Record is one vector to store.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// SearchResult represents a single similarity search hit. Score is a cosine
// similarity in [-1, 1].
type SearchResult struct {
	ID       string
	Score    float32
	Metadata map[string]any
}

// MarshalJSON flattens Metadata next to id and score.
func (r SearchResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Metadata)+2)
	for k, v := range r.Metadata {
		out[k] = v
	}
	out["id"] = r.ID
	out["score"] = r.Score
	return json.Marshal(out)
}

// Building returns the building stored with the hit, if any.
func (r SearchResult) Building() string {
	s, _ := r.Metadata[domain.MetaBuilding].(string)
	return s
}

// VectorStore is the contract shared by every backend.
type VectorStore interface {
	// Upsert stores or replaces one vector.
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any, namespace string) error
	// UpsertBatch validates every record first. Any invalid record aborts the
	// whole batch before I/O.
	UpsertBatch(ctx context.Context, records []Record, namespace string) error
	// DeleteIDs removes the given ids. Missing ids are not an error.
	DeleteIDs(ctx context.Context, ids []string, namespace string) error
	// DeleteAll clears the namespace.
	DeleteAll(ctx context.Context, namespace string) error
	// Search returns at most topK hits ordered by descending score.
	Search(ctx context.Context, query []float32, topK int, filters domain.Filters, namespace string) ([]SearchResult, error)
	// Dim is the vector width this store accepts.
	Dim() int
	// Backend names the implementation, e.g. "qdrant".
	Backend() string
	Close() error
}

// Resetter is implemented by backends that can drop and recreate their
// collection or index.
type Resetter interface {
	Reset(ctx context.Context) error
}

func checkDim(op string, dim int, v []float32) error {
	if len(v) != dim {
		return domain.DimensionMismatch(op, dim, len(v))
	}
	return nil
}

// checkRecords validates a batch and names the first offending record.
func checkRecords(op string, dim int, records []Record) error {
	for i, r := range records {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%s: record %d: %w", op, i, domain.NewValidationError("id", r.ID, domain.ErrInvalidInput))
		}
		if err := checkDim(op, dim, r.Vector); err != nil {
			return fmt.Errorf("record %d (id=%s): %w", i, r.ID, err)
		}
	}
	return nil
}

func namespaceValue(ns string) string {
	if ns == "" {
		return defaultNamespace
	}
	return ns
}

// withoutKeys copies m dropping the given keys.
func withoutKeys(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// ResetIndex drops and recreates the index when the backend supports it and
// otherwise deletes every vector of the namespace. It reports whether a full
// reset happened.
func ResetIndex(ctx context.Context, s VectorStore, namespace string) (bool, error) {
	for cur := s; cur != nil; {
		if r, ok := cur.(Resetter); ok {
			return true, r.Reset(ctx)
		}
		u, ok := cur.(interface{ Unwrap() VectorStore })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	return false, s.DeleteAll(ctx, namespace)
}
