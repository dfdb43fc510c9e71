package embed

import (
	"encoding/json"
	"fmt"

	"github.com/hybrag/hybrag/engine/domain"
)

// maxEnvelopeDepth bounds how many string-encoded body envelopes are peeled.
const maxEnvelopeDepth = 3

// shape recognizes one response layout. The first shape that yields a
// vector wins.
type shape struct {
	name  string
	match func(v any, depth int) ([]float32, bool)
}

var shapes []shape

func init() {
	shapes = []shape{
		{"embedding field", matchEmbeddingField},
		{"numeric array", func(v any, _ int) ([]float32, bool) { return toVector(v) }},
		{"array of objects", matchObjectArray},
		{"string body", matchStringBody},
	}
}

// Extract finds the embedding in a response body. Recognized layouts, in
// order: {"embedding": [...]}, a bare numeric array, an array of objects whose
// first usable element carries "embedding", and a string-typed "body"/"Body"
// field holding any of those as JSON.
func Extract(body []byte) ([]float32, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, domain.Malformed("extract embedding", body, "invalid json: "+err.Error())
	}
	if vec, ok := extractValue(v, 0); ok {
		return vec, nil
	}
	return nil, domain.Malformed("extract embedding", body, "no embedding found")
}

func extractValue(v any, depth int) ([]float32, bool) {
	for _, s := range shapes {
		if vec, ok := s.match(v, depth); ok {
			return vec, true
		}
	}
	return nil, false
}

func matchEmbeddingField(v any, _ int) ([]float32, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return toVector(obj["embedding"])
}

func matchObjectArray(v any, _ int) ([]float32, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	for _, el := range arr {
		if vec, ok := matchEmbeddingField(el, 0); ok {
			return vec, true
		}
	}
	return nil, false
}

func matchStringBody(v any, depth int) ([]float32, bool) {
	if depth >= maxEnvelopeDepth {
		return nil, false
	}
	inner, ok := stringBody(v)
	if !ok {
		return nil, false
	}
	return extractValue(inner, depth+1)
}

// stringBody decodes a JSON document held in a "body" or "Body" string field.
func stringBody(v any) (any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, key := range []string{"body", "Body"} {
		s, ok := obj[key].(string)
		if !ok {
			continue
		}
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return inner, true
		}
	}
	return nil, false
}

// toVector accepts a non-empty array of numbers, or a single-element array
// wrapping one.
func toVector(v any) ([]float32, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	if len(arr) == 1 {
		if inner, ok := arr[0].([]any); ok {
			return toVector(inner)
		}
	}
	out := make([]float32, len(arr))
	for i, x := range arr {
		f, ok := x.(float64)
		if !ok {
			return nil, false
		}
		out[i] = float32(f)
	}
	return out, true
}

// ExtractBatch finds n embeddings in a batch response: {"embeddings": [...]},
// an array of numeric arrays or an array of {"embedding": [...]} objects,
// optionally inside a string body envelope.
func ExtractBatch(body []byte, n int) ([][]float32, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, domain.Malformed("extract batch", body, "invalid json: "+err.Error())
	}
	for depth := 0; depth <= maxEnvelopeDepth; depth++ {
		if vecs, ok := batchValue(v); ok {
			if len(vecs) != n {
				return nil, domain.Malformed("extract batch", body, fmt.Sprintf("got %d embeddings for %d inputs", len(vecs), n))
			}
			return vecs, nil
		}
		inner, ok := stringBody(v)
		if !ok {
			break
		}
		v = inner
	}
	return nil, domain.Malformed("extract batch", body, "no embeddings found")
}

func batchValue(v any) ([][]float32, bool) {
	if obj, ok := v.(map[string]any); ok {
		v = obj["embeddings"]
	}
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	out := make([][]float32, len(arr))
	for i, el := range arr {
		vec, ok := matchEmbeddingField(el, 0)
		if !ok {
			if inner, isArr := el.([]any); isArr {
				vec, ok = toVector(inner)
			}
		}
		if !ok {
			return nil, false
		}
		out[i] = vec
	}
	return out, true
}
