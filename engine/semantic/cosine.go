package semantic

import (
	"container/heap"
	"math"
	"sort"
)

// Cosine returns dot(a,b)/(|a||b|), or -1 when either vector is empty, the
// lengths differ or a norm is zero.
func Cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return -1
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return float32(math.Max(-1, math.Min(1, c)))
}

// resultHeap is a min-heap on score; the root is the weakest kept hit.
type resultHeap []SearchResult

func (h resultHeap) Len() int { return len(h) }
func (h resultHeap) Less(i, j int) bool {
	if h[i].Score == h[j].Score {
		return h[i].ID > h[j].ID
	}
	return h[i].Score < h[j].Score
}
func (h resultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)   { *h = append(*h, x.(SearchResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK keeps the k best results seen so far.
type topK struct {
	k int
	h resultHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(resultHeap, 0, k)}
}

func (t *topK) offer(r SearchResult) {
	if t.h.Len() < t.k {
		heap.Push(&t.h, r)
		return
	}
	weakest := t.h[0]
	if r.Score > weakest.Score || (r.Score == weakest.Score && r.ID < weakest.ID) {
		t.h[0] = r
		heap.Fix(&t.h, 0)
	}
}

// results returns the kept hits by descending score, ties by id.
func (t *topK) results() []SearchResult {
	out := append([]SearchResult(nil), t.h...)
	sortResults(out)
	return out
}

func sortResults(rs []SearchResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Score == rs[j].Score {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Score > rs[j].Score
	})
}
