package fn

import "slices"

// Map returns f applied to every item.
func Map[T, U any](items []T, f func(T) U) []U {
	out := make([]U, 0, len(items))
	for _, v := range items {
		out = append(out, f(v))
	}
	return out
}

// Chunk splits items into consecutive slices of at most n elements. The
// chunks alias items. n < 1 yields nil.
func Chunk[T any](items []T, n int) [][]T {
	if n < 1 {
		return nil
	}
	return slices.Collect(slices.Chunk(items, n))
}

// Unique drops repeated items, keeping the first occurrence of each.
func Unique[T comparable](items []T) []T {
	seen := make(map[T]bool, len(items))
	return slices.DeleteFunc(slices.Clone(items), func(v T) bool {
		if seen[v] {
			return true
		}
		seen[v] = true
		return false
	})
}
