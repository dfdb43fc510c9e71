package query

import (
	"slices"

	"github.com/hybrag/hybrag/engine/semantic"
)

// DefaultBuildingBoost is added to hits from the requested building.
const DefaultBuildingBoost = 0.02

// Rerank boosts hits whose building equals building and re-sorts by score,
// keeping the store's order among equal scores. An empty building only
// re-sorts.
func Rerank(results []semantic.SearchResult, building string, boost float32) []semantic.SearchResult {
	out := slices.Clone(results)
	if building != "" {
		for i := range out {
			if out[i].Building() == building {
				out[i].Score += boost
			}
		}
	}
	slices.SortStableFunc(out, func(a, b semantic.SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	return out
}
