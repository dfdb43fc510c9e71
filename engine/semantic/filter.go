package semantic

import (
	"math"
	"strconv"

	"github.com/hybrag/hybrag/engine/domain"
)

// matcher evaluates Filters against stored metadata for backends that
// filter client-side.
type matcher struct {
	building string
	dates    domain.DateRange
}

func newMatcher(f domain.Filters) (matcher, error) {
	r, err := f.Range()
	if err != nil {
		return matcher{}, err
	}
	return matcher{building: f.Building, dates: r}, nil
}

func (m matcher) match(meta map[string]any) bool {
	if m.building != "" {
		if b, _ := meta[domain.MetaBuilding].(string); b != m.building {
			return false
		}
	}
	if m.dates.IsZero() {
		return true
	}
	ymd, ok := metaInt(meta, domain.MetaShotYMD)
	return ok && m.dates.Contains(ymd)
}

// metaInt reads an integer field that may have round-tripped through JSON,
// protobuf or a document codec.
func metaInt(meta map[string]any, key string) (int, bool) {
	switch v := meta[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float32:
		return int(v), float64(v) == math.Trunc(float64(v))
	case float64:
		return int(v), v == math.Trunc(v)
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}
