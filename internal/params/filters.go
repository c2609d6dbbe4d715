package params

import (
	"sort"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/core/model"
)

// MergeFilters combines filter sources field by field. A field's values are
// the intersection over every source that mentions it; sources that do not
// mention a field leave it unconstrained. Values come back deduplicated and
// sorted because the result feeds the cache tag.
func MergeFilters(sources ...model.Filters) model.Filters {
	sets := map[string]map[string]struct{}{}
	for _, src := range sources {
		for field, values := range src {
			cur := make(map[string]struct{}, len(values))
			for _, v := range values {
				cur[v] = struct{}{}
			}
			prev, seen := sets[field]
			if !seen {
				sets[field] = cur
				continue
			}
			for v := range prev {
				if _, ok := cur[v]; !ok {
					delete(prev, v)
				}
			}
		}
	}

	out := make(model.Filters, len(sets))
	for field, set := range sets {
		vals := make([]string, 0, len(set))
		for v := range set {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		out[field] = vals
	}
	return out
}
