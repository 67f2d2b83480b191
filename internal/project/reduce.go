package project

import (
	"sort"

	"github.com/flowcanon/flowcanon/internal/paths"
)

// reducer accumulates path -> ordered distinct values plus per-value
// provenance. Deduplication is case-insensitive on the folded string form,
// and the first-seen casing wins; records are folded oldest-first, so the
// head of each range is the oldest contributing value.
type reducer struct {
	order  []string
	values map[string][]any
	seen   map[string]map[string]bool
	// provenance: path -> folded value -> source id set
	sources map[string]map[string]map[string]bool
	// display: path -> folded value -> first-seen string form
	display map[string]map[string]string
}

func newReducer() *reducer {
	return &reducer{
		values:  make(map[string][]any),
		seen:    make(map[string]map[string]bool),
		sources: make(map[string]map[string]map[string]bool),
		display: make(map[string]map[string]string),
	}
}

// add records one observed value for a path, attributed to a source id.
func (r *reducer) add(path string, value any, sourceID string) {
	s := paths.String(value)
	if s == "" {
		return
	}
	folded := paths.Fold(s)

	if r.seen[path] == nil {
		r.order = append(r.order, path)
		r.seen[path] = make(map[string]bool)
		r.sources[path] = make(map[string]map[string]bool)
		r.display[path] = make(map[string]string)
	}
	if !r.seen[path][folded] {
		r.seen[path][folded] = true
		r.values[path] = append(r.values[path], value)
		r.display[path][folded] = s
	}
	if sourceID != "" {
		if r.sources[path][folded] == nil {
			r.sources[path][folded] = make(map[string]bool)
		}
		r.sources[path][folded][sourceID] = true
	}
}

// ranges returns path -> ordered distinct values.
func (r *reducer) ranges() map[string][]any {
	out := make(map[string][]any, len(r.values))
	for path, vs := range r.values {
		out[path] = append([]any(nil), vs...)
	}
	return out
}

// lineage returns path -> value -> sorted source ids. Values are keyed by
// their first-seen string form so the lineage document lines up with what
// canonical displays.
func (r *reducer) lineage() map[string]map[string][]string {
	out := make(map[string]map[string][]string, len(r.sources))
	for _, path := range r.order {
		byValue := make(map[string][]string, len(r.sources[path]))
		for folded, set := range r.sources[path] {
			ids := make([]string, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			byValue[r.display[path][folded]] = ids
		}
		if len(byValue) > 0 {
			out[path] = byValue
		}
	}
	return out
}
