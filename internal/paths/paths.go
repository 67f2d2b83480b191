// Package paths navigates dotted-path payloads. Stage record data may use
// flat dotted keys ("contact.email": "a@x.com"), nested maps, or a mix;
// these helpers present both forms as flat path -> values.
package paths

import (
	"fmt"
	"sort"
	"strings"
)

// Values returns the values at a dotted path, splitting lists into
// individual values and dropping nils and empty strings. A flat dotted key
// wins over a nested walk when both exist.
func Values(data map[string]any, path string) []any {
	if data == nil || path == "" {
		return nil
	}
	if v, ok := data[path]; ok {
		return split(v)
	}
	// Nested walk.
	parts := strings.Split(path, ".")
	cur := any(data)
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return split(cur)
}

func split(v any) []any {
	switch vv := v.(type) {
	case nil:
		return nil
	case []any:
		var out []any
		for _, item := range vv {
			out = append(out, split(item)...)
		}
		return out
	case []string:
		var out []any
		for _, item := range vv {
			if item != "" {
				out = append(out, item)
			}
		}
		return out
	case string:
		if vv == "" {
			return nil
		}
		return []any{vv}
	default:
		return []any{v}
	}
}

// Flatten walks the payload and returns every leaf as path -> values, with
// nested maps joined by dots. Flat dotted keys pass through unchanged.
func Flatten(data map[string]any) map[string][]any {
	out := make(map[string][]any)
	flattenInto(out, "", data)
	return out
}

func flattenInto(out map[string][]any, prefix string, data map[string]any) {
	for key, v := range data {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if m, ok := v.(map[string]any); ok {
			flattenInto(out, path, m)
			continue
		}
		if values := split(v); len(values) > 0 {
			out[path] = append(out[path], values...)
		}
	}
}

// Expand converts a flat dotted-path map into a nested object:
// {"a.b.c": x} -> {"a": {"b": {"c": x}}}. A scalar/value collision on an
// intermediate node keeps the deeper structure and drops the scalar; keys
// are processed in sorted order so the outcome is deterministic.
func Expand(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, key := range keys {
		parts := strings.Split(key, ".")
		node := out
		for i, part := range parts {
			if i == len(parts)-1 {
				if _, isMap := node[part].(map[string]any); !isMap {
					node[part] = flat[key]
				}
				break
			}
			next, ok := node[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[part] = next
			}
			node = next
		}
	}
	return out
}

// String coerces a value to its string form for case-insensitive equality.
func String(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Fold returns the case-folded form used for deduplication.
func Fold(v any) string {
	return strings.ToLower(String(v))
}
