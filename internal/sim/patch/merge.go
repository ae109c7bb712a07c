// Package patch implements the attribute merge rule shared by the store and
// by observers reconstructing state from broadcast patches.
package patch

// Merge applies src onto dst. Mapping values merge recursively, leaving
// sibling keys in dst untouched; every other value (scalars, sequences, nil)
// replaces the existing entry wholesale. Nested values taken from src are
// deep-copied so dst never aliases src.
func Merge(dst, src map[string]any) {
	for k, v := range src {
		sm, ok := AsMap(v)
		if !ok {
			dst[k] = cloneValue(v)
			continue
		}
		dm, ok := AsMap(dst[k])
		if !ok {
			dst[k] = Clone(sm)
			continue
		}
		Merge(dm, sm)
	}
}

// Clone returns a deep copy of m. A nil map clones to nil.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// AsMap reports whether v is a string-keyed mapping and returns it.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Touches reports whether p sets any of keys at its top level.
func Touches(p map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := p[k]; ok {
			return true
		}
	}
	return false
}

func cloneValue(v any) any {
	if m, ok := AsMap(v); ok {
		return Clone(m)
	}
	if s, ok := v.([]any); ok {
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
