package protocol

// SafeAttrs are the object attributes clients may see.
var SafeAttrs = []string{"type", "position", "velocity", "facing", "tombstone", "health_pct", "account"}

// SanitizeValues keeps the client-visible attributes of values and lifts the
// entries of values["effects"] to the top level. An effect named like a safe
// attribute overrides it. The result shares no maps with values.
func SanitizeValues(values map[string]any) map[string]any {
	out := map[string]any{}
	for _, k := range SafeAttrs {
		if v, ok := values[k]; ok {
			out[k] = copyValue(v)
		}
	}
	if effects, ok := values["effects"].(map[string]any); ok {
		for k, v := range effects {
			out[k] = copyValue(v)
		}
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = copyValue(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = copyValue(x)
		}
		return s
	default:
		return v
	}
}
