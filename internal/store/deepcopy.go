package store

// deepCopy clones v so that a caller mutating the returned value cannot
// observe or affect stored state, and vice versa. This is the enforcement
// point for the aliasing invariant of §4.5: maps and slices are the only
// composite, mutable types in the canonical value universe (see
// internal/canon), and both are copied recursively. Scalars (string, bool,
// int64, canon.Decimal, nil) are already immutable in Go and are returned
// as-is.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = deepCopy(sub)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = deepCopy(sub)
		}
		return out
	default:
		return v
	}
}
