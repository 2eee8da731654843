package docstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ApplyFields writes each dotted-path field of fields into doc, creating
// intermediate maps as needed. Paths are applied in sorted order so a parent
// path is written before its children.
func ApplyFields(doc Document, fields map[string]any) error {
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := applyField(doc, p, fields[p]); err != nil {
			return err
		}
	}
	return nil
}

func applyField(doc map[string]any, path string, v any) error {
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("%w: empty segment in field path %q", ErrInvalidOperation, path)
		}
	}

	parent := doc
	for _, s := range segs[:len(segs)-1] {
		next, ok := parent[s].(map[string]any)
		if !ok {
			if d, isDoc := parent[s].(Document); isDoc {
				next = d
			} else {
				next = make(map[string]any)
				parent[s] = next
			}
		}
		parent = next
	}
	leaf := segs[len(segs)-1]

	switch val := v.(type) {
	case Increment:
		cur, _ := toFloat(parent[leaf])
		parent[leaf] = cur + val.Delta
	case *Increment:
		cur, _ := toFloat(parent[leaf])
		parent[leaf] = cur + val.Delta
	case ArrayUnion:
		parent[leaf] = union(parent[leaf], val.Values)
	default:
		parent[leaf] = cloneValue(v)
	}
	return nil
}

func union(existing any, values []any) []any {
	var out []any
	if arr, ok := existing.([]any); ok {
		out = append(out, arr...)
	}
	for _, v := range values {
		found := false
		for _, e := range out {
			if equalValue(e, v) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}

// equalValue compares numbers by value so 1 (int) and 1.0 (decoded JSON) match.
func equalValue(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Clone deep-copies nested maps and slices of doc.
func (d Document) Clone() Document {
	return cloneMap(d)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case Document:
		return Document(cloneMap(val))
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	default:
		return v
	}
}
