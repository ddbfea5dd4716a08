package schema

import (
	"sort"
	"strconv"
)

// Separator joins parent and child keys in flattened field names.
const Separator = "."

// Flatten turns a nested key-value tree into a single level map. Nested
// objects contribute "parent.child" keys and arrays contribute "parent.0",
// "parent.1", ... depth first. Keys are visited in sorted order so that when
// two paths collide (a literal "a.b" key next to {"a":{"b":...}}) the first
// one visited wins. Empty objects and arrays produce no keys. The input is
// not modified.
func Flatten(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	flattenMap("", in, out)
	return out
}

func flattenMap(prefix string, m map[string]any, out map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flattenValue(join(prefix, k), m[k], out)
	}
}

func flattenValue(key string, v any, out map[string]any) {
	switch t := v.(type) {
	case map[string]any:
		flattenMap(key, t, out)
	case []any:
		for i, elem := range t {
			flattenValue(join(key, strconv.Itoa(i)), elem, out)
		}
	default:
		if _, exists := out[key]; !exists {
			out[key] = v
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + Separator + key
}
