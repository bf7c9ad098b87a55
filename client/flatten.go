package client

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// parseDocument parses a single config entry's content by its declared
// format into a generic tree for merging. YAML covers both YAML and JSON
// bodies (YAML is a JSON superset), matching the "format" tag the original
// Configs::merge_yaml_values works from.
func parseDocument(content, format string) (any, error) {
	if content == "" {
		return map[string]any{}, nil
	}
	switch format {
	case "yaml", "yml", "json", "":
		var v any
		if err := yaml.Unmarshal([]byte(content), &v); err != nil {
			return nil, fmt.Errorf("client: parse %s content: %w", format, err)
		}
		return normalizeYAML(v), nil
	default:
		// Unknown formats (e.g. "properties", "text") are kept as an
		// opaque leaf under a single key rather than rejected outright.
		return map[string]any{"content": content}, nil
	}
}

// normalizeYAML rewrites yaml.v3's map[string]any and map[any]any (the
// latter for mappings with non-string keys) into the uniform
// map[string]any tree mergeInto/flatten expect, recursing into slices too.
// Numeric keys are stringified canonically; other non-string keys become
// "unknown".
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key := "unknown"
			switch kt := k.(type) {
			case string:
				key = kt
			case int, int64, uint64, float64:
				key = fmt.Sprint(kt)
			}
			out[key] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return t
	}
}

// mergeInto applies spec §4.11's merge rule: "if both target[k] and
// source[k] are mappings, recurse; otherwise source replaces target."
// target is mutated in place and returned.
func mergeInto(target, source map[string]any) map[string]any {
	for k, sv := range source {
		tv, exists := target[k]
		if exists {
			tm, tok := tv.(map[string]any)
			sm, sok := sv.(map[string]any)
			if tok && sok {
				target[k] = mergeInto(tm, sm)
				continue
			}
		}
		target[k] = sv
	}
	return target
}

// MergeDocuments joins parsed config documents in order, later entries
// overriding earlier ones on key conflict (spec §4.11: "join the returned
// contents in the order listed (later overrides earlier on key conflict)").
func MergeDocuments(docs []any) map[string]any {
	merged := map[string]any{}
	for _, d := range docs {
		m, ok := d.(map[string]any)
		if !ok {
			continue
		}
		merged = mergeInto(merged, m)
	}
	return merged
}

// Flatten implements spec §4.11's flattener rule: each mapping node emits
// children under "prefix.key"; numeric keys stringify canonically;
// non-string non-numeric keys serialize as "unknown"; non-mapping values
// are leaves and terminate recursion.
func Flatten(tree map[string]any) map[string]any {
	out := map[string]any{}
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]any, prefix string, v any) {
	m, ok := v.(map[string]any)
	if !ok {
		if prefix != "" {
			out[prefix] = v
		}
		return
	}

	// Deterministic iteration keeps Flatten's output reproducible for
	// tests even though map order isn't.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		child := keyToString(k)
		path := child
		if prefix != "" {
			path = prefix + "." + child
		}
		flattenInto(out, path, m[k])
	}
}

// keyToString returns k unchanged except that the empty key becomes
// "unknown". normalizeYAML has already stringified every key, so numeric
// and other non-string keys arrive here in their final form.
func keyToString(k string) string {
	if _, err := strconv.ParseFloat(k, 64); err == nil {
		return k
	}
	if k == "" {
		return "unknown"
	}
	return k
}
