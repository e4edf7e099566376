// Package jsonmeta normalizes and merges the free-form metadata bags
// attached to traces and spans. Metadata reaches the SDK in three
// shapes at the wire boundary: a JSON object, a JSON-encoded string, or
// a malformed array. All three are normalized to a plain object before
// merging; values that cannot be an object degrade to an empty one
// rather than failing the capture path.
package jsonmeta

import "encoding/json"

// PromptsKey is the reserved metadata key holding serialized prompt
// version references. It is always recomputed wholesale when prompts
// are attached to an update, never merged field-by-field.
const PromptsKey = "opik_prompts"

// Normalize coerces a value of unknown shape into a metadata object.
//
// A non-nil map is returned as-is. A string is JSON-parsed and kept
// only if it decodes to an object. Everything else (arrays, numbers,
// parse failures, nil) yields an empty object. This is a lossy
// fallback, not an error: a non-object value cannot be merged
// key-by-key without ambiguity, so the SDK degrades to best effort.
func Normalize(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		if v == nil {
			return map[string]any{}
		}
		return v
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return map[string]any{}
		}
		if obj, ok := parsed.(map[string]any); ok {
			return obj
		}
		return map[string]any{}
	case json.RawMessage:
		return Normalize(string(v))
	default:
		return map[string]any{}
	}
}

// MergeUpdate combines previously stored metadata with caller-supplied
// metadata for a trace or span update. Both sides are normalized, then
// shallow-merged with incoming keys overriding existing ones. When
// prompts is non-empty the reserved prompts key is overwritten with the
// freshly serialized list; a stale list is never appended to. When
// prompts is empty the reserved key is neither added nor removed.
//
// MergeUpdate never fails and always returns a fresh object; neither
// input map is mutated.
func MergeUpdate(existing, incoming any, prompts []any) map[string]any {
	base := Normalize(existing)
	next := Normalize(incoming)

	merged := make(map[string]any, len(base)+len(next))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}

	if len(prompts) > 0 {
		merged[PromptsKey] = prompts
	}

	return merged
}
