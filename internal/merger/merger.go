// Package merger combines two divergent versions of an object against their common ancestor.
//
// The merge is field by field. A side that left a field untouched yields to the side that
// changed it; when both changed it the value type decides: maps recurse, lists keep the
// remote list plus whatever local appended, text merges by sentence, and anything else
// falls back to the remote value. Merging never fails.
package merger

import (
	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

// slot is a field value together with its presence, so a removed key differs from a null one.
type slot struct {
	value   any
	present bool
}

func (s slot) same(other slot) bool {
	if s.present != other.present {
		return false
	}
	return !s.present || objects.Equal(s.value, other.value)
}

// MergeObjects merges local and remote against ancestor; non-map inputs count as empty objects.
// The result shares no maps or slices with the inputs.
func MergeObjects(ancestor, local, remote any) objects.Object {
	return objects.Object(mergeMaps(coerceMap(ancestor), coerceMap(local), coerceMap(remote)))
}

func mergeMaps(ancestor, local, remote map[string]any) map[string]any {
	merged := make(map[string]any, len(remote))
	visit := func(key string) {
		if _, done := merged[key]; done {
			return
		}
		a, aok := ancestor[key]
		l, lok := local[key]
		r, rok := remote[key]
		value, present := mergeField(slot{a, aok}, slot{l, lok}, slot{r, rok})
		if present {
			merged[key] = objects.CloneValue(value)
		}
	}
	for key := range local {
		visit(key)
	}
	for key := range remote {
		visit(key)
	}
	return merged
}

func mergeField(ancestor, local, remote slot) (any, bool) {
	switch {
	case local.same(remote):
		return remote.value, remote.present
	case local.same(ancestor):
		return remote.value, remote.present
	case remote.same(ancestor):
		return local.value, local.present
	}
	if !local.present || !remote.present {
		return remote.value, remote.present
	}
	switch localValue := local.value.(type) {
	case []any:
		if remoteValue, ok := remote.value.([]any); ok {
			ancestorValue, _ := ancestor.value.([]any)
			return mergeArrays(ancestorValue, localValue, remoteValue), true
		}
	case string:
		if remoteValue, ok := remote.value.(string); ok {
			ancestorValue, _ := ancestor.value.(string)
			return mergeStrings(ancestorValue, localValue, remoteValue), true
		}
	default:
		if localMap, ok := objects.AsMap(local.value); ok {
			if remoteMap, ok := objects.AsMap(remote.value); ok {
				return mergeMaps(coerceMap(ancestor.value), localMap, remoteMap), true
			}
		}
	}
	return remote.value, true
}

// mergeArrays keeps the remote list and appends the elements local added after the
// ancestor's end. Interior edits and reorders on the local side are not carried over.
func mergeArrays(ancestor, local, remote []any) []any {
	merged := make([]any, 0, len(remote)+len(local))
	for _, element := range remote {
		merged = append(merged, objects.CloneValue(element))
	}
	if len(local) <= len(ancestor) {
		return merged
	}
	if !objects.Equal(local[:len(ancestor)], ancestor) {
		return merged
	}
	for _, element := range local[len(ancestor):] {
		merged = append(merged, objects.CloneValue(element))
	}
	return merged
}

func coerceMap(value any) map[string]any {
	if typed, ok := objects.AsMap(value); ok && typed != nil {
		return typed
	}
	return map[string]any{}
}
