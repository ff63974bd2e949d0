package objects

import "encoding/json"

// Equal compares JSON-shaped values deeply; numbers compare by value whatever their Go type.
func Equal(left, right any) bool {
	if leftNumber, ok := toFloat(left); ok {
		rightNumber, ok := toFloat(right)
		return ok && leftNumber == rightNumber
	}
	switch leftTyped := left.(type) {
	case nil:
		return right == nil
	case string:
		rightTyped, ok := right.(string)
		return ok && leftTyped == rightTyped
	case bool:
		rightTyped, ok := right.(bool)
		return ok && leftTyped == rightTyped
	case []any:
		rightTyped, ok := right.([]any)
		if !ok || len(leftTyped) != len(rightTyped) {
			return false
		}
		for index := range leftTyped {
			if !Equal(leftTyped[index], rightTyped[index]) {
				return false
			}
		}
		return true
	case map[string]any:
		rightTyped, ok := asMap(right)
		return ok && mapsEqual(leftTyped, rightTyped)
	case Object:
		rightTyped, ok := asMap(right)
		return ok && mapsEqual(leftTyped, rightTyped)
	case Criteria:
		rightTyped, ok := asMap(right)
		return ok && mapsEqual(leftTyped, rightTyped)
	default:
		return false
	}
}

func mapsEqual(left, right map[string]any) bool {
	if len(left) != len(right) {
		return false
	}
	for key, leftValue := range left {
		rightValue, ok := right[key]
		if !ok || !Equal(leftValue, rightValue) {
			return false
		}
	}
	return true
}

// AsMap converts the map-shaped variants to a plain map.
func AsMap(value any) (map[string]any, bool) {
	return asMap(value)
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case Object:
		return typed, true
	case Criteria:
		return typed, true
	default:
		return nil, false
	}
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}
