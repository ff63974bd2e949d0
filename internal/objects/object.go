package objects

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Reserved object fields.
const (
	FieldID          = "id"
	FieldGN          = "gn"
	FieldCTime       = "ctime"
	FieldMTime       = "mtime"
	FieldRTime       = "rtime"
	FieldDeleted     = "deleted"
	FieldUncommitted = "uncommitted"
)

// ErrInvalidObject indicates that a decoded object carries a reserved field of the wrong type.
var ErrInvalidObject = errors.New("objects: invalid object")

// Object is a JSON-shaped domain record (user, story, reaction, bookmark...).
type Object map[string]any

// Version pairs an object id with its generation number.
type Version struct {
	ID int64 `json:"id"`
	GN int64 `json:"gn"`
}

// ID returns the object identifier when one is present.
func (o Object) ID() (int64, bool) {
	value, ok := o[FieldID]
	if !ok {
		return 0, false
	}
	return toInt64(value)
}

// SetID replaces the object identifier.
func (o Object) SetID(id int64) {
	o[FieldID] = id
}

// GN returns the generation number, zero when absent.
func (o Object) GN() int64 {
	gn, _ := toInt64(o[FieldGN])
	return gn
}

// Deleted reports the soft-delete flag.
func (o Object) Deleted() bool {
	deleted, _ := o[FieldDeleted].(bool)
	return deleted
}

// Uncommitted reports whether the object carries a client-assigned placeholder id.
func (o Object) Uncommitted() bool {
	uncommitted, _ := o[FieldUncommitted].(bool)
	return uncommitted
}

// Committed reports whether the object carries a server-assigned id.
func (o Object) Committed() bool {
	id, ok := o.ID()
	return ok && id > 0 && !o.Uncommitted()
}

// Stamp sets the retrieval time.
func (o Object) Stamp(at time.Time) {
	o[FieldRTime] = FormatTime(at)
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	return Object(cloneMap(o))
}

// Overlay returns a copy of o with every field of patch written over it.
func (o Object) Overlay(patch Object) Object {
	result := o.Clone()
	if result == nil {
		result = Object{}
	}
	for key, value := range patch {
		result[key] = CloneValue(value)
	}
	return result
}

// CloneValue deep-copies maps and slices of a JSON-shaped value.
func CloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case Object:
		return typed.Clone()
	case []any:
		copied := make([]any, len(typed))
		for index, element := range typed {
			copied[index] = CloneValue(element)
		}
		return copied
	default:
		return value
	}
}

func cloneMap(source map[string]any) map[string]any {
	copied := make(map[string]any, len(source))
	for key, value := range source {
		copied[key] = CloneValue(value)
	}
	return copied
}

// Validate checks the types of reserved fields.
func (o Object) Validate() error {
	if value, ok := o[FieldID]; ok && value != nil {
		if _, ok := toInt64(value); !ok {
			return fmt.Errorf("%w: id must be an integer", ErrInvalidObject)
		}
	}
	if value, ok := o[FieldGN]; ok && value != nil {
		if _, ok := toInt64(value); !ok {
			return fmt.Errorf("%w: gn must be an integer", ErrInvalidObject)
		}
	}
	if value, ok := o[FieldDeleted]; ok && value != nil {
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: deleted must be a boolean", ErrInvalidObject)
		}
	}
	for _, field := range []string{FieldCTime, FieldMTime, FieldRTime} {
		if value, ok := o[field]; ok && value != nil {
			if _, ok := value.(string); !ok {
				return fmt.Errorf("%w: %s must be a timestamp string", ErrInvalidObject, field)
			}
		}
	}
	return nil
}

// DecodeObject parses and validates a JSON object.
func DecodeObject(data []byte) (Object, error) {
	var object Object
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	if object == nil {
		return nil, fmt.Errorf("%w: null", ErrInvalidObject)
	}
	if err := object.Validate(); err != nil {
		return nil, err
	}
	return object, nil
}

// DecodeObjects parses and validates a JSON array of objects.
func DecodeObjects(data []byte) ([]Object, error) {
	var list []Object
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	for index, object := range list {
		if object == nil {
			return nil, fmt.Errorf("%w: element %d is null", ErrInvalidObject, index)
		}
		if err := object.Validate(); err != nil {
			return nil, fmt.Errorf("element %d: %w", index, err)
		}
	}
	return list, nil
}

// FormatTime renders timestamps the way objects carry them.
func FormatTime(at time.Time) string {
	return at.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a timestamp field.
func ParseTime(value any) (time.Time, bool) {
	text, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// IndexByID returns the position of the object with the given id, or -1.
func IndexByID(list []Object, id int64) int {
	for index, object := range list {
		if objectID, ok := object.ID(); ok && objectID == id {
			return index
		}
	}
	return -1
}

func toInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if typed != math.Trunc(typed) {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// ToInt64 exposes the integer coercion used for reserved fields.
func ToInt64(value any) (int64, bool) {
	return toInt64(value)
}
