package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

// filter is a WHERE clause with its positional arguments.
type filter struct {
	conditions []string
	args       []any
	limit      int
}

func (f *filter) placeholder(value any) string {
	f.args = append(f.args, value)
	return "$" + strconv.Itoa(len(f.args))
}

func (f *filter) where() string {
	if len(f.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conditions, " AND ")
}

func (f *filter) suffix() string {
	if f.limit <= 0 {
		return " ORDER BY id"
	}
	return " ORDER BY id LIMIT " + strconv.Itoa(f.limit)
}

// translate turns criteria into SQL following the same rules as the in-memory matcher.
func translate(criteria objects.Criteria) (*filter, error) {
	f := &filter{}
	keys := make([]string, 0, len(criteria))
	for key := range criteria {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if _, explicit := criteria[objects.FieldDeleted]; !explicit {
		f.conditions = append(f.conditions, "deleted = false")
	}
	for _, key := range keys {
		value := criteria[key]
		switch key {
		case objects.CriterionOrder:
			continue
		case objects.CriterionLimit:
			limit, ok := objects.ToInt64(value)
			if !ok || limit < 0 {
				return nil, fmt.Errorf("%w: limit must be a non-negative integer", ErrInvalidCriteria)
			}
			f.limit = int(limit)
		case objects.FieldID:
			if err := f.idCondition(value); err != nil {
				return nil, err
			}
		case objects.FieldDeleted:
			if err := f.deletedCondition(value); err != nil {
				return nil, err
			}
		case objects.CriterionNewerThan, objects.CriterionOlderThan:
			at, ok := objects.ParseTime(value)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a timestamp", ErrInvalidCriteria, key)
			}
			operator := ">"
			if key == objects.CriterionOlderThan {
				operator = "<"
			}
			f.conditions = append(f.conditions, "mtime "+operator+" "+f.placeholder(at))
		default:
			if err := f.detailsCondition(key, value); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

func (f *filter) idCondition(value any) error {
	if list, ok := value.([]any); ok {
		ids := make([]int64, 0, len(list))
		for _, element := range list {
			id, ok := objects.ToInt64(element)
			if !ok {
				return fmt.Errorf("%w: id list must hold integers", ErrInvalidCriteria)
			}
			ids = append(ids, id)
		}
		f.conditions = append(f.conditions, "id = ANY("+f.placeholder(ids)+")")
		return nil
	}
	if ids, ok := value.([]int64); ok {
		f.conditions = append(f.conditions, "id = ANY("+f.placeholder(ids)+")")
		return nil
	}
	id, ok := objects.ToInt64(value)
	if !ok {
		return fmt.Errorf("%w: id must be an integer", ErrInvalidCriteria)
	}
	f.conditions = append(f.conditions, "id = "+f.placeholder(id))
	return nil
}

func (f *filter) deletedCondition(value any) error {
	switch typed := value.(type) {
	case bool:
		f.conditions = append(f.conditions, "deleted = "+f.placeholder(typed))
	case []any:
		flags := make([]bool, 0, len(typed))
		for _, element := range typed {
			flag, ok := element.(bool)
			if !ok {
				return fmt.Errorf("%w: deleted list must hold booleans", ErrInvalidCriteria)
			}
			flags = append(flags, flag)
		}
		f.conditions = append(f.conditions, "deleted = ANY("+f.placeholder(flags)+")")
	default:
		return fmt.Errorf("%w: deleted must be a boolean", ErrInvalidCriteria)
	}
	return nil
}

// A list value matches any element, nested lists included, as matcher.FieldMatches does.
// A scalar matches equality or array membership, which jsonb containment covers in one
// operator. Containment would also let a map match any superset of its keys, so a map
// is compared for equality with the field or with one of its elements.
func (f *filter) detailsCondition(key string, value any) error {
	if value == nil {
		f.conditions = append(f.conditions, "COALESCE(details -> "+f.placeholder(key)+", 'null'::jsonb) = 'null'::jsonb")
		return nil
	}
	candidates := flattenCandidates(nil, value)
	if len(candidates) == 0 {
		f.conditions = append(f.conditions, "false")
		return nil
	}
	field := "details -> " + f.placeholder(key)
	alternatives := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		encoded, err := json.Marshal(candidate)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidCriteria, key, err)
		}
		param := f.placeholder(string(encoded)) + "::jsonb"
		if isMap(candidate) {
			alternatives = append(alternatives, "CASE jsonb_typeof("+field+") WHEN 'array' THEN EXISTS (SELECT 1 FROM jsonb_array_elements("+field+") AS element WHERE element = "+param+") ELSE "+field+" = "+param+" END")
			continue
		}
		alternatives = append(alternatives, field+" @> "+param)
	}
	if len(alternatives) == 1 {
		f.conditions = append(f.conditions, alternatives[0])
		return nil
	}
	f.conditions = append(f.conditions, "("+strings.Join(alternatives, " OR ")+")")
	return nil
}

func flattenCandidates(into []any, value any) []any {
	list, ok := value.([]any)
	if !ok {
		return append(into, value)
	}
	for _, element := range list {
		into = flattenCandidates(into, element)
	}
	return into
}

func isMap(value any) bool {
	switch value.(type) {
	case map[string]any, objects.Object, objects.Criteria:
		return true
	}
	return false
}
