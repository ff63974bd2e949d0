// Package matcher decides in memory whether an object satisfies search criteria.
//
// The rules mirror the SQL produced by the server store so that an uncommitted local
// edit lands in the same cached result sets the server would place it in.
package matcher

import (
	"sync"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

// Rule evaluates one criterion against an object.
type Rule func(object objects.Object, value any) bool

// Matcher evaluates criteria, with optional table-specific rules.
type Matcher struct {
	mu    sync.RWMutex
	rules map[string]map[string]Rule
}

// New returns a matcher with only the generic rules.
func New() *Matcher {
	return &Matcher{rules: make(map[string]map[string]Rule)}
}

// Register installs a rule for a criterion of one table, replacing the generic comparison.
func (m *Matcher) Register(table, criterion string, rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rules[table] == nil {
		m.rules[table] = make(map[string]Rule)
	}
	m.rules[table][criterion] = rule
}

// Match reports whether object satisfies every criterion.
func (m *Matcher) Match(table string, object objects.Object, criteria objects.Criteria) bool {
	if object == nil {
		return false
	}
	if _, explicit := criteria[objects.FieldDeleted]; !explicit && object.Deleted() {
		return false
	}
	for key, value := range criteria {
		if rule := m.rule(table, key); rule != nil {
			if !rule(object, value) {
				return false
			}
			continue
		}
		switch key {
		case objects.CriterionLimit, objects.CriterionOrder:
			continue
		case objects.CriterionNewerThan:
			if !compareTime(object, value, 1) {
				return false
			}
		case objects.CriterionOlderThan:
			if !compareTime(object, value, -1) {
				return false
			}
		case objects.FieldDeleted:
			if !FieldMatches(object.Deleted(), value) {
				return false
			}
		default:
			field, present := object[key]
			if !present {
				if value != nil {
					return false
				}
				continue
			}
			if !FieldMatches(field, value) {
				return false
			}
		}
	}
	return true
}

func (m *Matcher) rule(table, criterion string) Rule {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules[table][criterion]
}

// FieldMatches applies the generic comparison: a list criterion matches any of its
// elements, a list field matches when it contains the criterion value.
func FieldMatches(field, value any) bool {
	if candidates, ok := value.([]any); ok {
		for _, candidate := range candidates {
			if FieldMatches(field, candidate) {
				return true
			}
		}
		return false
	}
	if elements, ok := field.([]any); ok {
		for _, element := range elements {
			if objects.Equal(element, value) {
				return true
			}
		}
		return false
	}
	return objects.Equal(field, value)
}

// compareTime reports whether the object's mtime sorts on the given side (1 after, -1 before) of bound.
func compareTime(object objects.Object, bound any, side int) bool {
	mtime, ok := objects.ParseTime(object[objects.FieldMTime])
	if !ok {
		return false
	}
	limit, ok := objects.ParseTime(bound)
	if !ok {
		return false
	}
	return mtime.Compare(limit) == side
}
