package objects

import (
	"errors"
	"fmt"
)

// ErrInvalidQuery indicates a query with unusable options.
var ErrInvalidQuery = errors.New("objects: invalid query")

// Criteria keys that steer retrieval rather than compare object fields.
const (
	CriterionLimit     = "limit"
	CriterionOrder     = "order"
	CriterionNewerThan = "newer_than"
	CriterionOlderThan = "older_than"
)

// Criteria describes which objects a search selects.
type Criteria map[string]any

// Clone returns a deep copy.
func (c Criteria) Clone() Criteria {
	if c == nil {
		return Criteria{}
	}
	return Criteria(cloneMap(c))
}

// Equal compares criteria structurally.
func (c Criteria) Equal(other Criteria) bool {
	return mapsEqual(c, other)
}

// IncludesDeleted reports whether the criteria explicitly ask for deleted objects.
func (c Criteria) IncludesDeleted() bool {
	switch value := c[FieldDeleted].(type) {
	case bool:
		return value
	case []any:
		for _, element := range value {
			if flag, ok := element.(bool); ok && flag {
				return true
			}
		}
	}
	return false
}

// Limit returns the positive result limit, if any.
func (c Criteria) Limit() (int, bool) {
	limit, ok := toInt64(c[CriterionLimit])
	if !ok || limit <= 0 {
		return 0, false
	}
	return int(limit), true
}

// Query is a find request issued through the Database facade.
type Query struct {
	Location Location
	Criteria Criteria
	Required bool
	Minimum  int
}

// Validate checks the location and the shape of the criteria.
func (q Query) Validate() error {
	if err := q.Location.Validate(); err != nil {
		return err
	}
	if q.Minimum < 0 {
		return fmt.Errorf("%w: negative minimum", ErrInvalidQuery)
	}
	return nil
}
